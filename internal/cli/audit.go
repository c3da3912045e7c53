package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/kalpana/internal/audit"
)

var (
	auditSink string
	auditPath string
	tailLines int
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.PersistentFlags().StringVar(&auditSink, "sink", "", "Sink kind: file, sqlite, badger (default audit.sink)")
	auditCmd.PersistentFlags().StringVar(&auditPath, "path", "", "Audit store path (default audit.path)")
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity of the audit log",
	Long:  "Walks the audit log and checks that every entry's prev_hash matches the\nSHA-256 of the previous entry and that seq is contiguous. Exits 0 if valid,\n1 if the chain is broken.",
	Args:  cobra.NoArgs,
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit log entries",
	Args:  cobra.NoArgs,
	RunE:  runAuditTail,
}

// openAuditReader opens the configured sink read-only, with --sink and
// --path taking precedence.
func openAuditReader() (audit.Sink, error) {
	kind, path := auditSink, auditPath
	if kind == "" || path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if kind == "" {
			kind = cfg.Audit.Sink
		}
		if path == "" {
			path = cfg.Audit.Path
		}
	}
	return audit.OpenSinkReader(kind, path)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	sink, err := openAuditReader()
	if err != nil {
		return err
	}
	result := audit.VerifySink(sink)
	sink.Close()

	if result.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d entries verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at entry %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	sink, err := openAuditReader()
	if err != nil {
		return err
	}
	defer sink.Close()

	entries, err := lastEntries(sink, tailLines)
	if err != nil {
		return err
	}
	for _, e := range entries {
		out, _ := json.MarshalIndent(e, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	}
	return nil
}

// lastEntries returns the final n entries of sink in order.
func lastEntries(sink audit.Sink, n int) ([]audit.AuditEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]audit.AuditEntry, 0, n)
	err := audit.Entries(sink, func(e audit.AuditEntry) error {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return ring, nil
}
