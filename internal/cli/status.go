package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
)

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionsCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status as JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List connected sessions",
	RunE:  runSessions,
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	defer c.Close()

	st, err := c.Status()
	if err != nil {
		return fmt.Errorf("query status: %w", err)
	}
	out := cmd.OutOrStdout()
	if statusJSON {
		data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(st.ToStruct())
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "mode:                  %s\n", st.Mode)
	fmt.Fprintf(out, "uptime:                %s\n", time.Duration(st.UptimeSeconds)*time.Second)
	fmt.Fprintf(out, "requests processed:    %d\n", st.RequestsProcessed)
	fmt.Fprintf(out, "sessions active:       %d\n", st.SessionsActive)
	fmt.Fprintf(out, "pending confirmations: %d\n", st.PendingConfirmations)
	fmt.Fprintf(out, "audit entries:         %d\n", st.AuditEntries)
	fmt.Fprintf(out, "rules:                 %d\n", st.Rules)
	if st.PolicyHash != "" {
		fmt.Fprintf(out, "policy:                %s (version %d)\n", st.PolicyHash, st.PolicyVersion)
	}
	if st.Draining {
		fmt.Fprintln(out, "draining:              yes")
	}
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	defer c.Close()

	list, err := c.Sessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	fmt.Fprintf(out, "%-36s %-12s %-16s %-8s %-10s %s\n", "SESSION", "PRINCIPAL", "CLIENT", "PID", "PROCESSED", "OPENED")
	for _, s := range list {
		fmt.Fprintf(out, "%-36s %-12s %-16s %-8d %-10d %s\n",
			s.ID, truncate(s.Principal, 12), truncate(s.Client, 16), s.PID, s.Processed, s.OpenedAt)
	}
	return nil
}
