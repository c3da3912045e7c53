package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/kalpana/internal/integrity"
)

var integrityWrite string

func init() {
	rootCmd.AddCommand(integrityCmd)
	integrityCmd.AddCommand(integrityHashCmd, integrityCheckCmd)
	integrityHashCmd.Flags().StringVar(&integrityWrite, "write", "", "Write the hash to this checksum file")
}

var integrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Binary checksum and file permission checks",
}

var integrityHashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print the SHA-256 of this binary",
	Long: "Prints the SHA-256 of the running binary. With --write, records it in the\n" +
		"checksum file that kalpana-core verifies at startup.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := integrity.HashSelf()
		if err != nil {
			return err
		}
		if integrityWrite != "" {
			if err := os.MkdirAll(filepath.Dir(integrityWrite), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(integrityWrite, []byte(h+"\n"), 0o644); err != nil {
				return fmt.Errorf("write checksum: %w", err)
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), h)
		return nil
	},
}

var integrityCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the startup integrity check without starting the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		err = integrity.Check(integrity.Options{
			ChecksumFile: cfg.Integrity.ChecksumFile,
			Files:        []string{cfg.Source, cfg.Policy.Path, cfg.Auth.TokenSecretFile},
		})
		out := cmd.OutOrStdout()
		if err == nil {
			fmt.Fprintln(out, "OK")
			return nil
		}
		for _, v := range integrity.Violations(err) {
			fmt.Fprintf(out, "FAIL %-20s %s: %s\n", v.Kind, v.Path, v.Detail)
		}
		os.Exit(1)
		return nil
	},
}
