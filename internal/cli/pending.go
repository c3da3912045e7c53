package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	operatorv1 "github.com/ppiankov/kalpana/api/operator/v1"
)

func init() {
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List confirmations waiting for an operator",
	Long:  "Shows every request held for approval with its principal, action, and expiry.",
	RunE:  runPending,
}

func runPending(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	defer c.Close()

	list, err := c.ListPending()
	if err != nil {
		return fmt.Errorf("list pending confirmations: %w", err)
	}
	printPending(cmd.OutOrStdout(), list)
	return nil
}

func printPending(w io.Writer, list []operatorv1.PendingConfirmation) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No pending confirmations.")
		return
	}
	fmt.Fprintf(w, "%-36s %-12s %-18s %-40s %s\n", "CORRELATION ID", "PRINCIPAL", "ACTION", "SUMMARY", "EXPIRES")
	for _, p := range list {
		summary := p.Summary
		if summary == "" {
			summary = p.Reason
		}
		fmt.Fprintf(w, "%-36s %-12s %-18s %-40s %s\n",
			p.CorrelationID,
			truncate(p.Principal, 12),
			p.Action,
			truncate(summary, 40),
			p.ExpiresAt,
		)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
