package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var approveAs string

func init() {
	rootCmd.AddCommand(approveCmd)
	approveCmd.Flags().StringVar(&approveAs, "as", "", "Approver label recorded when the socket peer cannot be identified")
}

var approveCmd = &cobra.Command{
	Use:   "approve <correlation-id>",
	Short: "Approve a pending confirmation",
	Long: "Approves a request held for confirmation. The core executes it and notifies\n" +
		"the requesting session. An id that was already resolved or never existed is\n" +
		"rejected without side effects.",
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func runApprove(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Approve(args[0], approveAs)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Approved %s: %s for %s (approver %s)\n",
		resp.CorrelationID, resp.Action, resp.Principal, resp.Approver)
	return nil
}
