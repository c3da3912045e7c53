package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var denyAs string

func init() {
	rootCmd.AddCommand(denyCmd)
	denyCmd.Flags().StringVar(&denyAs, "as", "", "Approver label recorded when the socket peer cannot be identified")
}

var denyCmd = &cobra.Command{
	Use:   "deny <correlation-id>",
	Short: "Deny a pending confirmation",
	Long:  "Denies a request held for confirmation. The requesting session receives a\npolicy_denied notification and nothing is executed.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeny,
}

func runDeny(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Deny(args[0], denyAs)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Denied %s: %s for %s\n", resp.CorrelationID, resp.Action, resp.Principal)
	return nil
}
