package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(reloadCmd)
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the rule set",
	Long:  "Asks the running core to re-read its policy file. An invalid file is rejected\nand the active rule set stays in place.",
	RunE:  runReload,
}

func runReload(cmd *cobra.Command, args []string) error {
	c, err := operatorClient()
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Reload()
	if err != nil {
		return fmt.Errorf("reload rejected: %w", err)
	}
	state := "unchanged"
	if resp.Changed {
		state = "applied"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rule set %s: %s (version %d, %d rules)\n", state, resp.PolicyHash, resp.Version, resp.Rules)
	return nil
}
