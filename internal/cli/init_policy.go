package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/kalpana/internal/policy"
)

var initPolicyOut string

func init() {
	rootCmd.AddCommand(initPolicyCmd)
	initPolicyCmd.Flags().StringVarP(&initPolicyOut, "output", "o", "", "Write to this file instead of stdout")
}

var initPolicyCmd = &cobra.Command{
	Use:   "init-policy",
	Short: "Print the default rule set with comments",
	Long:  "Emits the built-in policy.yaml. Edit it and point policy.path at it to\nreplace the defaults; a policy file never merges with built-in rules.",
	RunE:  runInitPolicy,
}

func runInitPolicy(cmd *cobra.Command, args []string) error {
	content := policy.DefaultConfigYAML()
	if initPolicyOut == "" {
		fmt.Fprint(cmd.OutOrStdout(), content)
		return nil
	}
	if wrote, err := writeIfMissing(initPolicyOut, content, 0o644); err != nil {
		return err
	} else if !wrote {
		return fmt.Errorf("%s already exists (use init --force to overwrite)", initPolicyOut)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", initPolicyOut)
	return nil
}
