package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/kalpana/internal/policy"
	"github.com/ppiankov/kalpana/internal/policydiff"
)

var diffFormat string

func init() {
	rootCmd.AddCommand(diffCmd)
	diffCmd.Flags().StringVarP(&diffFormat, "format", "f", "text", "Output format (text|json)")
}

var diffCmd = &cobra.Command{
	Use:   "diff [old.yaml] <new.yaml>",
	Short: "Compare two policy files and show changes",
	Long: "Shows rules added, removed, and changed between two policy files, marking\n" +
		"each as stricter or looser where the direction is clear. With one argument,\n" +
		"compares the configured policy.path against it: run before a reload.",
	Args: cobra.RangeArgs(1, 2),
	RunE: runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
	oldPath, newPath := "", args[len(args)-1]
	if len(args) == 2 {
		oldPath = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		oldPath = cfg.Policy.Path
	}

	oldCfg, err := policy.LoadConfig(oldPath)
	if err != nil {
		return fmt.Errorf("load old policy: %w", err)
	}
	newCfg, err := policy.LoadConfig(newPath)
	if err != nil {
		return fmt.Errorf("load new policy: %w", err)
	}
	if _, err := policy.Compile(newCfg, ""); err != nil {
		return fmt.Errorf("new policy invalid: %w", err)
	}

	result := policydiff.Diff(oldCfg, newCfg)
	result.OldLabel = oldPath
	result.NewLabel = newPath

	out := cmd.OutOrStdout()
	switch diffFormat {
	case "json":
		s, err := policydiff.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
	default:
		fmt.Fprint(out, policydiff.FormatText(result))
	}
	return nil
}
