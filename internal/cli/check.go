package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/kalpana/internal/action"
	"github.com/ppiankov/kalpana/internal/model"
	"github.com/ppiankov/kalpana/internal/policy"
)

var (
	checkPolicy    string
	checkPrincipal string
	checkClient    string
	checkCaps      []string
	checkFormat    string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&checkPolicy, "policy", "", "Policy file to check (default policy.path)")
	checkCmd.Flags().StringVar(&checkPrincipal, "principal", "guest", "Principal to evaluate as")
	checkCmd.Flags().StringVar(&checkClient, "client", "", "Client name to evaluate as")
	checkCmd.Flags().StringSliceVar(&checkCaps, "cap", nil, "Capability held by the session (repeatable)")
	checkCmd.Flags().StringVarP(&checkFormat, "format", "f", "text", "Output format (text|json)")
}

var checkCmd = &cobra.Command{
	Use:   "check [action] [key=value...]",
	Short: "Validate a policy file and dry-run a decision",
	Long: "Compiles the policy file and reports its hash and rule count. With an action,\n" +
		"also evaluates that request against the compiled rule set without touching\n" +
		"a running daemon. Exit code 1 if the policy is invalid.\n\n" +
		"Example:\n  kalpana-core check restart_network --principal admin --cap network",
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	path := checkPolicy
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Policy.Path
	}

	rs, err := compilePolicy(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}
	out := cmd.OutOrStdout()
	if len(args) == 0 {
		fmt.Fprintf(out, "OK: %s (%s, %d rules)\n", path, rs.Hash, rs.Len())
		return nil
	}

	params, err := parseParams(args[1:])
	if err != nil {
		return err
	}
	if _, err := action.Parse(args[0], params); err != nil {
		return err
	}
	id := model.Identity{
		Principal:     checkPrincipal,
		Client:        checkClient,
		Capabilities:  checkCaps,
		Authenticated: true,
	}
	res := policy.Evaluate(rs, id, args[0], params)
	return printDecision(out, res, checkFormat)
}

func compilePolicy(path string) (*policy.RuleSet, error) {
	cfg, hash, err := policy.LoadConfigWithHash(path)
	if err != nil {
		return nil, err
	}
	return policy.Compile(cfg, hash)
}

func printDecision(w io.Writer, res model.PolicyResult, format string) error {
	if format == "json" {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	fmt.Fprintf(w, "decision: %s\nrule:     %s\nreason:   %s\npolicy:   %s\n", res.Decision, res.RuleID, res.Reason, res.PolicyHash)
	return nil
}
