package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/kalpana/sdk/go/kalpana"
)

var (
	requestToken  string
	requestClient string
	requestWait   time.Duration
)

func init() {
	rootCmd.AddCommand(requestCmd)
	requestCmd.Flags().StringVar(&requestToken, "token", "", "Session token (default $KALPANA_TOKEN)")
	requestCmd.Flags().StringVar(&requestClient, "client", "kalpana-cli", "Client name sent in the handshake")
	requestCmd.Flags().DurationVar(&requestWait, "wait", 0, "Wait this long for an operator when the request needs confirmation")
}

var requestCmd = &cobra.Command{
	Use:   "request <action> [key=value...]",
	Short: "Submit one action request to the core",
	Long: "Opens a session on the request socket, submits a single action, and prints\n" +
		"the response as JSON. Exits 1 unless the response status is ok.\n\n" +
		"Example:\n  kalpana-core request read_file path=/home/guest/notes.txt",
	Args: cobra.MinimumNArgs(1),
	RunE: runRequest,
}

func runRequest(cmd *cobra.Command, args []string) error {
	params, err := parseParams(args[1:])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	token := requestToken
	if token == "" {
		token = os.Getenv("KALPANA_TOKEN")
	}
	opts := []kalpana.Option{kalpana.WithClientName(requestClient)}
	if token != "" {
		opts = append(opts, kalpana.WithToken(token))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := kalpana.Dial(ctx, cfg.Socket.Path, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Do(ctx, args[0], params)
	if err != nil {
		return err
	}
	if resp.Status == kalpana.StatusPending && requestWait > 0 {
		fmt.Fprintf(os.Stderr, "awaiting operator confirmation for %s\n", resp.CorrelationID)
		wctx, cancel := context.WithTimeout(ctx, requestWait)
		defer cancel()
		if final, err := c.Await(wctx, resp.CorrelationID); err == nil {
			resp = final
		}
	}

	out, _ := json.MarshalIndent(resp, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if resp.Status != kalpana.StatusOK {
		return fmt.Errorf("request %s: %s", resp.Status, resp.Reason)
	}
	return nil
}

// parseParams turns key=value arguments into request params. Values may
// contain '='.
func parseParams(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q: expected key=value", a)
		}
		if _, dup := params[k]; dup {
			return nil, fmt.Errorf("duplicate parameter %q", k)
		}
		params[k] = v
	}
	return params, nil
}
