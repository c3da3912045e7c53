package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/kalpana/internal/logger"
	kalpanamcp "github.com/ppiankov/kalpana/internal/mcp"
)

var (
	mcpToken  string
	mcpClient string
	mcpAwait  time.Duration
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpToken, "token", "", "Session token (default $KALPANA_TOKEN)")
	mcpCmd.Flags().StringVar(&mcpClient, "client", "kalpana-shell", "Client name sent in the handshake")
	mcpCmd.Flags().DurationVar(&mcpAwait, "await-timeout", 2*time.Minute, "Longest wait for an operator when a tool call asks to wait")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP bridge for a language-model shell",
	Long: "Runs an MCP (Model Context Protocol) server over stdio. Tool calls become\n" +
		"requests on an ordinary core session: submit_action, session_status,\n" +
		"explain_last. The bridge holds no authority; the core decides.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	token := mcpToken
	if token == "" {
		token = os.Getenv("KALPANA_TOKEN")
	}

	// stdout carries the protocol; logs go to stderr.
	log := logger.NewFromConfig(cfg.Log.Level, "console")
	defer log.Sync()

	srv := kalpanamcp.New(kalpanamcp.Config{
		SocketPath:   cfg.Socket.Path,
		Token:        token,
		ClientName:   mcpClient,
		AwaitTimeout: mcpAwait,
		Version:      version,
		Log:          log,
	})
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "kalpana MCP bridge running on stdio (core %s)\n", cfg.Socket.Path)
	return srv.Run(ctx)
}
