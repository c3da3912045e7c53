package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/kalpana/internal/daemon"
	"github.com/ppiankov/kalpana/internal/logger"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authority daemon",
	Long: "Starts kalpana-core in the foreground: the request socket, the operator\n" +
		"socket, and the policy watcher. SIGINT or SIGTERM drains in-flight work and\n" +
		"exits; SIGHUP reloads the rule set.\n\n" +
		"Exit codes: 0 clean stop, 1 forced shutdown, 2 audit failure, 78 configuration.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(daemon.ExitConfig)
	}

	log := logger.NewFromConfig(cfg.Log.Level, cfg.Log.Format)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, log, daemon.WithVersion(version))
	if err != nil {
		log.Error("startup failed", logger.Error(err))
		os.Exit(daemon.ExitCode(err))
	}

	log.Info("kalpana-core starting",
		logger.String("version", version),
		logger.String("socket", cfg.Socket.Path),
		logger.String("operator_socket", cfg.Operator.Socket),
		logger.String("policy", cfg.Policy.Path),
		logger.Bool("dev_mode", cfg.DevMode))

	if err := d.Run(ctx); err != nil {
		log.Error("kalpana-core stopped", logger.Error(err))
		log.Sync()
		os.Exit(daemon.ExitCode(err))
	}
	log.Info("kalpana-core stopped")
	return nil
}
