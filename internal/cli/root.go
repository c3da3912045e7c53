package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/kalpana/internal/client"
	"github.com/ppiankov/kalpana/internal/config"
)

var (
	configPath string
	devMode    bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to core.yaml (default /etc/kalpana/core.yaml when present)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "Dev mode: sockets in /tmp, state under ./.kalpana")
}

var rootCmd = &cobra.Command{
	Use:   "kalpana-core",
	Short: "Authority daemon for the Kalpana desktop",
	Long: "kalpana-core is the only component allowed to act on the system.\n" +
		"Front ends submit requests over a unix socket; every request is decided by\n" +
		"a fail-closed rule set, recorded in a hash-chained audit log, and executed\n" +
		"through a closed set of actions.",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the explicit --config, then KALPANA_CONFIG,
// then the default path if it exists. Empty means built-in defaults.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("KALPANA_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat(config.DefaultConfigPath); err == nil {
		return config.DefaultConfigPath
	}
	return ""
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath(), devMode)
}

// operatorClient connects to the operator socket named by the config.
func operatorClient() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	c, err := client.New(cfg.Operator.Socket)
	if err != nil {
		return nil, fmt.Errorf("connect to operator socket %s: %w", cfg.Operator.Socket, err)
	}
	return c, nil
}
