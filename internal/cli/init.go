package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/kalpana/internal/config"
	"github.com/ppiankov/kalpana/internal/policy"
	"github.com/ppiankov/kalpana/internal/systemd"
)

var (
	initDir            string
	initInstallSystemd bool
	initForce          bool
)

func init() {
	initCmd.Flags().StringVar(&initDir, "dir", "", "Config directory (default /etc/kalpana, or ./.kalpana with --dev)")
	initCmd.Flags().BoolVar(&initInstallSystemd, "install-systemd", false, "Install the kalpana-core.service unit (requires root)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap kalpana-core configuration and optional systemd unit",
	Long: `Creates the config directory with core.yaml, a default policy.yaml, and a
random token secret. Existing files are kept unless --force is given.

With --install-systemd: installs kalpana-core.service and records its hash,
so a later modification of the unit is reported at startup.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := initDir
	if dir == "" {
		dir = filepath.Dir(config.DefaultConfigPath)
		if devMode {
			dir = config.DevDir
		}
	}
	out := cmd.OutOrStdout()
	var created []string

	policyPath := filepath.Join(dir, "policy.yaml")
	if wrote, err := writeIfMissing(policyPath, policy.DefaultConfigYAML(), 0o644); err != nil {
		return err
	} else if wrote {
		created = append(created, policyPath)
	}

	secretPath := filepath.Join(dir, "token.secret")
	secret, err := randomSecret()
	if err != nil {
		return err
	}
	if wrote, err := writeIfMissing(secretPath, secret+"\n", 0o600); err != nil {
		return err
	} else if wrote {
		created = append(created, secretPath)
	}

	corePath := filepath.Join(dir, "core.yaml")
	content, err := coreYAML(dir, policyPath, secretPath)
	if err != nil {
		return err
	}
	if wrote, err := writeIfMissing(corePath, content, 0o640); err != nil {
		return err
	} else if wrote {
		created = append(created, corePath)
	}

	if initInstallSystemd {
		if runtime.GOOS != "linux" {
			return fmt.Errorf("--install-systemd is only supported on Linux")
		}
		if os.Geteuid() != 0 {
			return fmt.Errorf("--install-systemd requires root; run with sudo")
		}
		unit := systemd.CoreUnit(systemd.UnitOptions{Config: corePath})
		if err := systemd.InstallUnit(systemd.UnitPath, systemd.UnitHashPath, unit); err != nil {
			return err
		}
		created = append(created, systemd.UnitPath)

		if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: systemctl daemon-reload failed: %v\n", err)
		}
	}

	fmt.Fprintln(out, "kalpana-core init complete.")
	fmt.Fprintln(out)
	if len(created) > 0 {
		fmt.Fprintln(out, "Created:")
		for _, path := range created {
			fmt.Fprintf(out, "  %s\n", path)
		}
	} else {
		fmt.Fprintln(out, "All files already exist (use --force to overwrite).")
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Verify:")
	fmt.Fprintf(out, "  kalpana-core doctor --config %s\n", corePath)
	if initInstallSystemd {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Start the core:")
		fmt.Fprintln(out, "  sudo systemctl enable --now kalpana-core")
	}
	return nil
}

// coreYAML renders the default configuration pointing at files in dir.
func coreYAML(dir, policyPath, secretPath string) (string, error) {
	cfg := config.Default()
	if devMode {
		cfg.DevMode = true
		cfg.ApplyDevPaths()
		cfg.Audit.Path = filepath.Join(dir, "audit.jsonl")
		cfg.PIDFile = filepath.Join(dir, "kalpana-core.pid")
	}
	cfg.Policy.Path = policyPath
	cfg.Auth.TokenSecretFile = secretPath

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("render core.yaml: %w", err)
	}
	header := "# kalpana-core configuration.\n" +
		"# Every key can be overridden by a KALPANA_* environment variable.\n\n"
	return header + string(data), nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string, perm os.FileMode) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
