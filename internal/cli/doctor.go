package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ppiankov/kalpana/internal/audit"
	"github.com/ppiankov/kalpana/internal/client"
	"github.com/ppiankov/kalpana/internal/config"
	"github.com/ppiankov/kalpana/internal/integrity"
	"github.com/ppiankov/kalpana/internal/systemd"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, policy, audit chain, and daemon reachability",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		checks := []checkResult{{label: "configuration", detail: err.Error(), fix: "kalpana-core init"}}
		return printChecks(cmd.OutOrStdout(), checks)
	}
	return printChecks(cmd.OutOrStdout(), diagnose(cfg))
}

func diagnose(cfg *config.Config) []checkResult {
	var checks []checkResult

	src := resolveConfigPath()
	if src == "" {
		src = "built-in defaults"
	}
	checks = append(checks, checkResult{label: "configuration", ok: true, detail: src})

	if rs, err := compilePolicy(cfg.Policy.Path); err != nil {
		checks = append(checks, checkResult{
			label:  "policy",
			detail: err.Error(),
			fix:    "kalpana-core check --policy " + cfg.Policy.Path,
		})
	} else {
		detail := fmt.Sprintf("%s (%d rules)", rs.Hash, rs.Len())
		if _, err := os.Stat(cfg.Policy.Path); err != nil {
			detail += ", built-in defaults"
		}
		checks = append(checks, checkResult{label: "policy", ok: true, detail: detail})
	}

	if secret, err := cfg.TokenSecret(); err != nil {
		checks = append(checks, checkResult{label: "token secret", detail: err.Error()})
	} else if len(secret) == 0 {
		c := checkResult{label: "token secret", ok: !cfg.Auth.RequireToken, detail: "not configured, sessions use peer credentials"}
		if !c.ok {
			c.fix = "set auth.token_secret_file"
		}
		checks = append(checks, c)
	} else {
		checks = append(checks, checkResult{label: "token secret", ok: true, detail: "configured"})
	}

	if sink, err := audit.OpenSinkReader(cfg.Audit.Sink, cfg.Audit.Path); err != nil {
		checks = append(checks, checkResult{label: "audit log", ok: true, detail: "not created yet: " + cfg.Audit.Path})
	} else {
		res := audit.VerifySink(sink)
		sink.Close()
		if res.Valid {
			checks = append(checks, checkResult{label: "audit log", ok: true, detail: fmt.Sprintf("%d entries, chain intact", res.Lines)})
		} else {
			checks = append(checks, checkResult{
				label:  "audit log",
				detail: fmt.Sprintf("chain broken at entry %d: %s", res.ErrorLine, res.Error),
				fix:    "kalpana-core audit replay",
			})
		}
	}

	if !cfg.DevMode {
		opts := integrity.Options{ChecksumFile: cfg.Integrity.ChecksumFile}
		if cfg.Integrity.StrictPermissions {
			opts.Files = []string{cfg.Source, cfg.Policy.Path, cfg.Auth.TokenSecretFile}
		}
		if err := integrity.Check(opts); err != nil {
			checks = append(checks, checkResult{label: "integrity", detail: err.Error(), fix: "chown root and chmod go-w, or kalpana-core integrity hash --write " + cfg.Integrity.ChecksumFile})
		} else {
			checks = append(checks, checkResult{label: "integrity", ok: true, detail: "binary and files verified"})
		}
	}

	checks = append(checks, daemonCheck(cfg))

	if runtime.GOOS == "linux" && !cfg.DevMode {
		if _, err := os.Stat(systemd.UnitPath); err != nil {
			checks = append(checks, checkResult{
				label:  "systemd unit",
				detail: "not installed",
				fix:    "sudo kalpana-core init --install-systemd",
			})
		} else if msg := systemd.CheckUnitFileIntegrity(systemd.UnitPath, systemd.UnitHashPath); msg != "" {
			checks = append(checks, checkResult{label: "systemd unit", detail: msg, fix: "sudo kalpana-core init --install-systemd --force"})
		} else {
			checks = append(checks, checkResult{label: "systemd unit", ok: true, detail: "installed"})
		}
	}
	return checks
}

func daemonCheck(cfg *config.Config) checkResult {
	c, err := client.New(cfg.Operator.Socket)
	if err != nil {
		return checkResult{label: "daemon", detail: err.Error(), fix: "kalpana-core serve"}
	}
	defer c.Close()
	st, err := c.Status()
	if err != nil {
		return checkResult{label: "daemon", detail: "not reachable on " + cfg.Operator.Socket, fix: "kalpana-core serve"}
	}
	return checkResult{
		label:  "daemon",
		ok:     true,
		detail: fmt.Sprintf("%s, %d sessions, %d pending", st.Mode, st.SessionsActive, st.PendingConfirmations),
	}
}

func printChecks(w io.Writer, checks []checkResult) error {
	hasFailures := false
	for _, c := range checks {
		mark := "\u2713" // ✓
		if !c.ok {
			mark = "\u2717" // ✗
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(w, line)
	}

	if hasFailures {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "All checks passed.")
	return nil
}
