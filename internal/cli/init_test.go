package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/kalpana/internal/config"
)

// newTestInit runs init in dev mode into a fresh directory and points
// --config at the result.
func newTestInit(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	initDir = dir
	devMode = true
	initInstallSystemd = false
	initForce = false
	configPath = filepath.Join(dir, "core.yaml")
	t.Cleanup(func() {
		initDir = ""
		devMode = false
		configPath = ""
	})

	var out bytes.Buffer
	initCmd.SetOut(&out)
	if err := runInit(initCmd, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	if !strings.Contains(out.String(), "Created:") {
		t.Errorf("expected created files listed, got %q", out.String())
	}
	return dir
}

func TestRunInitDevMode(t *testing.T) {
	dir := newTestInit(t)

	data, err := os.ReadFile(filepath.Join(dir, "policy.yaml"))
	if err != nil {
		t.Fatalf("policy.yaml not created: %v", err)
	}
	if !strings.Contains(string(data), "rules:") {
		t.Error("policy.yaml missing rules")
	}

	info, err := os.Stat(filepath.Join(dir, "token.secret"))
	if err != nil {
		t.Fatalf("token.secret not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected token.secret mode 0600, got %o", info.Mode().Perm())
	}

	cfg, err := config.Load(filepath.Join(dir, "core.yaml"), false)
	if err != nil {
		t.Fatalf("generated core.yaml does not load: %v", err)
	}
	if !cfg.DevMode {
		t.Error("expected dev_mode in generated config")
	}
	if cfg.Policy.Path != filepath.Join(dir, "policy.yaml") {
		t.Errorf("expected policy path in %s, got %s", dir, cfg.Policy.Path)
	}
	if cfg.Audit.Path != filepath.Join(dir, "audit.jsonl") {
		t.Errorf("expected audit path in %s, got %s", dir, cfg.Audit.Path)
	}
	secret, err := cfg.TokenSecret()
	if err != nil || len(secret) != 64 {
		t.Errorf("expected 64-byte hex secret, got %d bytes (%v)", len(secret), err)
	}
}

func TestRunInitNoOverwriteWithoutForce(t *testing.T) {
	dir := newTestInit(t)
	secretPath := filepath.Join(dir, "token.secret")
	before, _ := os.ReadFile(secretPath)

	var out bytes.Buffer
	initCmd.SetOut(&out)
	if err := runInit(initCmd, nil); err != nil {
		t.Fatalf("second runInit failed: %v", err)
	}
	if !strings.Contains(out.String(), "already exist") {
		t.Errorf("expected nothing created, got %q", out.String())
	}
	after, _ := os.ReadFile(secretPath)
	if !bytes.Equal(before, after) {
		t.Error("token secret was regenerated without --force")
	}
}

func TestRunInitForceOverwrites(t *testing.T) {
	dir := newTestInit(t)
	policyPath := filepath.Join(dir, "policy.yaml")
	os.WriteFile(policyPath, []byte("rules: []\n"), 0o644)

	initForce = true
	defer func() { initForce = false }()
	if err := runInit(initCmd, nil); err != nil {
		t.Fatalf("runInit --force failed: %v", err)
	}
	data, _ := os.ReadFile(policyPath)
	if string(data) == "rules: []\n" {
		t.Error("expected policy.yaml overwritten with --force")
	}
}

func TestInitPolicyStdout(t *testing.T) {
	var out bytes.Buffer
	initPolicyCmd.SetOut(&out)
	initPolicyOut = ""
	if err := runInitPolicy(initPolicyCmd, nil); err != nil {
		t.Fatalf("runInitPolicy: %v", err)
	}
	if !strings.Contains(out.String(), "protected_paths") {
		t.Errorf("expected default policy on stdout, got %q", out.String())
	}
}
