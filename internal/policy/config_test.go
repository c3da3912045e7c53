package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigYAMLMatchesDefaultConfig(t *testing.T) {
	parsed, err := ParseConfig([]byte(DefaultConfigYAML()))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	def := DefaultConfig()

	if len(parsed.Rules) != len(def.Rules) {
		t.Fatalf("expected %d rules, got %d", len(def.Rules), len(parsed.Rules))
	}
	for i := range def.Rules {
		if parsed.Rules[i].ID != def.Rules[i].ID {
			t.Errorf("rule %d: expected id %s, got %s", i, def.Rules[i].ID, parsed.Rules[i].ID)
		}
		if parsed.Rules[i].Decision != def.Rules[i].Decision {
			t.Errorf("rule %s: expected decision %s, got %s", def.Rules[i].ID, def.Rules[i].Decision, parsed.Rules[i].Decision)
		}
		if parsed.Rules[i].Confirm != def.Rules[i].Confirm {
			t.Errorf("rule %s: confirm mismatch", def.Rules[i].ID)
		}
	}
	if len(parsed.ProtectedPaths) != len(def.ProtectedPaths) {
		t.Errorf("expected %d protected paths, got %d", len(def.ProtectedPaths), len(parsed.ProtectedPaths))
	}
	if w := parsed.RateLimits["guest"]["*"].Window; w != time.Minute {
		t.Errorf("expected guest window 1m, got %s", w)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, hash, err := LoadConfigWithHash(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfigWithHash: %v", err)
	}
	if len(cfg.Rules) != len(DefaultConfig().Rules) {
		t.Errorf("expected default rules, got %d", len(cfg.Rules))
	}
	if hash != HashBytes([]byte(DefaultConfigYAML())) {
		t.Errorf("expected default template hash, got %s", hash)
	}
}

func TestLoadConfigHashTracksContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	os.WriteFile(path, []byte("version: 1\nrules: []\n"), 0600)

	_, h1, err := LoadConfigWithHash(path)
	if err != nil {
		t.Fatalf("LoadConfigWithHash: %v", err)
	}
	os.WriteFile(path, []byte("version: 2\nrules: []\n"), 0600)
	_, h2, _ := LoadConfigWithHash(path)

	if h1 == h2 {
		t.Error("expected hash to change with content")
	}
	if !strings.HasPrefix(h1, "sha256:") {
		t.Errorf("expected sha256: prefix, got %s", h1)
	}
}

func TestLoadConfigFileReplacesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	os.WriteFile(path, []byte(`rules:
  - id: only
    actions: [status]
    decision: allow
`), 0600)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Rules) != 1 {
		t.Errorf("expected 1 rule, got %d", len(cfg.Rules))
	}
	if len(cfg.ProtectedPaths) != 0 {
		t.Errorf("expected no protected paths, got %v", cfg.ProtectedPaths)
	}
}

func TestParseConfigRejectsUnknownField(t *testing.T) {
	_, err := ParseConfig([]byte(`rules:
  - id: typo
    actions: [status]
    principal: [admin]
    decision: allow
`))
	if err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestParseConfigEmpty(t *testing.T) {
	cfg, err := ParseConfig(nil)
	if err != nil {
		t.Fatalf("expected empty document to parse, got %v", err)
	}
	if len(cfg.Rules) != 0 {
		t.Errorf("expected no rules, got %d", len(cfg.Rules))
	}
}

func TestCompileRejectsBadRules(t *testing.T) {
	cases := map[string]Rule{
		"unknown decision": {ID: "a", Actions: []string{"status"}, Decision: "maybe"},
		"no actions":       {ID: "b", Decision: "allow"},
		"unknown action":   {ID: "c", Actions: []string{"format_disk"}, Decision: "allow"},
		"bad glob":         {ID: "d", Actions: []string{"read_[file"}, Decision: "allow"},
		"bad param glob":   {ID: "e", Actions: []string{"status"}, Params: map[string]string{"path": "/a[bc"}, Decision: "allow"},
	}
	for name, r := range cases {
		if _, err := Compile(&Config{Rules: []Rule{r}}, "h"); err == nil {
			t.Errorf("%s: expected compile error", name)
		}
	}
}

func TestCompileRejectsDuplicateIDs(t *testing.T) {
	cfg := &Config{Rules: []Rule{
		{ID: "x", Actions: []string{"status"}, Decision: "allow"},
		{ID: "x", Actions: []string{"list_dir"}, Decision: "allow"},
	}}
	if _, err := Compile(cfg, "h"); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
}

func TestCompileAssignsMissingIDs(t *testing.T) {
	rs, err := Compile(&Config{Rules: []Rule{{Actions: []string{"status"}, Decision: "allow"}}}, "h")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := rs.Rules()[0].ID; got != "" {
		t.Errorf("expected source rule untouched, got id %q", got)
	}
	if rs.Specificity("rule.1") != 4 {
		t.Errorf("expected generated id rule.1 with specificity 4, got %d", rs.Specificity("rule.1"))
	}
}

func TestCompileRejectsRelativeProtectedPath(t *testing.T) {
	if _, err := Compile(&Config{ProtectedPaths: []string{"boot"}}, "h"); err == nil {
		t.Fatal("expected relative protected path to be rejected")
	}
}
