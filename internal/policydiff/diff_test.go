package policydiff

import (
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/kalpana/internal/policy"
	"github.com/ppiankov/kalpana/internal/ratelimit"
)

func findRule(t *testing.T, r *DiffResult, id string) RuleChange {
	t.Helper()
	for _, rc := range r.RuleChanges {
		if rc.ID == id {
			return rc
		}
	}
	t.Fatalf("rule change %s not found in %+v", id, r.RuleChanges)
	return RuleChange{}
}

func TestIdenticalPoliciesNoChanges(t *testing.T) {
	r := Diff(policy.DefaultConfig(), policy.DefaultConfig())
	if r.HasChanges {
		t.Errorf("expected no changes, got %d changes + %d rule changes",
			len(r.Changes), len(r.RuleChanges))
	}
	if r.Summary() != "no changes" {
		t.Errorf("expected 'no changes', got %q", r.Summary())
	}
}

func TestAddedAllowRuleIsLooser(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	b.Rules = append(b.Rules, policy.Rule{ID: "guest-net", Actions: []string{"restart_network"}, Principals: []string{"guest"}, Decision: "allow"})

	rc := findRule(t, Diff(a, b), "guest-net")
	if rc.Type != "added" || rc.Comment != "looser" {
		t.Errorf("expected added/looser, got %s/%s", rc.Type, rc.Comment)
	}
}

func TestRemovedAllowRuleIsStricter(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	b.Rules = b.Rules[1:]

	r := Diff(a, b)
	rc := findRule(t, r, "core-introspection")
	if rc.Type != "removed" || rc.Comment != "stricter" {
		t.Errorf("expected removed/stricter, got %s/%s", rc.Type, rc.Comment)
	}
	if len(r.RuleChanges) != 1 {
		t.Errorf("expected only one rule change, got %+v", r.RuleChanges)
	}
}

func TestConfirmDroppedIsLooser(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	for i := range b.Rules {
		if b.Rules[i].ID == "admin-delete" {
			b.Rules[i].Confirm = false
		}
	}

	rc := findRule(t, Diff(a, b), "admin-delete")
	if rc.Type != "changed" || rc.Comment != "looser" {
		t.Errorf("expected changed/looser, got %s/%s", rc.Type, rc.Comment)
	}
	if len(rc.Fields) != 1 || rc.Fields[0] != "confirm" {
		t.Errorf("expected [confirm], got %v", rc.Fields)
	}
}

func TestParamChangeHasNoDirection(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	b.Rules[1].Params = map[string]string{"path": "/home/**"}

	rc := findRule(t, Diff(a, b), "user-read")
	if rc.Comment != "" {
		t.Errorf("expected no direction for a matcher change, got %q", rc.Comment)
	}
	if len(rc.Fields) != 1 || rc.Fields[0] != "params" {
		t.Errorf("expected [params], got %v", rc.Fields)
	}
}

func TestUnnamedRulesMatchByPosition(t *testing.T) {
	a := &policy.Config{Rules: []policy.Rule{{Actions: []string{"status"}, Decision: "allow"}}}
	b := &policy.Config{Rules: []policy.Rule{{Actions: []string{"status"}, Decision: "deny"}}}

	rc := findRule(t, Diff(a, b), "rule.1")
	if rc.Type != "changed" || rc.Comment != "stricter" {
		t.Errorf("expected changed/stricter, got %s/%s", rc.Type, rc.Comment)
	}
}

func TestProtectedPathChanges(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	b.ProtectedPaths = []string{"/boot/**", "/etc/kalpana/**"}

	r := Diff(a, b)
	var added, removed bool
	for _, c := range r.Changes {
		if c.Field != "protected_paths" {
			continue
		}
		if c.New == "/etc/kalpana/**" && c.Comment == "stricter" {
			added = true
		}
		if c.Old == "/kalpana/core/**" && c.Comment == "looser" {
			removed = true
		}
	}
	if !added || !removed {
		t.Errorf("expected one stricter addition and one looser removal, got %+v", r.Changes)
	}
}

func TestRateLimitChanges(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	b.RateLimits = map[string]ratelimit.Config{
		"*":     a.RateLimits["*"],
		"admin": {"run_command": {MaxRequests: 5, Window: time.Minute}},
	}

	r := Diff(a, b)
	got := map[string]Change{}
	for _, c := range r.Changes {
		got[c.Field] = c
	}
	if c := got["rate_limits.admin"]; c.Comment != "added" || c.New != "run_command=5/1m0s" {
		t.Errorf("expected admin limit added, got %+v", c)
	}
	if c := got["rate_limits.guest"]; c.Comment != "removed" {
		t.Errorf("expected guest limit removed, got %+v", c)
	}
	if _, ok := got["rate_limits.*"]; ok {
		t.Error("unchanged limit reported")
	}
}

func TestVersionAndSummary(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	b.Version = 2
	b.Rules = append(b.Rules[:1], policy.Rule{ID: "new", Actions: []string{"status"}, Decision: "deny"})

	r := Diff(a, b)
	s := r.Summary()
	if !strings.Contains(s, "1 added") || !strings.Contains(s, "removed") || !strings.Contains(s, "other") {
		t.Errorf("unexpected summary %q", s)
	}
}

func TestNilConfigs(t *testing.T) {
	r := Diff(nil, policy.DefaultConfig())
	if !r.HasChanges {
		t.Fatal("expected changes against an empty document")
	}
	for _, rc := range r.RuleChanges {
		if rc.Type != "added" {
			t.Errorf("expected only additions, got %s %s", rc.Type, rc.ID)
		}
	}
}

func TestFormatText(t *testing.T) {
	a := policy.DefaultConfig()
	b := policy.DefaultConfig()
	b.Rules = append(b.Rules, policy.Rule{ID: "extra", Actions: []string{"status"}, Decision: "allow"})
	b.ProtectedPaths = append(b.ProtectedPaths, "/etc/**")

	r := Diff(a, b)
	r.OldLabel, r.NewLabel = "running", "policy.yaml"
	out := FormatText(r)
	for _, want := range []string{"running → policy.yaml", "+ extra", "protected_paths: + /etc/**", "(looser)"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}

	same := Diff(a, a)
	if !strings.Contains(FormatText(same), "No changes detected") {
		t.Error("expected no-change message")
	}
}

func TestFormatJSON(t *testing.T) {
	b := policy.DefaultConfig()
	b.Version = 3
	out, err := FormatJSON(Diff(policy.DefaultConfig(), b))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"has_changes": true`) {
		t.Errorf("expected has_changes in %s", out)
	}
}
