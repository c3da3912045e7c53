package policy

import (
	"testing"

	"github.com/ppiankov/kalpana/internal/model"
)

var (
	guest = model.Identity{Principal: "guest", UID: 1001}
	admin = model.Identity{Principal: "admin", UID: 1000, Capabilities: []string{"network", "services"}}
)

func compileDefault(t *testing.T) *RuleSet {
	t.Helper()
	rs, err := Compile(DefaultConfig(), "sha256:test")
	if err != nil {
		t.Fatalf("Compile default: %v", err)
	}
	return rs
}

func mustCompile(t *testing.T, rules ...Rule) *RuleSet {
	t.Helper()
	rs, err := Compile(&Config{Rules: rules}, "sha256:test")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return rs
}

func TestGuestDeleteFileDefaultDeny(t *testing.T) {
	rs := compileDefault(t)
	res := Evaluate(rs, guest, "delete_file", map[string]string{"path": "/home/guest/notes.txt"})
	if res.Decision != model.Deny {
		t.Fatalf("expected deny, got %s", res.Decision)
	}
	if res.RuleID != DefaultDenyID {
		t.Errorf("expected %s, got %s", DefaultDenyID, res.RuleID)
	}
	if res.PolicyHash != "sha256:test" {
		t.Errorf("expected policy hash recorded, got %q", res.PolicyHash)
	}
}

func TestAdminRestartNetworkRequiresConfirmation(t *testing.T) {
	rs := compileDefault(t)
	res := Evaluate(rs, admin, "restart_network", nil)
	if res.Decision != model.RequireConfirmation {
		t.Fatalf("expected require_confirmation, got %s", res.Decision)
	}
	if res.RuleID != "admin-network" {
		t.Errorf("expected admin-network, got %s", res.RuleID)
	}
}

func TestNoRulesAlwaysDeny(t *testing.T) {
	rs := mustCompile(t)
	for _, kind := range []string{"status", "read_file", "restart_network", "unknown"} {
		if res := Evaluate(rs, admin, kind, nil); res.Decision != model.Deny {
			t.Errorf("%s: expected deny with no rules, got %s", kind, res.Decision)
		}
	}
}

func TestNilRuleSetDenies(t *testing.T) {
	res := Evaluate(nil, admin, "status", nil)
	if res.Decision != model.Deny || res.RuleID != NoRuleSetID {
		t.Errorf("expected deny/%s, got %s/%s", NoRuleSetID, res.Decision, res.RuleID)
	}
}

func TestMostSpecificRuleWins(t *testing.T) {
	rs := mustCompile(t,
		Rule{ID: "broad-allow", Actions: []string{"*"}, Decision: "allow"},
		Rule{ID: "file-deny", Actions: []string{"*_file"}, Decision: "deny"},
		Rule{ID: "guest-read", Actions: []string{"read_file"}, Principals: []string{"guest"}, Decision: "allow"},
	)

	if res := Evaluate(rs, guest, "read_file", map[string]string{"path": "/tmp/a"}); res.RuleID != "guest-read" {
		t.Errorf("expected guest-read, got %s", res.RuleID)
	}
	if res := Evaluate(rs, guest, "write_file", map[string]string{"path": "/tmp/a"}); res.RuleID != "file-deny" {
		t.Errorf("expected file-deny, got %s", res.RuleID)
	}
	if res := Evaluate(rs, guest, "status", nil); res.RuleID != "broad-allow" {
		t.Errorf("expected broad-allow, got %s", res.RuleID)
	}
}

func TestTieBrokenByDeclarationOrder(t *testing.T) {
	rs := mustCompile(t,
		Rule{ID: "first", Actions: []string{"status"}, Decision: "deny"},
		Rule{ID: "second", Actions: []string{"status"}, Decision: "allow"},
	)
	res := Evaluate(rs, guest, "status", nil)
	if res.RuleID != "first" || res.Decision != model.Deny {
		t.Errorf("expected first/deny, got %s/%s", res.RuleID, res.Decision)
	}
}

func TestConfirmRuleOverridesLowerPrecedenceAllow(t *testing.T) {
	rs := mustCompile(t,
		Rule{ID: "admin-anything", Actions: []string{"*"}, Principals: []string{"admin"}, Decision: "allow"},
		Rule{ID: "admin-restart", Actions: []string{"restart_network"}, Principals: []string{"admin"}, Decision: "allow", Confirm: true},
	)
	res := Evaluate(rs, admin, "restart_network", nil)
	if res.Decision != model.RequireConfirmation {
		t.Errorf("expected require_confirmation, got %s", res.Decision)
	}
	if res.RuleID != "admin-restart" {
		t.Errorf("expected admin-restart, got %s", res.RuleID)
	}
}

func TestConfirmFlagIgnoredOnDeny(t *testing.T) {
	rs := mustCompile(t, Rule{ID: "d", Actions: []string{"status"}, Decision: "deny", Confirm: true})
	if res := Evaluate(rs, admin, "status", nil); res.Decision != model.Deny {
		t.Errorf("expected deny, got %s", res.Decision)
	}
}

func TestCapabilitiesRequired(t *testing.T) {
	rs := mustCompile(t, Rule{ID: "svc", Actions: []string{"control_service"}, Capabilities: []string{"services"}, Decision: "allow"})
	params := map[string]string{"unit": "sshd", "operation": "restart"}

	if res := Evaluate(rs, admin, "control_service", params); res.Decision != model.Allow {
		t.Errorf("expected allow with capability, got %s", res.Decision)
	}
	if res := Evaluate(rs, guest, "control_service", params); res.Decision != model.Deny {
		t.Errorf("expected deny without capability, got %s", res.Decision)
	}
}

func TestParamGlobsAreSeparatorAware(t *testing.T) {
	rs := mustCompile(t, Rule{ID: "top", Actions: []string{"read_file"}, Params: map[string]string{"path": "/home/*"}, Decision: "allow"})

	if res := Evaluate(rs, guest, "read_file", map[string]string{"path": "/home/notes"}); res.Decision != model.Allow {
		t.Errorf("expected allow for direct child, got %s", res.Decision)
	}
	if res := Evaluate(rs, guest, "read_file", map[string]string{"path": "/home/guest/notes"}); res.Decision != model.Deny {
		t.Errorf("expected deny for nested path with single *, got %s", res.Decision)
	}
	if res := Evaluate(rs, guest, "read_file", nil); res.Decision != model.Deny {
		t.Errorf("expected deny when constrained param is missing, got %s", res.Decision)
	}
}

func TestClientsMatcher(t *testing.T) {
	rs := compileDefault(t)
	shell := model.Identity{Principal: "guest", Client: "kalpana-shell"}
	params := map[string]string{"command": "/usr/bin/firefox"}

	if res := Evaluate(rs, shell, "start_process", params); res.Decision != model.Allow {
		t.Errorf("expected allow for trusted front end, got %s (%s)", res.Decision, res.RuleID)
	}
	if res := Evaluate(rs, guest, "start_process", params); res.Decision != model.Deny {
		t.Errorf("expected deny for unknown client, got %s", res.Decision)
	}
}

func TestProtectedPathsDenyBeforeRules(t *testing.T) {
	rs, err := Compile(&Config{
		ProtectedPaths: []string{"/boot/**", "/kalpana/core"},
		Rules:          []Rule{{ID: "all", Actions: []string{"*"}, Decision: "allow"}},
	}, "h")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	cases := []struct {
		kind   string
		params map[string]string
		want   model.Decision
	}{
		{"delete_file", map[string]string{"path": "/boot/vmlinuz"}, model.Deny},
		{"delete_file", map[string]string{"path": "/boot"}, model.Deny},
		{"write_file", map[string]string{"path": "/tmp/../boot/grub/grub.cfg"}, model.Deny},
		{"move_file", map[string]string{"path": "/tmp/x", "dest": "/kalpana/core/bin"}, model.Deny},
		{"delete_file", map[string]string{"path": "/kalpana", "recursive": "true"}, model.Deny},
		{"move_file", map[string]string{"path": "/kalpana", "dest": "/tmp/k"}, model.Deny},
		{"delete_file", map[string]string{"path": "/", "recursive": "true"}, model.Deny},
		{"delete_file", map[string]string{"path": "/bootstrap/file"}, model.Allow},
		{"delete_file", map[string]string{"path": "/kalpana/cache", "recursive": "true"}, model.Allow},
		{"read_file", map[string]string{"path": "/boot/vmlinuz"}, model.Allow},
	}
	for _, c := range cases {
		res := Evaluate(rs, admin, c.kind, c.params)
		if res.Decision != c.want {
			t.Errorf("%s %v: expected %s, got %s (%s)", c.kind, c.params, c.want, res.Decision, res.RuleID)
		}
		if c.want == model.Deny && res.RuleID != ProtectedPathID {
			t.Errorf("%s %v: expected %s, got %s", c.kind, c.params, ProtectedPathID, res.RuleID)
		}
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	rs := compileDefault(t)
	params := map[string]string{"path": "/home/admin/file", "dest": "/tmp/file"}
	first := Evaluate(rs, admin, "move_file", params)
	for i := 0; i < 100; i++ {
		if got := Evaluate(rs, admin, "move_file", params); got != first {
			t.Fatalf("iteration %d: expected %+v, got %+v", i, first, got)
		}
	}
}

func TestSpecificityScores(t *testing.T) {
	rs := mustCompile(t,
		Rule{ID: "any", Actions: []string{"*"}, Decision: "allow"},
		Rule{ID: "glob", Actions: []string{"*_file"}, Decision: "allow"},
		Rule{ID: "exact", Actions: []string{"read_file"}, Decision: "allow"},
		Rule{ID: "full", Actions: []string{"read_file"}, Principals: []string{"admin"}, Clients: []string{"kalpana-*"},
			Capabilities: []string{"files"}, Params: map[string]string{"path": "/etc/**"}, Decision: "allow"},
	)
	want := map[string]int{"any": 0, "glob": 2, "exact": 4, "full": 4 + 2 + 1 + 1 + 1}
	for id, score := range want {
		if got := rs.Specificity(id); got != score {
			t.Errorf("%s: expected specificity %d, got %d", id, score, got)
		}
	}
}

func TestParamGlobsSeeCleanedPaths(t *testing.T) {
	rs := compileDefault(t)
	res := Evaluate(rs, guest, "read_file", map[string]string{"path": "/home/guest/../../etc/shadow"})
	if res.Decision != model.Deny {
		t.Errorf("expected traversal out of /home to be denied, got %s (%s)", res.Decision, res.RuleID)
	}
}

func TestEnclosesGlobProtectedPaths(t *testing.T) {
	rs, err := Compile(&Config{ProtectedPaths: []string{"/home/*/.ssh/**", "/srv/keys"}}, "h")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	cases := []struct {
		path string
		want bool
	}{
		{"/", true},
		{"/home", true},
		{"/home/alice", true},
		{"/home/alice/.ssh", true},
		{"/home/alice/docs", false},
		{"/srv", true},
		{"/srv/keys", true},
		{"/srv/keys/id", true},
		{"/srv/www", false},
		{"/etc", false},
	}
	for _, c := range cases {
		if got := rs.Guarded(c.path); got != c.want {
			t.Errorf("%s: expected guarded=%v, got %v", c.path, c.want, got)
		}
	}

	var none *RuleSet
	if !none.Guarded("/tmp/x") {
		t.Error("expected nil rule set to guard every path")
	}
}
