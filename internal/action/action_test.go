package action

import (
	"testing"

	"github.com/ppiankov/kalpana/internal/model"
)

func TestParseUnknownAction(t *testing.T) {
	_, err := Parse("format_disk", nil)
	if !model.IsKind(err, model.ErrInvalidRequest) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestParseMissingRequiredParam(t *testing.T) {
	_, err := Parse("delete_file", map[string]string{})
	if !model.IsKind(err, model.ErrInvalidRequest) {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}

func TestParseRelativePathRejected(t *testing.T) {
	_, err := Parse("read_file", map[string]string{"path": "etc/passwd"})
	if err == nil {
		t.Fatal("expected relative path to be rejected")
	}
}

func TestParseCleansPath(t *testing.T) {
	a, err := Parse("delete_file", map[string]string{"path": "/home/guest/../guest/notes.txt"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	del, ok := a.(DeleteFile)
	if !ok {
		t.Fatalf("expected DeleteFile, got %T", a)
	}
	if del.Path != "/home/guest/notes.txt" {
		t.Errorf("expected cleaned path, got %s", del.Path)
	}
	if !a.SideEffects() {
		t.Error("expected delete_file to have side effects")
	}
}

func TestParseWriteFileMode(t *testing.T) {
	a, err := Parse("write_file", map[string]string{"path": "/tmp/x", "content": "hi", "mode": "0600"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if w := a.(WriteFile); w.Mode != 0o600 {
		t.Errorf("expected mode 0600, got %o", w.Mode)
	}

	if _, err := Parse("write_file", map[string]string{"path": "/tmp/x", "mode": "999"}); err == nil {
		t.Error("expected invalid mode to be rejected")
	}
}

func TestParseKillProcess(t *testing.T) {
	a, err := Parse("kill_process", map[string]string{"pid": "4242", "signal": "sigkill"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	k := a.(KillProcess)
	if k.PID != 4242 || k.Signal != "KILL" {
		t.Errorf("expected pid=4242 signal=KILL, got pid=%d signal=%s", k.PID, k.Signal)
	}

	if _, err := Parse("kill_process", map[string]string{"pid": "1"}); err == nil {
		t.Error("expected pid 1 to be rejected")
	}
	if _, err := Parse("kill_process", map[string]string{"pid": "10", "name": "firefox"}); err == nil {
		t.Error("expected pid+name to be rejected")
	}
	if _, err := Parse("kill_process", map[string]string{"name": "firefox", "signal": "BOGUS"}); err == nil {
		t.Error("expected unknown signal to be rejected")
	}
}

func TestParseControlService(t *testing.T) {
	if _, err := Parse("control_service", map[string]string{"unit": "sshd", "operation": "explode"}); err == nil {
		t.Error("expected unsupported operation to be rejected")
	}
	if _, err := Parse("control_service", map[string]string{"unit": "../evil", "operation": "start"}); err == nil {
		t.Error("expected path-like unit to be rejected")
	}
	a, err := Parse("control_service", map[string]string{"unit": "sshd.service", "operation": "Restart"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := a.Summary(); got != "restart sshd.service" {
		t.Errorf("expected summary 'restart sshd.service', got %q", got)
	}
}

func TestParseQueryAuditLimitClamped(t *testing.T) {
	a, err := Parse("query_audit", map[string]string{"limit": "100000"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if q := a.(QueryAudit); q.Limit != MaxAuditLimit {
		t.Errorf("expected limit %d, got %d", MaxAuditLimit, q.Limit)
	}
	a, _ = Parse("query_audit", nil)
	if q := a.(QueryAudit); q.Limit != DefaultAuditLimit {
		t.Errorf("expected default limit %d, got %d", DefaultAuditLimit, q.Limit)
	}
}

func TestEveryKindParses(t *testing.T) {
	params := map[string]string{
		"path": "/tmp/a", "dest": "/tmp/b", "command": "true",
		"pid": "100", "unit": "sshd", "operation": "status",
	}
	for _, k := range Kinds() {
		a, err := Parse(string(k), params)
		if err != nil {
			t.Errorf("%s: unexpected error %v", k, err)
			continue
		}
		if a.Kind() != k {
			t.Errorf("expected kind %s, got %s", k, a.Kind())
		}
		if a.Summary() == "" {
			t.Errorf("%s: empty summary", k)
		}
	}
}

func TestPathParams(t *testing.T) {
	got := PathParams(map[string]string{"path": "/boot/../boot/grub", "dest": "/tmp/x", "other": "/etc"})
	if len(got) != 2 || got[0] != "/boot/grub" || got[1] != "/tmp/x" {
		t.Errorf("unexpected path params: %v", got)
	}
}

func TestCanonicalParamsCleansLocations(t *testing.T) {
	in := map[string]string{"path": "/home/guest/../../etc/shadow", "dir": "/tmp/./x/", "content": "a/../b"}
	got := CanonicalParams(in)
	if got["path"] != "/etc/shadow" || got["dir"] != "/tmp/x" {
		t.Errorf("unexpected canonical params: %v", got)
	}
	if got["content"] != "a/../b" {
		t.Errorf("expected non-path params untouched, got %q", got["content"])
	}
	if in["path"] != "/home/guest/../../etc/shadow" {
		t.Error("expected input map unchanged")
	}
}
