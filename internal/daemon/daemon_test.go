package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/kalpana/internal/alert"
	"github.com/ppiankov/kalpana/internal/audit"
	"github.com/ppiankov/kalpana/internal/client"
	"github.com/ppiankov/kalpana/internal/config"
	"github.com/ppiankov/kalpana/internal/executor"
	"github.com/ppiankov/kalpana/internal/identity"
	"github.com/ppiankov/kalpana/internal/integrity"
	"github.com/ppiankov/kalpana/internal/policy"
	"github.com/ppiankov/kalpana/sdk/go/kalpana"
)

const testSecret = "daemon-test-secret-0123456789"

type blockingRunner struct {
	started chan struct{}
	calls   atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{started: make(chan struct{}, 4)}
}

func (r *blockingRunner) Run(ctx context.Context, name string, args []string, dir string) (executor.CommandResult, error) {
	r.calls.Add(1)
	r.started <- struct{}{}
	<-ctx.Done()
	return executor.CommandResult{}, ctx.Err()
}

func (r *blockingRunner) Start(string, []string, string) (int, error) { return 1, nil }

type quickRunner struct {
	calls atomic.Int32
}

func (r *quickRunner) Run(context.Context, string, []string, string) (executor.CommandResult, error) {
	r.calls.Add(1)
	return executor.CommandResult{Stdout: "active"}, nil
}

func (r *quickRunner) Start(string, []string, string) (int, error) { return 1, nil }

type breakableSink struct {
	audit.Sink
	broken atomic.Bool
}

func (b *breakableSink) Append(line []byte) error {
	if b.broken.Load() {
		return errors.New("disk full")
	}
	return b.Sink.Append(line)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	// Socket paths are limited to ~108 bytes; t.TempDir() can exceed that.
	dir, err := os.MkdirTemp("", "kd")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.DevMode = true
	cfg.Socket.Path = filepath.Join(dir, "core.sock")
	cfg.Socket.Group = ""
	cfg.Operator.Socket = filepath.Join(dir, "op.sock")
	cfg.Policy.Path = filepath.Join(dir, "policy.yaml")
	cfg.Policy.Watch = false
	cfg.Audit.Path = filepath.Join(dir, "audit.jsonl")
	cfg.PIDFile = filepath.Join(dir, "core.pid")
	cfg.Auth.TokenSecret = testSecret
	cfg.Timeouts.Shutdown = 300 * time.Millisecond
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

type running struct {
	d        *Daemon
	cfg      *config.Config
	cancel   context.CancelFunc
	finished chan struct{}
	result   error
}

func startDaemon(t *testing.T, cfg *config.Config, opts ...Option) *running {
	t.Helper()
	d, err := New(context.Background(), cfg, nil, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{d: d, cfg: cfg, cancel: cancel, finished: make(chan struct{})}
	go func() {
		r.result = d.Run(ctx)
		close(r.finished)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(cfg.Operator.Socket); err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("daemon did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.finished:
		case <-time.After(3 * time.Second):
		}
	})
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case <-r.finished:
		return r.result
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not stop")
		return nil
	}
}

func (r *running) dial(t *testing.T, principal string, caps ...string) *kalpana.Client {
	t.Helper()
	tok, err := identity.IssueToken([]byte(testSecret), principal, caps, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	c, err := kalpana.Dial(context.Background(), r.cfg.Socket.Path, kalpana.WithToken(tok))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readEvents(t *testing.T, path string) []audit.AuditEntry {
	t.Helper()
	sink, err := audit.OpenSinkReader(audit.SinkFile, path)
	if err != nil {
		t.Fatalf("OpenSinkReader: %v", err)
	}
	defer sink.Close()
	var out []audit.AuditEntry
	if err := audit.Entries(sink, func(e audit.AuditEntry) error {
		out = append(out, e)
		return nil
	}); err != nil {
		t.Fatalf("Entries: %v", err)
	}
	return out
}

func TestRunServesAndStopsCleanly(t *testing.T) {
	cfg := testConfig(t)
	r := startDaemon(t, cfg, WithRunner(&quickRunner{}))

	if _, err := os.Stat(cfg.PIDFile); err != nil {
		t.Errorf("expected PID file while running, got %v", err)
	}

	c := r.dial(t, "guest")
	resp, err := c.Do(context.Background(), "status", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != kalpana.StatusOK {
		t.Fatalf("expected ok, got %+v", resp)
	}

	err = r.stop(t)
	if err != nil || ExitCode(err) != ExitOK {
		t.Fatalf("expected clean exit, got %v (code %d)", err, ExitCode(err))
	}
	if _, err := os.Stat(cfg.PIDFile); !os.IsNotExist(err) {
		t.Errorf("expected PID file removed, got %v", err)
	}
	if _, err := os.Stat(cfg.Socket.Path); !os.IsNotExist(err) {
		t.Errorf("expected socket removed, got %v", err)
	}

	events := readEvents(t, cfg.Audit.Path)
	if len(events) < 2 {
		t.Fatalf("expected lifecycle entries, got %d", len(events))
	}
	first, last := events[0], events[len(events)-1]
	if first.Event != audit.EventLifecycle || first.Action.Kind != "start" {
		t.Errorf("expected lifecycle start first, got %s/%s", first.Event, first.Action.Kind)
	}
	if last.Event != audit.EventLifecycle || last.Action.Kind != "stop" {
		t.Errorf("expected lifecycle stop last, got %s/%s", last.Event, last.Action.Kind)
	}
	if res := audit.Verify(cfg.Audit.Path); !res.Valid {
		t.Errorf("expected valid chain, got %+v", res)
	}
}

func TestRestartNetworkApprovedByOperator(t *testing.T) {
	cfg := testConfig(t)
	runner := &quickRunner{}
	r := startDaemon(t, cfg, WithRunner(runner))

	c := r.dial(t, "admin", "network")
	resp, err := c.Do(context.Background(), "restart_network", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != kalpana.StatusPending {
		t.Fatalf("expected pending, got %+v", resp)
	}

	op, err := client.New(cfg.Operator.Socket)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	defer op.Close()
	if _, err := op.Approve(resp.CorrelationID, "tester"); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := c.Await(ctx, resp.CorrelationID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if n.Status != kalpana.StatusOK {
		t.Errorf("expected ok after approval, got %+v", n)
	}
	if runner.calls.Load() != 1 {
		t.Errorf("expected one systemctl call, got %d", runner.calls.Load())
	}
}

func TestAuditEscalationExitsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.MaxConsecutiveFailures = 1
	fs, err := audit.OpenFileSink(cfg.Audit.Path)
	if err != nil {
		t.Fatalf("OpenFileSink: %v", err)
	}
	sink := &breakableSink{Sink: fs}
	runner := &quickRunner{}
	r := startDaemon(t, cfg, WithRunner(runner), WithAuditSink(sink))

	c := r.dial(t, "guest")
	sink.broken.Store(true)

	resp, err := c.Do(context.Background(), "control_service", map[string]string{"unit": "sshd", "operation": "status"})
	if err == nil && resp.Status == kalpana.StatusOK {
		t.Errorf("expected failure when the decision cannot be recorded, got %+v", resp)
	}
	if runner.calls.Load() != 0 {
		t.Errorf("expected nothing executed without an audit record, got %d calls", runner.calls.Load())
	}

	select {
	case <-r.finished:
		if ExitCode(r.result) != ExitAuditFatal {
			t.Errorf("expected exit %d, got %d (%v)", ExitAuditFatal, ExitCode(r.result), r.result)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected daemon to stop after audit escalation")
	}
}

func TestShutdownDeadlineForcesExit(t *testing.T) {
	cfg := testConfig(t)
	runner := newBlockingRunner()
	r := startDaemon(t, cfg, WithRunner(runner))

	c := r.dial(t, "guest")
	go c.Do(context.Background(), "control_service", map[string]string{"unit": "sshd", "operation": "status"})

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("action never started")
	}

	err := r.stop(t)
	if !errors.Is(err, ErrForcedShutdown) || ExitCode(err) != ExitForced {
		t.Errorf("expected forced shutdown, got %v (code %d)", err, ExitCode(err))
	}
}

func TestReloadRecordsAudit(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.Policy.Path, []byte(policy.DefaultConfigYAML()), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	r := startDaemon(t, cfg, WithRunner(&quickRunner{}))
	before := r.d.Dispatcher().Engine().Current().Hash

	os.WriteFile(cfg.Policy.Path, []byte("rules: [{id: bad, actions: [status], decision: maybe}]\n"), 0o600)
	if _, err := r.d.Reload(); err == nil {
		t.Fatal("expected invalid policy to be rejected")
	}
	if got := r.d.Dispatcher().Engine().Current().Hash; got != before {
		t.Errorf("expected previous rule set kept, got %s", got)
	}

	changed := strings.Replace(policy.DefaultConfigYAML(), "open to every session", "open to all sessions", 1)
	os.WriteFile(cfg.Policy.Path, []byte(changed), 0o600)
	rs, err := r.d.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if rs.Hash == before {
		t.Error("expected a new policy hash")
	}
	r.stop(t)

	var applied, rejected int
	for _, e := range readEvents(t, cfg.Audit.Path) {
		if e.Event != audit.EventPolicyReload {
			continue
		}
		switch e.Decision {
		case "applied":
			applied++
			if !strings.Contains(e.Reason, "1 changed") {
				t.Errorf("expected diff summary in reason, got %q", e.Reason)
			}
		case "rejected":
			rejected++
		}
	}
	if applied != 1 || rejected != 1 {
		t.Errorf("expected 1 applied and 1 rejected reload, got %d/%d", applied, rejected)
	}
}

func TestWatchReloadsPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Policy.Watch = true
	if err := os.WriteFile(cfg.Policy.Path, []byte(policy.DefaultConfigYAML()), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	r := startDaemon(t, cfg, WithRunner(&quickRunner{}))
	engine := r.d.Dispatcher().Engine()
	before := engine.Current().Hash

	// Give the watcher a moment to register.
	time.Sleep(100 * time.Millisecond)
	changed := strings.Replace(policy.DefaultConfigYAML(), "open to every session", "open to any session", 1)
	if err := os.WriteFile(cfg.Policy.Path, []byte(changed), 0o600); err != nil {
		t.Fatalf("rewrite policy: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for engine.Current().Hash == before {
		if time.Now().After(deadline) {
			t.Fatal("expected policy change to be picked up")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	cfg := testConfig(t)
	os.WriteFile(cfg.Policy.Path, []byte("rules: [{id: x, actions: [status], decision: perhaps}]\n"), 0o600)
	_, err := New(context.Background(), cfg, nil)
	if ExitCode(err) != ExitConfig {
		t.Errorf("expected exit %d, got %d (%v)", ExitConfig, ExitCode(err), err)
	}
}

func TestIntegrityFailureIsConfigError(t *testing.T) {
	cfg := testConfig(t)
	cfg.DevMode = false
	cfg.Integrity.StrictPermissions = false
	old := integrity.ExpectedHash
	integrity.ExpectedHash = strings.Repeat("0", 64)
	defer func() { integrity.ExpectedHash = old }()

	_, err := New(context.Background(), cfg, nil)
	if ExitCode(err) != ExitConfig {
		t.Fatalf("expected exit %d, got %d (%v)", ExitConfig, ExitCode(err), err)
	}
	if len(integrity.Violations(err)) != 1 {
		t.Errorf("expected one violation, got %v", err)
	}
}

func TestDenyRaisesAlert(t *testing.T) {
	got := make(chan alert.Event, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev alert.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err == nil {
			got <- ev
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	cfg.Alerts = []alert.Config{{URL: srv.URL, Events: []string{"deny"}}}
	r := startDaemon(t, cfg, WithRunner(&quickRunner{}))

	c := r.dial(t, "guest")
	resp, err := c.Do(context.Background(), "delete_file", map[string]string{"path": "/home/guest/a"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != kalpana.StatusDenied {
		t.Fatalf("expected denied, got %s", resp.Status)
	}

	select {
	case ev := <-got:
		if ev.Decision != "deny" || ev.Principal != "guest" || ev.Action != "delete_file" {
			t.Errorf("unexpected alert %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected an alert for the denied request")
	}
}

func TestPIDLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "core.pid")

	os.MkdirAll(filepath.Dir(path), 0o750)
	os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o600)
	if err := acquirePIDLock(path); err == nil {
		t.Error("expected lock held by a live process to be refused")
	}

	os.WriteFile(path, []byte("99999999"), 0o600)
	if err := acquirePIDLock(path); err != nil {
		t.Fatalf("expected stale lock replaced, got %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Errorf("expected our pid, got %s", data)
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{ErrForcedShutdown, ExitForced},
		{ErrAuditFatal, ExitAuditFatal},
		{&ConfigError{Err: errors.New("bad")}, ExitConfig},
		{errors.New("other"), ExitForced},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Errorf("%v: expected %d, got %d", c.err, c.want, got)
		}
	}
}
