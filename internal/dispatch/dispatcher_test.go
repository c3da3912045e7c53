package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ppiankov/kalpana/internal/audit"
	"github.com/ppiankov/kalpana/internal/confirm"
	"github.com/ppiankov/kalpana/internal/executor"
	"github.com/ppiankov/kalpana/internal/model"
	"github.com/ppiankov/kalpana/internal/policy"
	"github.com/ppiankov/kalpana/internal/session"
	"github.com/ppiankov/kalpana/internal/wire"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, dir string) (executor.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return executor.CommandResult{}, nil
}

func (f *fakeRunner) Start(name string, args []string, dir string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return 99, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// flakySink fails appends while broken is set.
type flakySink struct {
	audit.Sink
	broken atomic.Bool
}

func (f *flakySink) Append(line []byte) error {
	if f.broken.Load() {
		return errors.New("disk full")
	}
	return f.Sink.Append(line)
}

type testCore struct {
	d      *Dispatcher
	log    *audit.Log
	sink   *flakySink
	runner *fakeRunner
}

func newTestCore(t *testing.T, ttl time.Duration) *testCore {
	t.Helper()
	fs, err := audit.OpenFileSink(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("OpenFileSink: %v", err)
	}
	sink := &flakySink{Sink: fs}
	log, err := audit.New(sink)
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	engine, err := policy.NewEngineFromConfig(policy.DefaultConfig())
	if err != nil {
		t.Fatalf("NewEngineFromConfig: %v", err)
	}
	runner := &fakeRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	d := New(Options{
		Engine:     engine,
		Audit:      log,
		Executor:   executor.New(executor.Config{ActionTimeout: time.Second}, runner, nil),
		Sessions:   session.NewRegistry(ctx),
		ConfirmTTL: ttl,
		DevMode:    true,
	})
	return &testCore{d: d, log: log, sink: sink, runner: runner}
}

type notifications struct {
	ch chan wire.Response
}

func (n *notifications) notify(r wire.Response) error {
	n.ch <- r
	return nil
}

func (n *notifications) next(t *testing.T) wire.Response {
	t.Helper()
	select {
	case r := <-n.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return wire.Response{}
	}
}

func (c *testCore) open(t *testing.T, id model.Identity) (*session.Session, *notifications) {
	t.Helper()
	n := &notifications{ch: make(chan wire.Response, 8)}
	s, err := c.d.OpenSession(id, n.notify)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	return s, n
}

func (c *testCore) events(t *testing.T) []audit.AuditEntry {
	t.Helper()
	var out []audit.AuditEntry
	if err := c.log.Entries(func(e audit.AuditEntry) error {
		out = append(out, e)
		return nil
	}); err != nil {
		t.Fatalf("Entries: %v", err)
	}
	return out
}

func request(seq uint64, act string, params map[string]string) wire.Request {
	return wire.Request{Type: wire.TypeRequest, SessionSeq: seq, Action: act, Params: params}
}

var (
	guest = model.Identity{Principal: "guest", UID: 1001, Authenticated: true}
	admin = model.Identity{Principal: "admin", UID: 1000, Capabilities: []string{"network"}, Authenticated: true}
)

func TestGuestDeleteFileDenied(t *testing.T) {
	c := newTestCore(t, time.Minute)
	s, _ := c.open(t, guest)

	resp, err := c.d.Handle(context.Background(), s, request(1, "delete_file", map[string]string{"path": "/home/guest/x"}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Status != "denied" {
		t.Fatalf("expected denied, got %s", resp.Status)
	}
	if resp.ErrorKind != string(model.ErrPolicyDenied) {
		t.Errorf("expected policy_denied, got %s", resp.ErrorKind)
	}
	if resp.CorrelationID == "" {
		t.Error("expected assigned correlation id")
	}

	entries := c.events(t)
	last := entries[len(entries)-1]
	if last.Event != audit.EventDecision || last.RuleID != policy.DefaultDenyID {
		t.Errorf("expected decision entry with default.deny, got %+v", last)
	}
	if last.Principal != "guest" || last.SessionID != s.ID {
		t.Errorf("expected entry tagged with session identity, got %+v", last)
	}
	if c.runner.count() != 0 {
		t.Error("expected nothing executed")
	}
}

func TestAdminRestartNetworkApproved(t *testing.T) {
	c := newTestCore(t, time.Minute)
	s, n := c.open(t, admin)

	resp, err := c.d.Handle(context.Background(), s, request(1, "restart_network", nil))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Status != "pending" {
		t.Fatalf("expected pending, got %s (%s)", resp.Status, resp.Reason)
	}
	if c.runner.count() != 0 {
		t.Fatal("expected nothing executed before approval")
	}
	if len(c.d.ListPending()) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(c.d.ListPending()))
	}

	if _, err := c.d.Confirm(resp.CorrelationID, true, "operator"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	got := n.next(t)
	if got.Type != wire.TypeNotify || got.Status != "ok" {
		t.Fatalf("expected ok notify, got %+v", got)
	}
	if got.CorrelationID != resp.CorrelationID || got.SessionSeq != 1 {
		t.Errorf("expected notify for seq 1 %s, got %+v", resp.CorrelationID, got)
	}
	if c.runner.count() != 1 {
		t.Errorf("expected 1 execution, got %d", c.runner.count())
	}

	var sawConfirm, sawOutcome bool
	for _, e := range c.events(t) {
		if e.CorrelationID != resp.CorrelationID {
			continue
		}
		switch e.Event {
		case audit.EventConfirmation:
			sawConfirm = e.Approver == "operator" && e.Decision == string(confirm.StatusApproved)
		case audit.EventOutcome:
			if !sawConfirm {
				t.Error("expected confirmation recorded before outcome")
			}
			sawOutcome = e.Outcome != nil && e.Outcome.Status == "ok"
		}
	}
	if !sawConfirm || !sawOutcome {
		t.Errorf("expected confirmation and ok outcome in audit, got confirm=%v outcome=%v", sawConfirm, sawOutcome)
	}
}

func TestDoubleApprovalRejected(t *testing.T) {
	c := newTestCore(t, time.Minute)
	s, n := c.open(t, admin)
	resp, _ := c.d.Handle(context.Background(), s, request(1, "restart_network", nil))

	if _, err := c.d.Confirm(resp.CorrelationID, true, "operator"); err != nil {
		t.Fatalf("first Confirm: %v", err)
	}
	n.next(t)

	if _, err := c.d.Confirm(resp.CorrelationID, true, "operator"); !errors.Is(err, confirm.ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
	if c.runner.count() != 1 {
		t.Errorf("expected exactly 1 execution, got %d", c.runner.count())
	}
}

func TestConfirmUnknownID(t *testing.T) {
	c := newTestCore(t, time.Minute)
	if _, err := c.d.Confirm(confirm.NewID(), true, "operator"); !errors.Is(err, confirm.ErrUnknown) {
		t.Errorf("expected ErrUnknown, got %v", err)
	}
}

func TestSequenceViolationClosesWithoutExecuting(t *testing.T) {
	c := newTestCore(t, time.Minute)
	s, _ := c.open(t, admin)

	for seq := uint64(1); seq <= 2; seq++ {
		if _, err := c.d.Handle(context.Background(), s, request(seq, "status", nil)); err != nil {
			t.Fatalf("seq %d: %v", seq, err)
		}
	}
	before := c.runner.count()

	resp, err := c.d.Handle(context.Background(), s, request(5, "read_file", map[string]string{"path": "/tmp/x"}))
	if !model.IsKind(err, model.ErrProtocolViolation) {
		t.Fatalf("expected protocol_violation, got %v", err)
	}
	if resp.ErrorKind != string(model.ErrProtocolViolation) {
		t.Errorf("expected protocol_violation response, got %+v", resp)
	}
	if c.runner.count() != before {
		t.Error("expected nothing executed")
	}

	entries := c.events(t)
	last := entries[len(entries)-1]
	if last.Event != audit.EventProtocolViolation || last.SessionID != s.ID {
		t.Errorf("expected protocol violation tagged with session, got %+v", last)
	}
}

func TestDenialByOperator(t *testing.T) {
	c := newTestCore(t, time.Minute)
	s, n := c.open(t, admin)
	resp, _ := c.d.Handle(context.Background(), s, request(1, "restart_network", nil))

	if _, err := c.d.Confirm(resp.CorrelationID, false, "operator"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	got := n.next(t)
	if got.Status != "denied" || got.ErrorKind != string(model.ErrPolicyDenied) {
		t.Errorf("expected denied notify, got %+v", got)
	}
	if c.runner.count() != 0 {
		t.Error("expected nothing executed")
	}
}

func TestConfirmationExpiryIsDeny(t *testing.T) {
	c := newTestCore(t, 30*time.Millisecond)
	s, n := c.open(t, admin)
	resp, _ := c.d.Handle(context.Background(), s, request(1, "restart_network", nil))

	got := n.next(t)
	if got.Status != "denied" || got.ErrorKind != string(model.ErrConfirmationExpired) {
		t.Errorf("expected expired notify, got %+v", got)
	}
	if _, err := c.d.Confirm(resp.CorrelationID, true, "operator"); !errors.Is(err, confirm.ErrAlreadyResolved) {
		t.Errorf("expected late approval rejected, got %v", err)
	}
	if c.runner.count() != 0 {
		t.Error("expected nothing executed")
	}
}

func TestDisconnectRevokesPending(t *testing.T) {
	c := newTestCore(t, time.Minute)
	s, _ := c.open(t, admin)
	resp, _ := c.d.Handle(context.Background(), s, request(1, "restart_network", nil))

	c.d.CloseSession(s, "disconnect")
	if len(c.d.ListPending()) != 0 {
		t.Error("expected pending revoked")
	}
	if _, err := c.d.Confirm(resp.CorrelationID, true, "operator"); !errors.Is(err, confirm.ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved after revoke, got %v", err)
	}
	if c.runner.count() != 0 {
		t.Error("expected nothing executed")
	}

	var revoked bool
	for _, e := range c.events(t) {
		if e.Event == audit.EventConfirmation && e.Decision == string(confirm.StatusRevoked) {
			revoked = true
		}
	}
	if !revoked {
		t.Error("expected revoked confirmation in audit")
	}
}

func TestAuditFailureRefusesExecution(t *testing.T) {
	c := newTestCore(t, time.Minute)
	s, _ := c.open(t, guest)
	c.sink.broken.Store(true)
	target := filepath.Join(t.TempDir(), "x")

	resp, err := c.d.Handle(context.Background(), s, request(1, "write_file",
		map[string]string{"path": target, "content": "hi"}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Status != "error" || resp.ErrorKind != string(model.ErrInternalFault) {
		t.Errorf("expected internal_fault, got %+v", resp)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("expected write refused, stat err %v", err)
	}
}

func TestInvalidRequestAudited(t *testing.T) {
	c := newTestCore(t, time.Minute)
	s, _ := c.open(t, guest)

	resp, err := c.d.Handle(context.Background(), s, request(1, "format_disk", nil))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.ErrorKind != string(model.ErrInvalidRequest) {
		t.Errorf("expected invalid_request, got %+v", resp)
	}
	entries := c.events(t)
	if entries[len(entries)-1].Event != audit.EventInvalidRequest {
		t.Errorf("expected invalid_request entry, got %s", entries[len(entries)-1].Event)
	}

	if _, err := c.d.Handle(context.Background(), s, request(2, "status", nil)); err != nil {
		t.Errorf("expected session to continue after invalid request, got %v", err)
	}
}

func TestInvalidCorrelationID(t *testing.T) {
	c := newTestCore(t, time.Minute)
	s, _ := c.open(t, guest)
	req := request(1, "status", nil)
	req.CorrelationID = "../../etc"
	resp, _ := c.d.Handle(context.Background(), s, req)
	if resp.ErrorKind != string(model.ErrInvalidRequest) {
		t.Errorf("expected invalid_request, got %+v", resp)
	}
}

func TestRateLimitDenies(t *testing.T) {
	c := newTestCore(t, time.Minute)
	s, _ := c.open(t, guest)

	var last wire.Response
	for seq := uint64(1); seq <= 31; seq++ {
		last, _ = c.d.Handle(context.Background(), s, request(seq, "status", nil))
	}
	if last.Status != "denied" || last.ErrorKind != string(model.ErrRateLimited) {
		t.Fatalf("expected rate limited denial, got %+v", last)
	}
	if last.Result["rule_id"] != "ratelimit.guest.all" {
		t.Errorf("expected ratelimit.guest.all, got %v", last.Result["rule_id"])
	}
}

func TestExplainLastAndStatus(t *testing.T) {
	c := newTestCore(t, time.Minute)
	s, _ := c.open(t, guest)

	c.d.Handle(context.Background(), s, request(1, "delete_file", map[string]string{"path": "/home/guest/x"}))
	resp, _ := c.d.Handle(context.Background(), s, request(2, "explain_last", nil))
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}
	if resp.Result["rule_id"] != policy.DefaultDenyID || resp.Result["action"] != "delete_file" {
		t.Errorf("expected explanation of delete_file denial, got %v", resp.Result)
	}

	resp, _ = c.d.Handle(context.Background(), s, request(3, "status", nil))
	if resp.Result["mode"] != "dev" || resp.Result["sessions_active"] != 1 {
		t.Errorf("unexpected status %v", resp.Result)
	}
}

func TestQueryAuditScopedToPrincipal(t *testing.T) {
	c := newTestCore(t, time.Minute)
	g, _ := c.open(t, guest)
	a, _ := c.open(t, admin)
	c.d.Handle(context.Background(), a, request(1, "status", nil))
	c.d.Handle(context.Background(), g, request(1, "status", nil))

	resp, _ := c.d.Handle(context.Background(), g, request(2, "query_audit", map[string]string{"limit": "100"}))
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %+v", resp)
	}
	for _, item := range resp.Result["entries"].([]any) {
		if item.(map[string]any)["session_id"] != g.ID {
			t.Errorf("expected only guest entries, got %v", item)
		}
	}
}

func TestShutdownRevokesAndRefuses(t *testing.T) {
	c := newTestCore(t, time.Minute)
	s, _ := c.open(t, admin)
	c.d.Handle(context.Background(), s, request(1, "restart_network", nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(c.d.ListPending()) != 0 {
		t.Error("expected pending revoked")
	}
	resp, _ := c.d.Handle(context.Background(), s, request(2, "status", nil))
	if resp.ErrorKind != string(model.ErrInternalFault) {
		t.Errorf("expected refusal during shutdown, got %+v", resp)
	}
	if _, err := c.d.OpenSession(guest, nil); err == nil {
		t.Error("expected new sessions refused")
	}
}

func TestPerSessionAuditOrder(t *testing.T) {
	c := newTestCore(t, time.Minute)
	var wg sync.WaitGroup
	sessions := make([]*session.Session, 4)
	for i := range sessions {
		sessions[i], _ = c.open(t, admin)
	}
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			for seq := uint64(1); seq <= 10; seq++ {
				c.d.Handle(context.Background(), s, request(seq, "status", nil))
			}
		}(s)
	}
	wg.Wait()

	lastSeq := map[string]uint64{}
	for _, e := range c.events(t) {
		if e.Event != audit.EventDecision {
			continue
		}
		if e.RequestSeq <= lastSeq[e.SessionID] {
			t.Fatalf("session %s: seq %d after %d", e.SessionID, e.RequestSeq, lastSeq[e.SessionID])
		}
		lastSeq[e.SessionID] = e.RequestSeq
	}
}

func TestSummariesMaskCredentials(t *testing.T) {
	c := newTestCore(t, time.Minute)
	s, _ := c.open(t, admin)

	params := map[string]string{"command": "/usr/bin/mysql", "args": "-u root --password hunter2"}
	resp, err := c.d.Handle(context.Background(), s, request(1, "run_command", params))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if resp.Status != "pending" {
		t.Fatalf("expected pending, got %s (%s)", resp.Status, resp.Reason)
	}

	pending := c.d.ListPending()
	if len(pending) != 1 || strings.Contains(pending[0].Summary, "hunter2") {
		t.Fatalf("expected masked pending summary, got %+v", pending)
	}
	for _, e := range c.events(t) {
		if strings.Contains(e.Action.Summary, "hunter2") {
			t.Errorf("credential leaked into audit: %q", e.Action.Summary)
		}
	}
}

func TestPrunedConfirmationStillRejected(t *testing.T) {
	c := newTestCore(t, time.Minute)
	s, n := c.open(t, admin)
	resp, _ := c.d.Handle(context.Background(), s, request(1, "restart_network", nil))
	if _, err := c.d.Confirm(resp.CorrelationID, true, "operator"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	n.next(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.d.PruneResolved(ctx, 5*time.Millisecond, time.Millisecond)

	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err = c.d.Confirm(resp.CorrelationID, true, "operator")
		if errors.Is(err, confirm.ErrUnknown) {
			break
		}
		if !errors.Is(err, confirm.ErrAlreadyResolved) {
			t.Fatalf("expected ErrAlreadyResolved before pruning, got %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(err, confirm.ErrUnknown) {
		t.Fatalf("expected pruned id reported unknown, got %v", err)
	}
	if c.runner.count() != 1 {
		t.Errorf("expected exactly 1 execution, got %d", c.runner.count())
	}
}

func TestNoActionStartsOnceShutdownDrains(t *testing.T) {
	c := newTestCore(t, time.Minute)
	var started, finished atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c.d.acquire() {
				started.Add(1)
				time.Sleep(time.Millisecond)
				finished.Add(1)
				c.d.inflight.Done()
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.d.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s, f := started.Load(), finished.Load(); s != f {
		t.Errorf("expected every started action finished when drain returns, got %d started, %d finished", s, f)
	}
	wg.Wait()
	if c.d.acquire() {
		t.Error("expected no in-flight slot after shutdown")
	}
}
