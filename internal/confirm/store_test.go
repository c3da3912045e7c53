package confirm

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recorder struct {
	mu   sync.Mutex
	got  []Pending
	done chan Pending
}

func newRecorder() *recorder {
	return &recorder{done: make(chan Pending, 16)}
}

func (r *recorder) handle(p Pending, payload any) {
	r.mu.Lock()
	r.got = append(r.got, p)
	r.mu.Unlock()
	r.done <- p
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *recorder) {
	t.Helper()
	rec := newRecorder()
	s := NewStore(ttl, rec.handle)
	t.Cleanup(func() { s.Close() })
	return s, rec
}

func addPending(t *testing.T, s *Store, session string) Pending {
	t.Helper()
	p, err := s.Add(Pending{SessionID: session, Principal: "admin", Action: "restart_network", RuleID: "admin-network"}, "payload")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return p
}

func TestAddAssignsCorrelationID(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)
	p := addPending(t, s, "s1")
	if p.CorrelationID == "" {
		t.Fatal("expected generated correlation id")
	}
	if p.Status != StatusPending {
		t.Errorf("expected pending, got %s", p.Status)
	}
	if !p.ExpiresAt.After(p.CreatedAt) {
		t.Error("expected expiry after creation")
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 pending, got %d", s.Len())
	}
}

func TestAddRejectsInvalidOrDuplicateID(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)
	if _, err := s.Add(Pending{CorrelationID: "../etc"}, nil); err == nil {
		t.Error("expected invalid id to be rejected")
	}
	if _, err := s.Add(Pending{CorrelationID: "req-1"}, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(Pending{CorrelationID: "req-1"}, nil); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestApproveDeliversPayloadOnce(t *testing.T) {
	s, rec := newTestStore(t, time.Minute)
	p := addPending(t, s, "s1")

	got, err := s.Resolve(p.CorrelationID, true, "operator")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !got.Approved() || got.Approver != "operator" || got.ResolvedAt == nil {
		t.Errorf("unexpected resolution: %+v", got)
	}
	if rec.count() != 1 {
		t.Errorf("expected handler called once, got %d", rec.count())
	}
	if s.Len() != 0 {
		t.Errorf("expected nothing pending, got %d", s.Len())
	}
}

func TestSecondApprovalRejected(t *testing.T) {
	s, rec := newTestStore(t, time.Minute)
	p := addPending(t, s, "s1")

	s.Resolve(p.CorrelationID, true, "operator")
	_, err := s.Resolve(p.CorrelationID, true, "operator")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if rec.count() != 1 {
		t.Errorf("expected no duplicate resolution, got %d", rec.count())
	}
}

func TestUnknownIDRejected(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)
	if _, err := s.Resolve("never-issued", true, "operator"); !errors.Is(err, ErrUnknown) {
		t.Errorf("expected ErrUnknown, got %v", err)
	}
}

func TestResolveRequiresApprover(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)
	p := addPending(t, s, "s1")
	if _, err := s.Resolve(p.CorrelationID, true, "  "); err == nil {
		t.Fatal("expected empty approver to be rejected")
	}
	if _, ok := s.Get(p.CorrelationID); !ok {
		t.Error("expected confirmation to stay pending after rejected signal")
	}
}

func TestExpiryResolvesAsExpired(t *testing.T) {
	s, rec := newTestStore(t, 20*time.Millisecond)
	p := addPending(t, s, "s1")

	select {
	case got := <-rec.done:
		if got.Status != StatusExpired {
			t.Errorf("expected expired, got %s", got.Status)
		}
		if got.Approved() {
			t.Error("expired confirmation must not count as approved")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for expiry")
	}

	if _, err := s.Resolve(p.CorrelationID, true, "operator"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected late approval rejected, got %v", err)
	}
}

func TestRevokeSessionOnlyTouchesOwner(t *testing.T) {
	s, rec := newTestStore(t, time.Minute)
	a1 := addPending(t, s, "s1")
	addPending(t, s, "s1")
	b := addPending(t, s, "s2")

	if n := s.RevokeSession("s1"); n != 2 {
		t.Fatalf("expected 2 revoked, got %d", n)
	}
	for i := 0; i < 2; i++ {
		if got := <-rec.done; got.Status != StatusRevoked {
			t.Errorf("expected revoked, got %s", got.Status)
		}
	}
	if _, err := s.Resolve(a1.CorrelationID, true, "operator"); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("expected revoked id rejected, got %v", err)
	}
	if _, ok := s.Get(b.CorrelationID); !ok {
		t.Error("expected other session's confirmation untouched")
	}
}

func TestConcurrentResolveExactlyOnce(t *testing.T) {
	var calls atomic.Int32
	s := NewStore(time.Minute, func(Pending, any) { calls.Add(1) })
	defer s.Close()
	p, _ := s.Add(Pending{SessionID: "s1"}, nil)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(approve bool) {
			defer wg.Done()
			if _, err := s.Resolve(p.CorrelationID, approve, "op"); err == nil {
				wins.Add(1)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	if wins.Load() != 1 || calls.Load() != 1 {
		t.Errorf("expected exactly one resolution, got wins=%d calls=%d", wins.Load(), calls.Load())
	}
}

func TestListOrderedByCreation(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	first := addPending(t, s, "s1")
	second := addPending(t, s, "s2")

	list := s.List()
	if len(list) != 2 || list[0].CorrelationID != first.CorrelationID || list[1].CorrelationID != second.CorrelationID {
		t.Errorf("expected creation order, got %+v", list)
	}
}

func TestCleanupForgetsOldTombstones(t *testing.T) {
	s, _ := newTestStore(t, time.Minute)
	p := addPending(t, s, "s1")
	s.Resolve(p.CorrelationID, false, "op")

	if n := s.Cleanup(time.Hour); n != 0 {
		t.Errorf("expected fresh tombstone kept, dropped %d", n)
	}
	if n := s.Cleanup(-time.Second); n != 1 {
		t.Errorf("expected tombstone dropped, got %d", n)
	}
	if _, err := s.Resolve(p.CorrelationID, true, "op"); !errors.Is(err, ErrUnknown) {
		t.Errorf("expected forgotten id to be unknown, got %v", err)
	}
}

func TestCloseRevokesAndRefuses(t *testing.T) {
	rec := newRecorder()
	s := NewStore(time.Minute, rec.handle)
	addPending(t, s, "s1")
	if n := s.Close(); n != 1 {
		t.Errorf("expected 1 revoked on close, got %d", n)
	}
	if _, err := s.Add(Pending{SessionID: "s1"}, nil); err == nil {
		t.Error("expected Add after Close to fail")
	}
}
