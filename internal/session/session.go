// Package session tracks connected clients. A session lives exactly as long
// as its connection.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/kalpana/internal/model"
	"github.com/ppiankov/kalpana/internal/ratelimit"
	"github.com/ppiankov/kalpana/internal/wire"
)

// FirstSeq is the session_seq a client must send first.
const FirstSeq uint64 = 1

// Notifier delivers an asynchronous message to the session's connection.
type Notifier func(wire.Response) error

// LastDecision is what explain_last reports.
type LastDecision struct {
	RequestSeq    uint64         `json:"request_seq"`
	Action        string         `json:"action"`
	Summary       string         `json:"summary,omitempty"`
	Decision      model.Decision `json:"decision"`
	RuleID        string         `json:"rule_id"`
	Reason        string         `json:"reason"`
	PolicyHash    string         `json:"policy_hash,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	DecidedAt     time.Time      `json:"decided_at"`
}

// Session is one connected client.
type Session struct {
	ID       string
	Identity model.Identity
	OpenedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	notify Notifier

	mu        sync.Mutex
	nextSeq   uint64
	processed uint64
	window    ratelimit.Window
	last      *LastDecision
	closed    bool
}

func newSession(parent context.Context, id model.Identity, notify Notifier, now time.Time) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		ID:       "sess-" + uuid.NewString(),
		Identity: id,
		OpenedAt: now,
		ctx:      ctx,
		cancel:   cancel,
		notify:   notify,
		nextSeq:  FirstSeq,
	}
}

// Context is cancelled when the session closes.
func (s *Session) Context() context.Context { return s.ctx }

// CheckSeq accepts seq only if it is exactly the next expected value, and
// advances the counter. Anything else is a protocol violation and the
// counter is left unchanged.
func (s *Session) CheckSeq(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Errorf(model.ErrProtocolViolation, "session %s is closed", s.ID)
	}
	if seq != s.nextSeq {
		return model.Errorf(model.ErrProtocolViolation, "expected session_seq %d, got %d", s.nextSeq, seq)
	}
	s.nextSeq++
	s.processed++
	return nil
}

// NextSeq returns the session_seq the next request must carry.
func (s *Session) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

// Processed returns the number of requests accepted on this session.
func (s *Session) Processed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed
}

// RateLimit checks and records one request of kind in the session window.
func (s *Session) RateLimit(kind string, limits map[string]ratelimit.Config, now time.Time) (model.PolicyResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ratelimit.Evaluate(s.Identity.Principal, kind, &s.window, limits, now)
}

// SetLast records the most recent decision for explain_last.
func (s *Session) SetLast(d LastDecision) {
	s.mu.Lock()
	s.last = &d
	s.mu.Unlock()
}

// Last returns the most recent decision, if any.
func (s *Session) Last() (LastDecision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return LastDecision{}, false
	}
	return *s.last, true
}

// Notify sends msg to the client. It fails once the session is closed.
func (s *Session) Notify(msg wire.Response) error {
	if s.Closed() {
		return model.Errorf(model.ErrInternalFault, "session %s is closed", s.ID)
	}
	if s.notify == nil {
		return nil
	}
	return s.notify(msg)
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Info is a point-in-time view of a session.
type Info struct {
	ID        string    `json:"id"`
	Principal string    `json:"principal"`
	Client    string    `json:"client,omitempty"`
	PID       int       `json:"pid,omitempty"`
	OpenedAt  time.Time `json:"opened_at"`
	NextSeq   uint64    `json:"next_seq"`
	Processed uint64    `json:"processed"`
}

// Info snapshots the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:        s.ID,
		Principal: s.Identity.Label(),
		Client:    s.Identity.Client,
		PID:       s.Identity.PID,
		OpenedAt:  s.OpenedAt,
		NextSeq:   s.nextSeq,
		Processed: s.processed,
	}
}

func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}
