// Package confirm holds requests whose decision was require_confirmation
// until an operator approves or denies them, they expire, or their session
// goes away. Every pending confirmation resolves exactly once.
package confirm

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknown is returned for a correlation id the store never saw.
	ErrUnknown = errors.New("unknown correlation id")
	// ErrAlreadyResolved is returned for a correlation id that has already
	// been approved, denied, expired, or revoked.
	ErrAlreadyResolved = errors.New("correlation id already resolved")
	// ErrDuplicate is returned when a correlation id is reused.
	ErrDuplicate = errors.New("correlation id already in use")
)

// validID matches alphanumeric, dash, underscore, and dot characters only.
var validID = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

// ValidateID rejects correlation ids that are empty, oversized, or carry
// characters outside [a-zA-Z0-9._-].
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("correlation id must not be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("correlation id must not contain '..'")
	}
	if !validID.MatchString(id) {
		return fmt.Errorf("correlation id contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// Status represents the state of a pending confirmation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// Pending is one request held for operator approval.
type Pending struct {
	CorrelationID string     `json:"correlation_id"`
	SessionID     string     `json:"session_id"`
	Principal     string     `json:"principal"`
	RequestSeq    uint64     `json:"request_seq"`
	Action        string     `json:"action"`
	Summary       string     `json:"summary"`
	RuleID        string     `json:"rule_id"`
	Reason        string     `json:"reason"`
	Status        Status     `json:"status"`
	Approver      string     `json:"approver,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// Approved reports whether the confirmation ended in approval.
func (p Pending) Approved() bool { return p.Status == StatusApproved }

// Handler receives every resolution exactly once, with the payload passed
// to Add. It runs on the goroutine that caused the resolution (operator
// RPC, expiry timer, or session teardown), outside the store lock.
type Handler func(p Pending, payload any)

type entry struct {
	Pending
	payload any
	timer   *time.Timer
}

// Store manages pending confirmations in memory. They never outlive the
// daemon: a session cannot outlive its connection, so neither can a
// confirmation it owns.
type Store struct {
	ttl       time.Duration
	onResolve Handler
	now       func() time.Time

	mu       sync.Mutex
	pending  map[string]*entry
	resolved map[string]time.Time
	closed   bool
}

// NewStore creates a Store whose confirmations expire after ttl.
func NewStore(ttl time.Duration, onResolve Handler) *Store {
	if onResolve == nil {
		onResolve = func(Pending, any) {}
	}
	return &Store{
		ttl:       ttl,
		onResolve: onResolve,
		now:       time.Now,
		pending:   make(map[string]*entry),
		resolved:  make(map[string]time.Time),
	}
}

// TTL returns the confirmation expiry.
func (s *Store) TTL() time.Duration { return s.ttl }

// Add registers p as pending and arms its expiry timer. An empty
// CorrelationID is filled with a fresh id. The returned copy carries the
// assigned id and timestamps.
func (s *Store) Add(p Pending, payload any) (Pending, error) {
	if p.CorrelationID == "" {
		p.CorrelationID = NewID()
	} else if err := ValidateID(p.CorrelationID); err != nil {
		return Pending{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Pending{}, fmt.Errorf("confirmation store closed")
	}
	if _, ok := s.pending[p.CorrelationID]; ok {
		return Pending{}, ErrDuplicate
	}
	if _, ok := s.resolved[p.CorrelationID]; ok {
		return Pending{}, ErrDuplicate
	}

	now := s.now().UTC()
	p.Status = StatusPending
	p.CreatedAt = now
	p.ExpiresAt = now.Add(s.ttl)
	p.Approver = ""
	p.ResolvedAt = nil

	e := &entry{Pending: p, payload: payload}
	id := p.CorrelationID
	e.timer = time.AfterFunc(s.ttl, func() {
		s.finish(id, StatusExpired, "")
	})
	s.pending[id] = e
	return p, nil
}

// Resolve applies an operator signal. It fails with ErrUnknown for ids
// never seen and ErrAlreadyResolved for ids already settled; neither case
// changes any state.
func (s *Store) Resolve(id string, approved bool, approver string) (Pending, error) {
	if strings.TrimSpace(approver) == "" {
		return Pending{}, fmt.Errorf("approver identity must not be empty")
	}
	status := StatusDenied
	if approved {
		status = StatusApproved
	}
	return s.finish(id, status, approver)
}

// RevokeSession resolves every confirmation owned by sessionID as revoked.
// Returns how many were revoked.
func (s *Store) RevokeSession(sessionID string) int {
	s.mu.Lock()
	var ids []string
	for id, e := range s.pending {
		if e.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if _, err := s.finish(id, StatusRevoked, ""); err == nil {
			n++
		}
	}
	return n
}

// Close revokes everything still pending and refuses new confirmations.
func (s *Store) Close() int {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if _, err := s.finish(id, StatusRevoked, ""); err == nil {
			n++
		}
	}
	return n
}

// finish moves id out of pending under the lock, then runs the handler
// outside it. Only the first caller for an id gets past the lock.
func (s *Store) finish(id string, status Status, approver string) (Pending, error) {
	s.mu.Lock()
	e, ok := s.pending[id]
	if !ok {
		_, done := s.resolved[id]
		s.mu.Unlock()
		if done {
			return Pending{}, ErrAlreadyResolved
		}
		return Pending{}, ErrUnknown
	}

	now := s.now().UTC()
	delete(s.pending, id)
	s.resolved[id] = now
	e.timer.Stop()

	p := e.Pending
	p.Status = status
	p.Approver = approver
	p.ResolvedAt = &now
	payload := e.payload
	s.mu.Unlock()

	s.onResolve(p, payload)
	return p, nil
}

// Get returns a pending confirmation by id.
func (s *Store) Get(id string) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[id]
	if !ok {
		return Pending{}, false
	}
	return e.Pending, true
}

// List returns all pending confirmations, oldest first.
func (s *Store) List() []Pending {
	s.mu.Lock()
	out := make([]Pending, 0, len(s.pending))
	for _, e := range s.pending {
		out = append(out, e.Pending)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CorrelationID < out[j].CorrelationID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of pending confirmations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Cleanup forgets resolved ids older than maxAge. A forgotten id is then
// reported as unknown rather than already resolved; either way it is
// rejected. Returns the number of ids dropped.
func (s *Store) Cleanup(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-maxAge)
	n := 0
	for id, at := range s.resolved {
		if at.Before(cutoff) {
			delete(s.resolved, id)
			n++
		}
	}
	return n
}
