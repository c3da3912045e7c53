package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/kalpana/internal/metrics"
	"github.com/ppiankov/kalpana/internal/model"
)

// CloseHook runs once for every session that closes.
type CloseHook func(s *Session, reason string)

// Registry holds the live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	hooks    []CloseHook
	parent   context.Context
	now      func() time.Time
	total    uint64
}

// NewRegistry creates an empty registry. Session contexts derive from ctx.
func NewRegistry(ctx context.Context) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		parent:   ctx,
		now:      time.Now,
	}
}

// OnClose registers a hook run after a session is removed.
func (r *Registry) OnClose(h CloseHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Open creates and registers a session for id.
func (r *Registry) Open(id model.Identity, notify Notifier) *Session {
	s := newSession(r.parent, id, notify, r.now().UTC())
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.total++
	n := len(r.sessions)
	r.mu.Unlock()
	metrics.SessionsActive.Set(float64(n))
	return s
}

// Close ends the session, cancels its context and runs close hooks.
// Closing an unknown or already closed session is a no-op.
func (r *Registry) Close(id, reason string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	n := len(r.sessions)
	hooks := append([]CloseHook(nil), r.hooks...)
	r.mu.Unlock()

	if !ok || !s.markClosed() {
		return false
	}
	metrics.SessionsActive.Set(float64(n))
	s.cancel()
	for _, h := range hooks {
		h(s, reason)
	}
	return true
}

// CloseAll closes every session and returns how many were closed.
func (r *Registry) CloseAll(reason string) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if r.Close(id, reason) {
			n++
		}
	}
	return n
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Total returns how many sessions have ever been opened.
func (r *Registry) Total() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// List snapshots live sessions ordered by open time.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}
