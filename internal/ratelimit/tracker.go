package ratelimit

import "time"

// Window keeps the request timestamps per action kind for one session.
// It is not safe for concurrent use; the owning session serializes access.
type Window struct {
	hits map[string][]time.Time
}

// Count prunes hits older than window and returns what remains.
func (w *Window) Count(kind string, window time.Duration, now time.Time) int {
	if w.hits == nil {
		return 0
	}
	cutoff := now.Add(-window)
	ts := w.hits[kind]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		ts = append(ts[:0], ts[i:]...)
		w.hits[kind] = ts
	}
	return len(ts)
}

// Record notes one request of kind at now.
func (w *Window) Record(kind string, now time.Time) {
	if w.hits == nil {
		w.hits = make(map[string][]time.Time)
	}
	w.hits[kind] = append(w.hits[kind], now)
}

// Total returns the number of recorded hits across all kinds, without pruning.
func (w *Window) Total() int {
	n := 0
	for _, ts := range w.hits {
		n += len(ts)
	}
	return n
}
