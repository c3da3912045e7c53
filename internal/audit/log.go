package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ppiankov/kalpana/internal/metrics"
	"github.com/ppiankov/kalpana/internal/model"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// ErrEscalated is returned by Record once repeated sink failures have
// escalated to a fatal shutdown.
var ErrEscalated = errors.New("audit: log disabled after repeated write failures")

// Log is an append-only audit log with SHA-256 hash chaining over a Sink.
// Each entry's prev_hash is the hash of the previous entry's JSON line,
// forming a tamper-evident chain. Appends are serialized into one total
// order.
type Log struct {
	sink     Sink
	prevHash string
	seq      uint64
	mu       sync.Mutex

	maxFailures int
	failures    int
	escalated   bool
	onFatal     func(error)
	observers   []func(AuditEntry)
	now         func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithEscalation makes the log call onFatal after max consecutive failed
// appends. After escalation every Record fails with ErrEscalated.
func WithEscalation(max int, onFatal func(error)) Option {
	return func(l *Log) {
		l.maxFailures = max
		l.onFatal = onFatal
	}
}

// WithObserver registers fn to see every entry after it is durable. fn
// runs on the recording goroutine and must not block.
func WithObserver(fn func(AuditEntry)) Option {
	return func(l *Log) { l.observers = append(l.observers, fn) }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// New wraps sink, recovering the chain tail and sequence from its last line.
func New(sink Sink, opts ...Option) (*Log, error) {
	l := &Log{
		sink:     sink,
		prevHash: GenesisHash,
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}

	last, err := sink.Last()
	if err != nil {
		return nil, fmt.Errorf("audit: read chain tail: %w", err)
	}
	if len(last) > 0 {
		var tail AuditEntry
		if err := json.Unmarshal(last, &tail); err != nil {
			return nil, fmt.Errorf("audit: parse chain tail: %w", err)
		}
		l.prevHash = HashLine(last)
		l.seq = tail.Seq
	}
	return l, nil
}

// Open opens a file-backed audit log at path.
func Open(path string, opts ...Option) (*Log, error) {
	sink, err := OpenFileSink(path)
	if err != nil {
		return nil, err
	}
	l, err := New(sink, opts...)
	if err != nil {
		sink.Close()
		return nil, err
	}
	return l, nil
}

// Record appends entry with hash chaining. It sets Seq, PrevHash and
// Timestamp (if empty). When Record returns nil the entry is durable.
// Failures are internal_fault errors.
func (l *Log) Record(entry AuditEntry) error {
	l.mu.Lock()

	if l.escalated {
		l.mu.Unlock()
		return model.Wrap(model.ErrInternalFault, ErrEscalated, "audit append refused")
	}

	if entry.Timestamp == "" {
		entry.Timestamp = l.now().UTC().Format(TimestampFormat)
	}
	if entry.Principal == "" {
		entry.Principal = model.Unauthenticated
	}
	entry.Seq = l.seq + 1
	entry.PrevHash = l.prevHash

	line, err := json.Marshal(entry)
	if err == nil {
		err = l.sink.Append(line)
	}

	if err != nil {
		l.failures++
		metrics.AuditWritesTotal.WithLabelValues("error").Inc()
		var fatal func(error)
		if l.maxFailures > 0 && l.failures >= l.maxFailures {
			l.escalated = true
			fatal = l.onFatal
		}
		failures := l.failures
		l.mu.Unlock()

		if fatal != nil {
			fatal(fmt.Errorf("audit: %d consecutive write failures: %w", failures, err))
		}
		return model.Wrap(model.ErrInternalFault, err, "audit append")
	}

	l.seq = entry.Seq
	l.prevHash = HashLine(line)
	l.failures = 0
	l.mu.Unlock()

	metrics.AuditWritesTotal.WithLabelValues("ok").Inc()
	for _, fn := range l.observers {
		fn(entry)
	}
	return nil
}

// Len returns the sequence number of the last appended entry.
func (l *Log) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Escalated reports whether the log has given up after repeated failures.
func (l *Log) Escalated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.escalated
}

// Sink returns the underlying storage.
func (l *Log) Sink() Sink { return l.sink }

// Close closes the underlying sink. Every successful Record has already
// been flushed, so Close only releases resources.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sink.Close()
}

// Entries replays the log sequentially, in append order.
func (l *Log) Entries(fn func(AuditEntry) error) error {
	return Entries(l.sink, fn)
}

// Entries replays sink sequentially. Malformed lines are an error: an
// audit trail is either readable or it is broken.
func Entries(sink Sink, fn func(AuditEntry) error) error {
	n := 0
	return sink.Scan(func(line []byte) error {
		n++
		var e AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("audit: line %d: %w", n, err)
		}
		return fn(e)
	})
}

// Recent returns up to limit of the latest entries for which keep returns true,
// oldest first.
func (l *Log) Recent(limit int, keep func(AuditEntry) bool) ([]AuditEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	ring := make([]AuditEntry, 0, limit)
	err := l.Entries(func(e AuditEntry) error {
		if keep != nil && !keep(e) {
			return nil
		}
		if len(ring) == limit {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, e)
		return nil
	})
	return ring, err
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}
