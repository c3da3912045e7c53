package alert

import (
	"context"
	"sync"

	"github.com/ppiankov/kalpana/internal/audit"
	"github.com/ppiankov/kalpana/internal/logger"
	"github.com/ppiankov/kalpana/internal/metrics"
)

const queueSize = 256

// Dispatcher fans out alert events to matching webhook configurations.
type Dispatcher struct {
	configs []Config
	log     logger.Logger
	host    string
	queue   chan Event

	mu     sync.Mutex
	closed bool
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty (callers should nil-check).
func NewDispatcher(configs []Config, host string, log logger.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Dispatcher{
		configs: configs,
		log:     log,
		host:    host,
		queue:   make(chan Event, queueSize),
	}
}

// Observe is an audit.WithObserver callback.
func (d *Dispatcher) Observe(e audit.AuditEntry) {
	d.Dispatch(FromAudit(e))
}

// Dispatch queues event for every matching webhook. A full queue drops
// the event rather than stall the caller.
func (d *Dispatcher) Dispatch(event Event) {
	if !d.wanted(event) {
		return
	}
	if event.Host == "" {
		event.Host = d.host
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- event:
	default:
		metrics.AlertsTotal.WithLabelValues("dropped").Inc()
	}
}

// Run delivers queued events until ctx is cancelled or Close is called,
// then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case ev, ok := <-d.queue:
			if !ok {
				return
			}
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.Close()
			// one attempt each for what is left
			for ev := range d.queue {
				dctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
				d.deliver(dctx, ev)
				cancel()
			}
			return
		}
	}
}

// Close stops accepting events.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
}

func (d *Dispatcher) wanted(event Event) bool {
	for _, cfg := range d.configs {
		if matches(cfg.Events, event) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliver(ctx context.Context, event Event) {
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		if err := Send(ctx, cfg, event); err != nil {
			metrics.AlertsTotal.WithLabelValues("failed").Inc()
			d.log.Warn("alert delivery failed",
				logger.String("url", cfg.URL),
				logger.String("event", event.Type),
				logger.Error(err))
			continue
		}
		metrics.AlertsTotal.WithLabelValues("sent").Inc()
	}
}

func matches(events []string, event Event) bool {
	for _, e := range events {
		if e == "*" || e == event.Type {
			return true
		}
		if event.Decision != "" && e == event.Decision {
			return true
		}
	}
	return false
}
