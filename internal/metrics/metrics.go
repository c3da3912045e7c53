// Package metrics exposes Prometheus collectors for the authority daemon.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Requests by action kind and final response status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalpana_requests_total",
			Help: "Total number of requests handled by the dispatcher",
		},
		[]string{"action", "status"},
	)

	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalpana_policy_decisions_total",
			Help: "Total number of policy decisions",
		},
		[]string{"decision"},
	)

	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kalpana_action_duration_seconds",
			Help:    "Action executor latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action", "status"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kalpana_sessions_active",
			Help: "Number of connected sessions",
		},
	)

	PendingConfirmations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kalpana_pending_confirmations",
			Help: "Number of requests awaiting operator confirmation",
		},
	)

	ConfirmationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalpana_confirmations_total",
			Help: "Resolved confirmations by outcome",
		},
		[]string{"outcome"},
	)

	ProtocolViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kalpana_protocol_violations_total",
			Help: "Connections closed for protocol violations",
		},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kalpana_rate_limited_total",
			Help: "Requests rejected by the session rate limiter",
		},
	)

	AuditWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalpana_audit_writes_total",
			Help: "Audit log appends by result",
		},
		[]string{"result"},
	)

	PolicyReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalpana_policy_reloads_total",
			Help: "Rule set reload attempts by result",
		},
		[]string{"result"},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kalpana_alerts_total",
			Help: "Webhook alert deliveries by result (sent, failed, dropped)",
		},
		[]string{"result"},
	)
)

// Serve exposes /metrics on addr until ctx is cancelled.
// An empty addr disables the endpoint.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
