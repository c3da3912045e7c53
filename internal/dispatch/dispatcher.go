// Package dispatch owns the life of a request: sequence check, policy
// decision, audit, and execution or confirmation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ppiankov/kalpana/internal/action"
	"github.com/ppiankov/kalpana/internal/audit"
	"github.com/ppiankov/kalpana/internal/confirm"
	"github.com/ppiankov/kalpana/internal/executor"
	"github.com/ppiankov/kalpana/internal/logger"
	"github.com/ppiankov/kalpana/internal/metrics"
	"github.com/ppiankov/kalpana/internal/model"
	"github.com/ppiankov/kalpana/internal/policy"
	"github.com/ppiankov/kalpana/internal/ratelimit"
	"github.com/ppiankov/kalpana/internal/redact"
	"github.com/ppiankov/kalpana/internal/session"
	"github.com/ppiankov/kalpana/internal/telemetry"
	"github.com/ppiankov/kalpana/internal/wire"
)

// ErrShuttingDown is returned for work submitted after Shutdown began.
var ErrShuttingDown = errors.New("core is shutting down")

// Options wires the dispatcher's collaborators.
type Options struct {
	Engine     *policy.Engine
	Audit      *audit.Log
	Executor   *executor.Executor
	Sessions   *session.Registry
	ConfirmTTL time.Duration
	Tracer     trace.Tracer
	Log        logger.Logger
	DevMode    bool
	Now        func() time.Time
}

// Dispatcher routes validated requests. It is safe for concurrent use by
// every connection handler.
type Dispatcher struct {
	engine   *policy.Engine
	audit    *audit.Log
	exec     *executor.Executor
	sessions *session.Registry
	confirms *confirm.Store
	tracer   trace.Tracer
	log      logger.Logger
	devMode  bool
	now      func() time.Time
	started  time.Time

	// gate orders closing against inflight.Add, so no action starts once
	// Shutdown is waiting on inflight.
	gate      sync.RWMutex
	inflight  sync.WaitGroup
	closing   atomic.Bool
	processed atomic.Uint64
}

// pendingJob is the payload parked in the confirmation store.
type pendingJob struct {
	session *session.Session
	action  action.Action
	req     wire.Request
	result  model.PolicyResult
}

// New builds a dispatcher and registers it as the executor's introspector
// and as a session close hook.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		engine:   opts.Engine,
		audit:    opts.Audit,
		exec:     opts.Executor,
		sessions: opts.Sessions,
		tracer:   opts.Tracer,
		log:      opts.Log,
		devMode:  opts.DevMode,
		now:      opts.Now,
	}
	if d.tracer == nil {
		d.tracer = telemetry.NoopTracer()
	}
	if d.log == nil {
		d.log = logger.Nop()
	}
	if d.now == nil {
		d.now = time.Now
	}
	ttl := opts.ConfirmTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	d.started = d.now()
	d.confirms = confirm.NewStore(ttl, d.onResolve)
	d.exec.SetIntrospector(d)
	d.sessions.OnClose(d.onSessionClose)
	return d
}

// Confirmations exposes the pending confirmation store.
func (d *Dispatcher) Confirmations() *confirm.Store { return d.confirms }

// Sessions exposes the session registry.
func (d *Dispatcher) Sessions() *session.Registry { return d.sessions }

// Engine exposes the policy engine.
func (d *Dispatcher) Engine() *policy.Engine { return d.engine }

// OpenSession registers a session for id and audits it. If the open
// cannot be audited the session is closed and an error returned.
func (d *Dispatcher) OpenSession(id model.Identity, notify session.Notifier) (*session.Session, error) {
	if d.closing.Load() {
		return nil, model.Wrap(model.ErrInternalFault, ErrShuttingDown, "open session")
	}
	s := d.sessions.Open(id, notify)
	err := d.audit.Record(audit.AuditEntry{
		Event:     audit.EventSessionOpen,
		SessionID: s.ID,
		Principal: id.Label(),
		Client:    id.Client,
		Reason:    fmt.Sprintf("uid=%d pid=%d", id.UID, id.PID),
	})
	if err != nil {
		d.sessions.Close(s.ID, "audit failure")
		return nil, err
	}
	d.log.Info("session opened",
		logger.String("session_id", s.ID),
		logger.String("principal", id.Label()),
		logger.String("client", id.Client),
		logger.Int("pid", id.PID),
	)
	return s, nil
}

// CloseSession ends s; pending confirmations it owns are revoked.
func (d *Dispatcher) CloseSession(s *session.Session, reason string) {
	d.sessions.Close(s.ID, reason)
}

func (d *Dispatcher) onSessionClose(s *session.Session, reason string) {
	revoked := d.confirms.RevokeSession(s.ID)
	if err := d.audit.Record(audit.AuditEntry{
		Event:     audit.EventSessionClose,
		SessionID: s.ID,
		Principal: s.Identity.Label(),
		Client:    s.Identity.Client,
		Reason:    reason,
	}); err != nil {
		d.log.Error("audit session close failed", logger.String("session_id", s.ID), logger.Error(err))
	}
	d.log.Info("session closed",
		logger.String("session_id", s.ID),
		logger.String("reason", reason),
		logger.Int("revoked", revoked),
	)
}

// ProtocolViolation audits a violation. s may be nil when no identity was
// established.
func (d *Dispatcher) ProtocolViolation(s *session.Session, detail string) {
	metrics.ProtocolViolationsTotal.Inc()
	entry := audit.AuditEntry{
		Event:     audit.EventProtocolViolation,
		Principal: model.Unauthenticated,
		Reason:    detail,
		Outcome:   &audit.AuditOutcome{Status: string(model.StatusError), ErrorKind: string(model.ErrProtocolViolation)},
	}
	if s != nil {
		entry.SessionID = s.ID
		entry.Principal = s.Identity.Label()
		entry.Client = s.Identity.Client
	}
	if err := d.audit.Record(entry); err != nil {
		d.log.Error("audit protocol violation failed", logger.Error(err))
	}
	d.log.Warn("protocol violation",
		logger.String("principal", entry.Principal),
		logger.String("session_id", entry.SessionID),
		logger.String("detail", detail),
	)
}

// Handle processes one request. A non-nil error means the connection must
// be closed after the returned response is sent; it is only returned for
// protocol violations.
func (d *Dispatcher) Handle(ctx context.Context, s *session.Session, req wire.Request) (wire.Response, error) {
	if err := s.CheckSeq(req.SessionSeq); err != nil {
		d.ProtocolViolation(s, err.Error())
		return errorResponse(req, err), err
	}
	d.processed.Add(1)

	if d.closing.Load() {
		err := model.Wrap(model.ErrInternalFault, ErrShuttingDown, "request refused")
		return errorResponse(req, err), nil
	}

	if req.CorrelationID == "" {
		req.CorrelationID = confirm.NewID()
	} else if err := confirm.ValidateID(req.CorrelationID); err != nil {
		return d.reject(s, req, model.Wrap(model.ErrInvalidRequest, err, "invalid correlation_id")), nil
	}

	ctx, span := telemetry.StartRequestSpan(ctx, d.tracer, s.ID, req.Action, req.SessionSeq)
	resp := d.handle(ctx, s, req)
	telemetry.EndSpan(span, resp.Status, nil)
	metrics.RequestsTotal.WithLabelValues(req.Action, resp.Status).Inc()
	return resp, nil
}

func (d *Dispatcher) handle(ctx context.Context, s *session.Session, req wire.Request) wire.Response {
	act, err := action.Parse(req.Action, req.Params)
	if err != nil {
		return d.reject(s, req, err)
	}

	var limits map[string]ratelimit.Config
	var hash string
	if rs := d.engine.Current(); rs != nil {
		limits, hash = rs.RateLimits, rs.Hash
	}
	if res, limited := s.RateLimit(req.Action, limits, d.now()); limited {
		res.PolicyHash = hash
		metrics.RateLimitedTotal.Inc()
		return d.decide(ctx, s, req, act, res, audit.EventRateLimited, model.ErrRateLimited)
	}

	res := d.engine.Evaluate(s.Identity, req.Action, req.Params)
	return d.decide(ctx, s, req, act, res, audit.EventDecision, model.ErrPolicyDenied)
}

// decide records the decision and acts on it. Nothing runs unless the
// decision entry is durable.
func (d *Dispatcher) decide(ctx context.Context, s *session.Session, req wire.Request, act action.Action, res model.PolicyResult, event string, denyKind model.ErrorKind) wire.Response {
	metrics.DecisionsTotal.WithLabelValues(string(res.Decision)).Inc()

	entry := d.entry(s, req, act, event)
	entry.Decision = string(res.Decision)
	entry.RuleID = res.RuleID
	entry.Reason = res.Reason
	entry.PolicyHash = res.PolicyHash
	if err := d.audit.Record(entry); err != nil {
		d.log.Error("audit decision failed, refusing request",
			logger.String("session_id", s.ID),
			logger.Uint64("seq", req.SessionSeq),
			logger.Error(err))
		return errorResponse(req, err)
	}

	if act.Kind() != action.KindExplainLast {
		s.SetLast(session.LastDecision{
			RequestSeq:    req.SessionSeq,
			Action:        req.Action,
			Summary:       summarize(act),
			Decision:      res.Decision,
			RuleID:        res.RuleID,
			Reason:        res.Reason,
			PolicyHash:    res.PolicyHash,
			CorrelationID: req.CorrelationID,
			DecidedAt:     d.now().UTC(),
		})
	}

	switch res.Decision {
	case model.Allow:
		if !d.acquire() {
			return errorResponse(req, model.Wrap(model.ErrInternalFault, ErrShuttingDown, "request refused"))
		}
		defer d.inflight.Done()
		return d.execute(ctx, s, req, act, executor.Authorization{Decision: model.Allow, RuleID: res.RuleID})

	case model.RequireConfirmation:
		return d.park(s, req, act, res)

	default:
		d.log.Info("request denied",
			logger.String("session_id", s.ID),
			logger.String("action", req.Action),
			logger.String("rule_id", res.RuleID))
		return wire.Response{
			Type:          wire.TypeResponse,
			SessionSeq:    req.SessionSeq,
			Status:        string(model.StatusDenied),
			Reason:        res.Reason,
			ErrorKind:     string(denyKind),
			CorrelationID: req.CorrelationID,
			Result:        map[string]any{"rule_id": res.RuleID},
		}
	}
}

func (d *Dispatcher) park(s *session.Session, req wire.Request, act action.Action, res model.PolicyResult) wire.Response {
	p, err := d.confirms.Add(confirm.Pending{
		CorrelationID: req.CorrelationID,
		SessionID:     s.ID,
		Principal:     s.Identity.Label(),
		RequestSeq:    req.SessionSeq,
		Action:        req.Action,
		Summary:       summarize(act),
		RuleID:        res.RuleID,
		Reason:        res.Reason,
	}, &pendingJob{session: s, action: act, req: req, result: res})
	if err != nil {
		kind := model.ErrInternalFault
		if errors.Is(err, confirm.ErrDuplicate) {
			kind = model.ErrInvalidRequest
		}
		wrapped := model.Wrap(kind, err, "cannot park request")
		d.recordOutcome(s, req, act, wrapped, 0)
		return errorResponse(req, wrapped)
	}
	metrics.PendingConfirmations.Set(float64(d.confirms.Len()))
	d.log.Info("confirmation required",
		logger.String("session_id", s.ID),
		logger.String("correlation_id", p.CorrelationID),
		logger.String("action", req.Action),
		logger.String("rule_id", res.RuleID))

	return wire.Response{
		Type:          wire.TypeResponse,
		SessionSeq:    req.SessionSeq,
		Status:        string(model.StatusPending),
		Reason:        res.Reason,
		CorrelationID: p.CorrelationID,
		Result: map[string]any{
			"rule_id":    res.RuleID,
			"expires_at": p.ExpiresAt.Format(time.RFC3339),
		},
	}
}

// acquire reserves an in-flight slot unless Shutdown has begun. A true
// result must be paired with d.inflight.Done().
func (d *Dispatcher) acquire() bool {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if d.closing.Load() {
		return false
	}
	d.inflight.Add(1)
	return true
}

// execute runs an authorized action and records its outcome. The caller
// holds an in-flight slot.
func (d *Dispatcher) execute(ctx context.Context, s *session.Session, req wire.Request, act action.Action, auth executor.Authorization) wire.Response {
	start := time.Now()
	actx := trace.ContextWithSpan(s.Context(), trace.SpanFromContext(ctx))
	result, err := d.exec.Execute(actx, executor.Request{
		Action:    act,
		SessionID: s.ID,
		Principal: s.Identity.Label(),
		Auth:      auth,
	})
	elapsed := time.Since(start)

	status := model.StatusOK
	if err != nil {
		status = model.StatusError
	}
	metrics.ActionDuration.WithLabelValues(req.Action, string(status)).Observe(elapsed.Seconds())

	if aerr := d.recordOutcome(s, req, act, err, elapsed); aerr != nil && act.SideEffects() {
		return errorResponse(req, aerr)
	}

	if err != nil {
		d.log.Warn("action failed",
			logger.String("session_id", s.ID),
			logger.String("action", req.Action),
			logger.Error(err))
		return errorResponse(req, err)
	}
	return wire.Response{
		Type:          wire.TypeResponse,
		SessionSeq:    req.SessionSeq,
		Status:        string(model.StatusOK),
		Result:        result,
		CorrelationID: req.CorrelationID,
	}
}

func (d *Dispatcher) recordOutcome(s *session.Session, req wire.Request, act action.Action, err error, elapsed time.Duration) error {
	entry := d.entry(s, req, act, audit.EventOutcome)
	entry.Outcome = &audit.AuditOutcome{Status: string(model.StatusOK), DurationMS: elapsed.Milliseconds()}
	if err != nil {
		entry.Outcome.Status = string(model.StatusError)
		entry.Outcome.ErrorKind = string(model.KindOf(err))
		entry.Outcome.Detail = err.Error()
	}
	aerr := d.audit.Record(entry)
	if aerr != nil {
		d.log.Error("audit outcome failed",
			logger.String("session_id", s.ID),
			logger.Uint64("seq", req.SessionSeq),
			logger.Error(aerr))
	}
	return aerr
}

// reject audits a request that never reached policy.
func (d *Dispatcher) reject(s *session.Session, req wire.Request, err error) wire.Response {
	entry := d.entry(s, req, nil, audit.EventInvalidRequest)
	entry.Reason = model.ReasonOf(err)
	entry.Outcome = &audit.AuditOutcome{Status: string(model.StatusError), ErrorKind: string(model.KindOf(err))}
	if aerr := d.audit.Record(entry); aerr != nil {
		return errorResponse(req, aerr)
	}
	return errorResponse(req, err)
}

func (d *Dispatcher) entry(s *session.Session, req wire.Request, act action.Action, event string) audit.AuditEntry {
	e := audit.AuditEntry{
		Event:         event,
		SessionID:     s.ID,
		Principal:     s.Identity.Label(),
		Client:        s.Identity.Client,
		RequestSeq:    req.SessionSeq,
		CorrelationID: req.CorrelationID,
		Action:        audit.AuditAction{Kind: req.Action},
	}
	if act != nil {
		e.Action.Summary = summarize(act)
	}
	return e
}

// summarize is the action summary with credentials masked; it is what
// audit entries, pending confirmations, and explain_last carry.
func summarize(act action.Action) string {
	return redact.Secrets(act.Summary())
}

func errorResponse(req wire.Request, err error) wire.Response {
	return wire.Response{
		Type:          wire.TypeResponse,
		SessionSeq:    req.SessionSeq,
		Status:        string(model.StatusError),
		Reason:        model.ReasonOf(err),
		ErrorKind:     string(model.KindOf(err)),
		CorrelationID: req.CorrelationID,
	}
}
