package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ppiankov/kalpana/internal/audit"
	"github.com/ppiankov/kalpana/internal/confirm"
	"github.com/ppiankov/kalpana/internal/executor"
	"github.com/ppiankov/kalpana/internal/logger"
	"github.com/ppiankov/kalpana/internal/metrics"
	"github.com/ppiankov/kalpana/internal/model"
	"github.com/ppiankov/kalpana/internal/session"
	"github.com/ppiankov/kalpana/internal/wire"
)

// Confirm applies an operator decision to a pending request. Unknown and
// already-resolved ids are rejected with confirm.ErrUnknown and
// confirm.ErrAlreadyResolved.
func (d *Dispatcher) Confirm(correlationID string, approved bool, approver string) (confirm.Pending, error) {
	if err := confirm.ValidateID(correlationID); err != nil {
		return confirm.Pending{}, err
	}
	p, err := d.confirms.Resolve(correlationID, approved, approver)
	if err != nil {
		d.log.Warn("confirmation rejected",
			logger.String("correlation_id", correlationID),
			logger.String("approver", approver),
			logger.Error(err))
		return confirm.Pending{}, err
	}
	return p, nil
}

// ListPending returns confirmations awaiting an operator, oldest first.
func (d *Dispatcher) ListPending() []confirm.Pending {
	return d.confirms.List()
}

// onResolve runs exactly once per confirmation, whatever resolved it.
func (d *Dispatcher) onResolve(p confirm.Pending, payload any) {
	metrics.ConfirmationsTotal.WithLabelValues(string(p.Status)).Inc()
	metrics.PendingConfirmations.Set(float64(d.confirms.Len()))

	job, ok := payload.(*pendingJob)
	if !ok {
		d.log.Error("confirmation without payload", logger.String("correlation_id", p.CorrelationID))
		return
	}
	s, req := job.session, job.req

	entry := d.entry(s, req, job.action, audit.EventConfirmation)
	entry.Decision = string(p.Status)
	entry.RuleID = job.result.RuleID
	entry.Reason = job.result.Reason
	entry.PolicyHash = job.result.PolicyHash
	entry.Approver = p.Approver
	auditErr := d.audit.Record(entry)

	d.log.Info("confirmation resolved",
		logger.String("session_id", s.ID),
		logger.String("correlation_id", p.CorrelationID),
		logger.String("status", string(p.Status)),
		logger.String("approver", p.Approver))

	notify := wire.Response{
		Type:          wire.TypeNotify,
		SessionSeq:    req.SessionSeq,
		CorrelationID: req.CorrelationID,
	}

	switch p.Status {
	case confirm.StatusApproved:
		if auditErr != nil {
			d.deliver(s, withError(notify, auditErr))
			return
		}
		if !d.acquire() {
			d.deliver(s, withError(notify, model.Wrap(model.ErrInternalFault, ErrShuttingDown, "approved too late")))
			return
		}
		auth := executor.Authorization{
			Decision: model.RequireConfirmation,
			RuleID:   job.result.RuleID,
			Approved: true,
			Approver: p.Approver,
		}
		go func() {
			defer d.inflight.Done()
			resp := d.execute(s.Context(), s, req, job.action, auth)
			resp.Type = wire.TypeNotify
			d.deliver(s, resp)
		}()

	case confirm.StatusExpired:
		notify.Status = string(model.StatusDenied)
		notify.ErrorKind = string(model.ErrConfirmationExpired)
		notify.Reason = "confirmation expired"
		d.deliver(s, notify)

	case confirm.StatusRevoked:
		// The owning session is gone; nobody to tell.

	default:
		notify.Status = string(model.StatusDenied)
		notify.ErrorKind = string(model.ErrPolicyDenied)
		notify.Reason = fmt.Sprintf("denied by %s", p.Approver)
		d.deliver(s, notify)
	}
}

func (d *Dispatcher) deliver(s *session.Session, msg wire.Response) {
	if err := s.Notify(msg); err != nil {
		d.log.Debug("notify dropped",
			logger.String("correlation_id", msg.CorrelationID),
			logger.Error(err))
	}
}

func withError(r wire.Response, err error) wire.Response {
	r.Status = string(model.StatusError)
	r.ErrorKind = string(model.KindOf(err))
	r.Reason = model.ReasonOf(err)
	return r
}

// Shutdown stops accepting work, revokes pending confirmations and waits
// for in-flight actions. If ctx expires first, the sessions are cancelled
// (which cancels their actions) and ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.gate.Lock()
	d.closing.Store(true)
	d.gate.Unlock()
	revoked := d.confirms.Close()
	metrics.PendingConfirmations.Set(0)

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("dispatcher drained", logger.Int("revoked", revoked))
		return nil
	case <-ctx.Done():
		n := d.sessions.CloseAll("forced shutdown")
		d.log.Warn("shutdown deadline reached, cancelling in-flight actions", logger.Int("sessions", n))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ctx.Err()
	}
}

// PruneResolved forgets resolved correlation ids older than maxAge every
// interval until ctx is done. A late signal for a forgotten id is still
// rejected, as unknown instead of already resolved.
func (d *Dispatcher) PruneResolved(ctx context.Context, interval, maxAge time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := d.confirms.Cleanup(maxAge); n > 0 {
				d.log.Debug("pruned resolved confirmations", logger.Int("count", n))
			}
		}
	}
}

// Draining reports whether Shutdown has begun.
func (d *Dispatcher) Draining() bool { return d.closing.Load() }
