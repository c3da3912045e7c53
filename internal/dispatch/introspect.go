package dispatch

import (
	"time"

	"github.com/ppiankov/kalpana/internal/audit"
	"github.com/ppiankov/kalpana/internal/model"
)

// Snapshot is a point-in-time view of core health.
type Snapshot struct {
	Mode                 string
	RequestsProcessed    uint64
	SessionsActive       int
	PendingConfirmations int
	AuditEntries         uint64
	Rules                int
	PolicyHash           string
	PolicyVersion        int
	PolicyLoadedAt       time.Time
	Uptime               time.Duration
	Draining             bool
}

// Snapshot reports core health for the status action and the operator RPC.
func (d *Dispatcher) Snapshot() Snapshot {
	snap := Snapshot{
		Mode:                 "production",
		RequestsProcessed:    d.processed.Load(),
		SessionsActive:       d.sessions.Len(),
		PendingConfirmations: d.confirms.Len(),
		AuditEntries:         d.audit.Len(),
		Uptime:               d.now().Sub(d.started),
		Draining:             d.closing.Load(),
	}
	if d.devMode {
		snap.Mode = "dev"
	}
	if rs := d.engine.Current(); rs != nil {
		snap.Rules = rs.Len()
		snap.PolicyHash = rs.Hash
		snap.PolicyVersion = rs.Version
		snap.PolicyLoadedAt = rs.LoadedAt
	}
	return snap
}

// Status is Snapshot rendered as an action result.
func (d *Dispatcher) Status() map[string]any {
	snap := d.Snapshot()
	out := map[string]any{
		"mode":                  snap.Mode,
		"requests_processed":    snap.RequestsProcessed,
		"sessions_active":       snap.SessionsActive,
		"pending_confirmations": snap.PendingConfirmations,
		"audit_entries":         snap.AuditEntries,
		"uptime_seconds":        int64(snap.Uptime / time.Second),
		"draining":              snap.Draining,
		"rules":                 snap.Rules,
	}
	if snap.PolicyHash != "" {
		out["policy_hash"] = snap.PolicyHash
		out["policy_version"] = snap.PolicyVersion
		out["policy_loaded_at"] = snap.PolicyLoadedAt.UTC().Format(time.RFC3339)
	}
	return out
}

// ExplainLast returns the session's most recent decision other than
// explain_last itself.
func (d *Dispatcher) ExplainLast(sessionID string) (map[string]any, error) {
	s, ok := d.sessions.Get(sessionID)
	if !ok {
		return nil, model.Errorf(model.ErrInternalFault, "session %s not found", sessionID)
	}
	last, ok := s.Last()
	if !ok {
		return map[string]any{"found": false}, nil
	}
	return map[string]any{
		"found":          true,
		"request_seq":    last.RequestSeq,
		"action":         last.Action,
		"summary":        last.Summary,
		"decision":       string(last.Decision),
		"rule_id":        last.RuleID,
		"reason":         last.Reason,
		"policy_hash":    last.PolicyHash,
		"correlation_id": last.CorrelationID,
		"decided_at":     last.DecidedAt.Format(time.RFC3339Nano),
	}, nil
}

// QueryAudit returns principal's most recent audit entries, oldest first.
func (d *Dispatcher) QueryAudit(principal string, limit int) (map[string]any, error) {
	entries, err := d.audit.Recent(limit, func(e audit.AuditEntry) bool {
		return e.Principal == principal
	})
	if err != nil {
		return nil, model.Wrap(model.ErrInternalFault, err, "read audit log")
	}
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		item := map[string]any{
			"seq":        e.Seq,
			"ts":         e.Timestamp,
			"event":      e.Event,
			"session_id": e.SessionID,
			"action":     e.Action.Kind,
		}
		if e.Action.Summary != "" {
			item["summary"] = e.Action.Summary
		}
		if e.Decision != "" {
			item["decision"] = e.Decision
			item["rule_id"] = e.RuleID
		}
		if e.Outcome != nil {
			item["status"] = e.Outcome.Status
			if e.Outcome.ErrorKind != "" {
				item["error_kind"] = e.Outcome.ErrorKind
			}
		}
		if e.CorrelationID != "" {
			item["correlation_id"] = e.CorrelationID
		}
		out = append(out, item)
	}
	return map[string]any{"principal": principal, "count": len(out), "entries": out}, nil
}
