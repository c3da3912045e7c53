// Package alert forwards selected audit events to webhooks. Delivery is
// best-effort and never blocks the request path: the audit log hands
// entries to a bounded queue and a single worker posts them.
package alert

import (
	"github.com/ppiankov/kalpana/internal/audit"
)

// Config defines a webhook alert destination.
type Config struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // ["deny", "require_confirmation", "protocol_violation"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Event names a Config can subscribe to besides audit event types and
// decisions.
const (
	EventAuditEscalation  = "audit_escalation"
	EventExecutionFailure = "execution_failure"
	EventReloadRejected   = "reload_rejected"
)

// Event is the payload sent to webhook endpoints.
type Event struct {
	Timestamp     string `json:"timestamp"`
	Seq           uint64 `json:"seq,omitempty"`
	Type          string `json:"type"`
	Decision      string `json:"decision,omitempty"`
	Principal     string `json:"principal,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Action        string `json:"action,omitempty"`
	Summary       string `json:"summary,omitempty"`
	RuleID        string `json:"rule_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	PolicyHash    string `json:"policy_hash,omitempty"`
	Host          string `json:"host,omitempty"`
}

// FromAudit converts an audit entry.
func FromAudit(e audit.AuditEntry) Event {
	ev := Event{
		Timestamp:     e.Timestamp,
		Seq:           e.Seq,
		Type:          e.Event,
		Decision:      e.Decision,
		Principal:     e.Principal,
		SessionID:     e.SessionID,
		CorrelationID: e.CorrelationID,
		Action:        e.Action.Kind,
		Summary:       e.Action.Summary,
		RuleID:        e.RuleID,
		Reason:        e.Reason,
		PolicyHash:    e.PolicyHash,
	}
	if e.Outcome != nil && e.Outcome.Status == "error" {
		ev.Type = EventExecutionFailure
		if ev.Reason == "" {
			ev.Reason = e.Outcome.Detail
		}
	}
	if e.Event == audit.EventPolicyReload && e.Decision == "rejected" {
		ev.Type = EventReloadRejected
	}
	return ev
}

// Severity ranks an event for formats that carry one.
func (e Event) Severity() string {
	switch e.Type {
	case EventAuditEscalation:
		return "critical"
	case audit.EventProtocolViolation, EventExecutionFailure, EventReloadRejected:
		return "error"
	}
	if e.Decision == "deny" || e.Type == audit.EventRateLimited {
		return "warning"
	}
	return "info"
}
