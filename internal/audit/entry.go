package audit

// Event types recorded in the audit log.
const (
	EventDecision          = "decision"
	EventOutcome           = "outcome"
	EventConfirmation      = "confirmation"
	EventRateLimited       = "rate_limited"
	EventInvalidRequest    = "invalid_request"
	EventProtocolViolation = "protocol_violation"
	EventSessionOpen       = "session_open"
	EventSessionClose      = "session_close"
	EventPolicyReload      = "policy_reload"
	EventLifecycle         = "lifecycle"
)

// AuditEntry is a single line in the audit log.
type AuditEntry struct {
	Seq           uint64        `json:"seq"`
	Timestamp     string        `json:"ts"`
	Event         string        `json:"event"`
	SessionID     string        `json:"session_id,omitempty"`
	Principal     string        `json:"principal"`
	Client        string        `json:"client,omitempty"`
	RequestSeq    uint64        `json:"request_seq,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Action        AuditAction   `json:"action"`
	Decision      string        `json:"decision,omitempty"`
	RuleID        string        `json:"rule_id,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Approver      string        `json:"approver,omitempty"`
	Outcome       *AuditOutcome `json:"outcome,omitempty"`
	PolicyHash    string        `json:"policy_hash,omitempty"`
	PrevHash      string        `json:"prev_hash"`
}

// AuditAction describes what was requested.
type AuditAction struct {
	Kind    string `json:"kind,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// AuditOutcome is the executor result appended after an action ran.
type AuditOutcome struct {
	Status     string `json:"status"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Detail     string `json:"detail,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}
