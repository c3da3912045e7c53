package model

import (
	"slices"
	"strings"
)

// Decision is the policy outcome for one request. The set is closed:
// anything that is not one of these three is treated as Deny.
type Decision string

const (
	Allow               Decision = "allow"
	Deny                Decision = "deny"
	RequireConfirmation Decision = "require_confirmation"
)

// ParseDecision converts a config string to a Decision.
// Unknown values fail closed to Deny and report ok=false.
func ParseDecision(s string) (Decision, bool) {
	switch Decision(strings.ToLower(strings.TrimSpace(s))) {
	case Allow:
		return Allow, true
	case Deny:
		return Deny, true
	case RequireConfirmation, "require-confirmation", "confirm":
		return RequireConfirmation, true
	default:
		return Deny, false
	}
}

// PolicyResult is the Decision plus the rule that produced it.
// It is persisted verbatim in the audit trail.
type PolicyResult struct {
	Decision   Decision `json:"decision"`
	RuleID     string   `json:"rule_id"`
	Reason     string   `json:"reason"`
	PolicyHash string   `json:"policy_hash,omitempty"`
}

// Status is the response status returned to clients.
type Status string

const (
	StatusOK      Status = "ok"
	StatusPending Status = "pending"
	StatusDenied  Status = "denied"
	StatusError   Status = "error"
)

// Unauthenticated labels audit entries written before a session identity exists.
const Unauthenticated = "unauthenticated"

// Identity is the principal behind a session. It is fixed at handshake
// and never changes for the life of the connection.
type Identity struct {
	Principal     string   `json:"principal"`
	UID           int      `json:"uid"`
	GID           int      `json:"gid"`
	PID           int      `json:"pid"`
	Client        string   `json:"client,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	Authenticated bool     `json:"authenticated"`
}

// Label returns the principal, or "unauthenticated" for a zero identity.
func (id Identity) Label() string {
	if id.Principal == "" {
		return Unauthenticated
	}
	return id.Principal
}

// HasCapability reports whether the identity carries cap.
func (id Identity) HasCapability(cap string) bool {
	return slices.Contains(id.Capabilities, cap)
}
