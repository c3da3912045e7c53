package audit

import (
	"fmt"
	"time"
)

// ReplayFilter holds filtering criteria for replay. Empty fields match all.
type ReplayFilter struct {
	SessionID     string
	Principal     string
	CorrelationID string
	From          time.Time // zero value = no lower bound
	To            time.Time // zero value = no upper bound
}

// ReplaySummary holds decision counts and metadata for a replay.
type ReplaySummary struct {
	Total          int    `json:"total"`
	AllowCount     int    `json:"allow_count"`
	DenyCount      int    `json:"deny_count"`
	ConfirmCount   int    `json:"confirm_count"`
	ExecutedCount  int    `json:"executed_count"`
	FailedCount    int    `json:"failed_count"`
	ViolationCount int    `json:"violation_count"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// ReplayResult holds filtered entries and summary for a replay.
type ReplayResult struct {
	Filter  string        `json:"filter"`
	Entries []AuditEntry  `json:"entries"`
	Summary ReplaySummary `json:"summary"`
}

// Match reports whether e passes the filter.
func (f ReplayFilter) Match(e AuditEntry) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Principal != "" && e.Principal != f.Principal {
		return false
	}
	if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		ts, err := time.Parse(TimestampFormat, e.Timestamp)
		if err != nil {
			return false
		}
		if !f.From.IsZero() && ts.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && ts.After(f.To) {
			return false
		}
	}
	return true
}

func (f ReplayFilter) String() string {
	switch {
	case f.SessionID != "":
		return "session " + f.SessionID
	case f.CorrelationID != "":
		return "correlation " + f.CorrelationID
	case f.Principal != "":
		return "principal " + f.Principal
	default:
		return "all"
	}
}

// Replay reads sink sequentially and returns entries matching filter.
func Replay(sink Sink, filter ReplayFilter) (*ReplayResult, error) {
	result := &ReplayResult{Filter: filter.String()}

	err := Entries(sink, func(e AuditEntry) error {
		if !filter.Match(e) {
			return nil
		}
		result.Entries = append(result.Entries, e)
		updateSummary(&result.Summary, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return result, nil
}

func updateSummary(s *ReplaySummary, e AuditEntry) {
	s.Total++

	switch e.Event {
	case EventDecision, EventRateLimited:
		switch e.Decision {
		case "allow":
			s.AllowCount++
		case "deny":
			s.DenyCount++
		case "require_confirmation":
			s.ConfirmCount++
		}
	case EventOutcome:
		s.ExecutedCount++
		if e.Outcome != nil && e.Outcome.Status != "ok" {
			s.FailedCount++
		}
	case EventProtocolViolation, EventInvalidRequest:
		s.ViolationCount++
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = e.Timestamp
	}
	s.LastTimestamp = e.Timestamp
}
