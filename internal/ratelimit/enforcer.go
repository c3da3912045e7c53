package ratelimit

import (
	"fmt"
	"time"

	"github.com/ppiankov/kalpana/internal/model"
)

// CheckResult is the outcome of a rate limit check.
type CheckResult struct {
	Exceeded bool
	Kind     string
	Current  int
	Limit    int
	Reason   string
}

// Check compares the current count against the limit.
func Check(count int, limit *Limit) CheckResult {
	if !limit.active() {
		return CheckResult{}
	}
	if count >= limit.MaxRequests {
		return CheckResult{
			Exceeded: true,
			Current:  count,
			Limit:    limit.MaxRequests,
			Reason: fmt.Sprintf("rate limit exceeded: %d/%d requests in %s window",
				count, limit.MaxRequests, limit.Window),
		}
	}
	return CheckResult{}
}

// Resolve finds the limit for principal and kind.
//
// Lookup order: limits[principal] then limits["*"]; inside the chosen
// config, kind then "*". The bucket key is the matched kind, so a "*"
// limit counts every action together.
func Resolve(principal, kind string, limits map[string]Config) (*Limit, string) {
	if len(limits) == 0 {
		return nil, ""
	}
	cfg := limits[principal]
	if cfg == nil {
		cfg = limits["*"]
	}
	if cfg == nil || !cfg.HasLimits() {
		return nil, ""
	}
	if l := cfg[kind]; l.active() {
		return l, kind
	}
	if l := cfg["*"]; l.active() {
		return l, "*"
	}
	return nil, ""
}

// Evaluate checks the session window for principal/kind.
// Returns (result, true) when the limit is exceeded; the request must be
// denied without consulting policy rules. When the check passes the hit
// is recorded.
func Evaluate(principal, kind string, w *Window, limits map[string]Config, now time.Time) (model.PolicyResult, bool) {
	limit, bucket := Resolve(principal, kind, limits)
	if limit == nil {
		return model.PolicyResult{}, false
	}

	count := w.Count(bucket, limit.Window, now)
	result := Check(count, limit)
	if !result.Exceeded {
		w.Record(bucket, now)
		return model.PolicyResult{}, false
	}

	label := principal
	if label == "" {
		label = model.Unauthenticated
	}
	if bucket == "*" {
		bucket = "all"
	}

	return model.PolicyResult{
		Decision: model.Deny,
		Reason:   result.Reason,
		RuleID:   fmt.Sprintf("ratelimit.%s.%s", label, bucket),
	}, true
}
