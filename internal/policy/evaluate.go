package policy

import (
	"fmt"

	"github.com/ppiankov/kalpana/internal/action"
	"github.com/ppiankov/kalpana/internal/model"
)

// Rule ids produced by the engine itself rather than by a configured rule.
const (
	DefaultDenyID   = "default.deny"
	ProtectedPathID = "protected.path"
	NoRuleSetID     = "default.no_rule_set"
)

// path-mutating actions checked against protected_paths
var mutatesPaths = map[string]bool{
	string(action.KindWriteFile):  true,
	string(action.KindDeleteFile): true,
	string(action.KindMoveFile):   true,
}

// Evaluate decides one request against rs. It is pure: identical inputs
// always give the same result.
//
// Evaluation order:
//  1. No rule set -> deny
//  2. Mutating action on or above a protected path -> deny
//  3. Highest-specificity matching rule; ties go to declaration order
//  4. No match -> deny
func Evaluate(rs *RuleSet, id model.Identity, kind string, params map[string]string) model.PolicyResult {
	if rs == nil {
		return model.PolicyResult{
			Decision: model.Deny,
			RuleID:   NoRuleSetID,
			Reason:   "no rule set loaded",
		}
	}

	params = action.CanonicalParams(params)
	if mutatesPaths[kind] {
		for _, p := range action.PathParams(params) {
			reason := ""
			switch {
			case rs.Protected(p):
				reason = fmt.Sprintf("%s is a protected path", p)
			case rs.Encloses(p):
				reason = fmt.Sprintf("%s contains a protected path", p)
			default:
				continue
			}
			return model.PolicyResult{
				Decision:   model.Deny,
				RuleID:     ProtectedPathID,
				Reason:     reason,
				PolicyHash: rs.Hash,
			}
		}
	}

	best := -1
	for i := range rs.rules {
		r := &rs.rules[i]
		if !r.matches(id, kind, params) {
			continue
		}
		if best < 0 || r.specificity > rs.rules[best].specificity {
			best = i
		}
	}

	if best < 0 {
		return model.PolicyResult{
			Decision:   model.Deny,
			RuleID:     DefaultDenyID,
			Reason:     fmt.Sprintf("no rule permits %s for %s", kind, id.Label()),
			PolicyHash: rs.Hash,
		}
	}

	r := rs.rules[best]
	decision := r.decision
	if decision == model.Allow && r.Confirm {
		decision = model.RequireConfirmation
	}

	reason := r.Reason
	if reason == "" {
		reason = fmt.Sprintf("matched rule %s", r.ID)
	}

	return model.PolicyResult{
		Decision:   decision,
		RuleID:     r.ID,
		Reason:     reason,
		PolicyHash: rs.Hash,
	}
}
