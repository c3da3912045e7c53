// Package policydiff compares two rule set documents and labels each
// change as stricter or looser.
package policydiff

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/ppiankov/kalpana/internal/policy"
	"github.com/ppiankov/kalpana/internal/ratelimit"
)

// Change represents a scalar or set-membership change outside the rules.
type Change struct {
	Field   string `json:"field"`
	Old     string `json:"old"`
	New     string `json:"new"`
	Comment string `json:"comment,omitempty"`
}

// RuleChange represents a rule addition, removal, or modification.
type RuleChange struct {
	Type    string   `json:"type"` // "added", "removed", "changed"
	ID      string   `json:"id"`
	Rule    string   `json:"rule"`
	Fields  []string `json:"fields,omitempty"`
	Comment string   `json:"comment,omitempty"`
}

// DiffResult holds the comparison of two rule set documents.
type DiffResult struct {
	OldLabel    string       `json:"old"`
	NewLabel    string       `json:"new"`
	Changes     []Change     `json:"changes"`
	RuleChanges []RuleChange `json:"rule_changes"`
	HasChanges  bool         `json:"has_changes"`
}

// Diff compares two rule set documents. Rules are matched by id; rules
// without an id get the positional id the compiler would give them.
func Diff(old, new *policy.Config) *DiffResult {
	if old == nil {
		old = &policy.Config{}
	}
	if new == nil {
		new = &policy.Config{}
	}
	r := &DiffResult{}

	if old.Version != new.Version {
		r.Changes = append(r.Changes, Change{
			Field: "version",
			Old:   fmt.Sprintf("%d", old.Version),
			New:   fmt.Sprintf("%d", new.Version),
		})
	}

	diffProtected(r, old.ProtectedPaths, new.ProtectedPaths)
	diffRules(r, old.Rules, new.Rules)
	diffRateLimits(r, old.RateLimits, new.RateLimits)

	r.HasChanges = len(r.Changes) > 0 || len(r.RuleChanges) > 0
	return r
}

// Summary is a one-line count of the changes, suitable for a log field.
func (r *DiffResult) Summary() string {
	if !r.HasChanges {
		return "no changes"
	}
	counts := map[string]int{}
	for _, rc := range r.RuleChanges {
		counts[rc.Type]++
	}
	var parts []string
	for _, t := range []string{"added", "removed", "changed"} {
		if counts[t] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[t], t))
		}
	}
	if len(r.Changes) > 0 {
		parts = append(parts, fmt.Sprintf("%d other", len(r.Changes)))
	}
	return "rules: " + strings.Join(parts, ", ")
}

func ruleID(rule policy.Rule, i int) string {
	if rule.ID != "" {
		return rule.ID
	}
	return fmt.Sprintf("rule.%d", i+1)
}

func ruleLabel(rule policy.Rule) string {
	d := rule.Decision
	if rule.Confirm && d == "allow" {
		d = "allow+confirm"
	}
	return fmt.Sprintf("actions=%s → %s", strings.Join(rule.Actions, ","), d)
}

// permissiveness orders decisions so a move up is looser.
func permissiveness(rule policy.Rule) int {
	switch {
	case rule.Decision == "allow" && !rule.Confirm:
		return 2
	case rule.Decision == "allow", rule.Decision == "require_confirmation":
		return 1
	default:
		return 0
	}
}

func diffRules(r *DiffResult, oldRules, newRules []policy.Rule) {
	oldMap := make(map[string]policy.Rule, len(oldRules))
	for i, rule := range oldRules {
		oldMap[ruleID(rule, i)] = rule
	}
	newIDs := make(map[string]bool, len(newRules))

	for i, rule := range newRules {
		id := ruleID(rule, i)
		newIDs[id] = true
		prev, exists := oldMap[id]
		if !exists {
			comment := "looser"
			if permissiveness(rule) == 0 {
				comment = "stricter"
			}
			r.RuleChanges = append(r.RuleChanges, RuleChange{Type: "added", ID: id, Rule: ruleLabel(rule), Comment: comment})
			continue
		}
		fields := changedFields(prev, rule)
		if len(fields) == 0 {
			continue
		}
		rc := RuleChange{Type: "changed", ID: id, Rule: ruleLabel(rule), Fields: fields}
		switch o, n := permissiveness(prev), permissiveness(rule); {
		case n > o:
			rc.Comment = "looser"
		case n < o:
			rc.Comment = "stricter"
		}
		r.RuleChanges = append(r.RuleChanges, rc)
	}

	for i, rule := range oldRules {
		id := ruleID(rule, i)
		if newIDs[id] {
			continue
		}
		comment := "stricter"
		if permissiveness(rule) == 0 {
			comment = "looser"
		}
		r.RuleChanges = append(r.RuleChanges, RuleChange{Type: "removed", ID: id, Rule: ruleLabel(rule), Comment: comment})
	}
}

func changedFields(a, b policy.Rule) []string {
	var fields []string
	if !sameStrings(a.Actions, b.Actions) {
		fields = append(fields, "actions")
	}
	if !sameStrings(a.Principals, b.Principals) {
		fields = append(fields, "principals")
	}
	if !sameStrings(a.Clients, b.Clients) {
		fields = append(fields, "clients")
	}
	if !sameStrings(a.Capabilities, b.Capabilities) {
		fields = append(fields, "capabilities")
	}
	if !reflect.DeepEqual(nonNil(a.Params), nonNil(b.Params)) {
		fields = append(fields, "params")
	}
	if a.Decision != b.Decision {
		fields = append(fields, "decision")
	}
	if a.Confirm != b.Confirm {
		fields = append(fields, "confirm")
	}
	if a.Reason != b.Reason {
		fields = append(fields, "reason")
	}
	return fields
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func diffProtected(r *DiffResult, oldPaths, newPaths []string) {
	added, removed := setDiff(oldPaths, newPaths)
	for _, p := range added {
		r.Changes = append(r.Changes, Change{Field: "protected_paths", New: p, Comment: "stricter"})
	}
	for _, p := range removed {
		r.Changes = append(r.Changes, Change{Field: "protected_paths", Old: p, Comment: "looser"})
	}
}

func diffRateLimits(r *DiffResult, oldLimits, newLimits map[string]ratelimit.Config) {
	keys := limitKeys(oldLimits, newLimits)
	for _, k := range keys {
		o, n := oldLimits[k], newLimits[k]
		if reflect.DeepEqual(o, n) {
			continue
		}
		c := Change{Field: "rate_limits." + k, Old: describeLimits(o), New: describeLimits(n)}
		switch {
		case o == nil:
			c.Comment = "added"
		case n == nil:
			c.Comment = "removed"
		}
		r.Changes = append(r.Changes, c)
	}
}

func limitKeys(a, b map[string]ratelimit.Config) []string {
	seen := make(map[string]bool, len(a)+len(b))
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func describeLimits(c ratelimit.Config) string {
	if len(c) == 0 {
		return ""
	}
	kinds := make([]string, 0, len(c))
	for k := range c {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		l := c[k]
		if l == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%d/%s", k, l.MaxRequests, l.Window))
	}
	return strings.Join(parts, " ")
}

func setDiff(old, new []string) (added, removed []string) {
	oldSet := make(map[string]bool, len(old))
	for _, s := range old {
		oldSet[s] = true
	}
	newSet := make(map[string]bool, len(new))
	for _, s := range new {
		newSet[s] = true
		if !oldSet[s] {
			added = append(added, s)
		}
	}
	for _, s := range old {
		if !newSet[s] {
			removed = append(removed, s)
		}
	}
	return added, removed
}
