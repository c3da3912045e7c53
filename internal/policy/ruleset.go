package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/ppiankov/kalpana/internal/action"
	"github.com/ppiankov/kalpana/internal/model"
	"github.com/ppiankov/kalpana/internal/ratelimit"
)

// RuleSet is a compiled, immutable rule set. A loaded RuleSet is never
// modified; reload builds a new one and swaps the pointer.
type RuleSet struct {
	Hash       string
	Version    int
	LoadedAt   time.Time
	RateLimits map[string]ratelimit.Config

	rules      []compiledRule
	protected  []pathMatcher
	source     []Rule
	protectSrc []string
}

type compiledRule struct {
	Rule
	decision    model.Decision
	actions     []matcher
	principals  []matcher
	clients     []matcher
	params      []paramMatcher
	specificity int
}

type matcher struct {
	pattern string
	g       glob.Glob
	exact   bool
}

type paramMatcher struct {
	key string
	g   glob.Glob
}

type pathMatcher struct {
	base string
	g    glob.Glob
	// per-segment matchers of a glob pattern; nil stands for "**"
	segs []glob.Glob
}

const globMeta = "*?[{"

func compileMatcher(pattern string, separators ...rune) (matcher, error) {
	if !strings.ContainsAny(pattern, globMeta) {
		return matcher{pattern: pattern, exact: true}, nil
	}
	g, err := glob.Compile(pattern, separators...)
	if err != nil {
		return matcher{}, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return matcher{pattern: pattern, g: g}, nil
}

func (m matcher) match(s string) bool {
	if m.exact {
		return m.pattern == s
	}
	return m.g.Match(s)
}

func (m matcher) wildcard() bool {
	return m.pattern == "*"
}

// listSpecificity scores a matcher list by its least specific entry.
func listSpecificity(ms []matcher, exact, pattern int) int {
	if len(ms) == 0 {
		return 0
	}
	score := exact
	for _, m := range ms {
		switch {
		case m.wildcard():
			return 0
		case !m.exact:
			score = pattern
		}
	}
	return score
}

// Compile validates cfg and builds a RuleSet. Any invalid rule fails the
// whole set; a partially valid rule set is never produced.
func Compile(cfg *Config, hash string) (*RuleSet, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil policy config")
	}

	rs := &RuleSet{
		Hash:       hash,
		Version:    cfg.Version,
		LoadedAt:   time.Now().UTC(),
		RateLimits: cfg.RateLimits,
		source:     append([]Rule(nil), cfg.Rules...),
		protectSrc: append([]string(nil), cfg.ProtectedPaths...),
	}

	for _, p := range cfg.ProtectedPaths {
		pm, err := compilePathMatcher(p)
		if err != nil {
			return nil, fmt.Errorf("protected_paths: %w", err)
		}
		rs.protected = append(rs.protected, pm)
	}

	seen := make(map[string]bool, len(cfg.Rules))
	for i, r := range cfg.Rules {
		if r.ID == "" {
			r.ID = fmt.Sprintf("rule.%d", i+1)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true

		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		rs.rules = append(rs.rules, cr)
	}

	return rs, nil
}

func compileRule(r Rule) (compiledRule, error) {
	cr := compiledRule{Rule: r}

	d, ok := model.ParseDecision(r.Decision)
	if !ok {
		return cr, fmt.Errorf("unknown decision %q", r.Decision)
	}
	cr.decision = d

	if len(r.Actions) == 0 {
		return cr, fmt.Errorf("actions must not be empty")
	}
	for _, a := range r.Actions {
		m, err := compileMatcher(a)
		if err != nil {
			return cr, err
		}
		if m.exact {
			if _, known := action.ParseKind(a); !known {
				return cr, fmt.Errorf("unknown action %q", a)
			}
		}
		cr.actions = append(cr.actions, m)
	}

	for _, p := range r.Principals {
		m, err := compileMatcher(p)
		if err != nil {
			return cr, err
		}
		cr.principals = append(cr.principals, m)
	}
	for _, c := range r.Clients {
		m, err := compileMatcher(c)
		if err != nil {
			return cr, err
		}
		cr.clients = append(cr.clients, m)
	}

	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		g, err := glob.Compile(r.Params[k], '/')
		if err != nil {
			return cr, fmt.Errorf("param %s: invalid pattern %q: %w", k, r.Params[k], err)
		}
		cr.params = append(cr.params, paramMatcher{key: k, g: g})
	}

	cr.specificity = listSpecificity(cr.actions, 4, 2) +
		listSpecificity(cr.principals, 2, 1) +
		listSpecificity(cr.clients, 2, 1) +
		len(r.Capabilities) +
		len(cr.params)

	return cr, nil
}

// compilePathMatcher accepts a literal directory ("/boot") or a glob
// ("/boot/**"). Both cover the directory itself and everything below it.
func compilePathMatcher(p string) (pathMatcher, error) {
	if p == "" || !strings.HasPrefix(p, "/") {
		return pathMatcher{}, fmt.Errorf("path %q must be absolute", p)
	}
	base := strings.TrimSuffix(strings.TrimSuffix(p, "/**"), "/")
	if base == "" {
		base = "/"
	}
	pm := pathMatcher{base: base}
	if strings.ContainsAny(p, globMeta) {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return pathMatcher{}, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		pm.g = g
		if strings.ContainsAny(base, globMeta) {
			pm.base = ""
		}
		for _, seg := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
			if seg == "**" {
				pm.segs = append(pm.segs, nil)
				continue
			}
			sg, err := glob.Compile(seg)
			if err != nil {
				return pathMatcher{}, fmt.Errorf("invalid pattern %q: %w", p, err)
			}
			pm.segs = append(pm.segs, sg)
		}
	}
	return pm, nil
}

// below reports whether something the matcher protects lies strictly
// beneath dir, so removing or renaming dir would take it along.
func (pm pathMatcher) below(dir string) bool {
	if dir == "/" {
		return true
	}
	if pm.base != "" {
		return strings.HasPrefix(pm.base, dir+"/")
	}
	parts := strings.Split(strings.TrimPrefix(dir, "/"), "/")
	for i, part := range parts {
		if i >= len(pm.segs) {
			return false
		}
		if pm.segs[i] == nil {
			return true
		}
		if !pm.segs[i].Match(part) {
			return false
		}
	}
	return len(parts) < len(pm.segs)
}

func (pm pathMatcher) match(path string) bool {
	if pm.base != "" {
		if pm.base == "/" || path == pm.base || strings.HasPrefix(path, pm.base+"/") {
			return true
		}
	}
	return pm.g != nil && pm.g.Match(path)
}

func (r *compiledRule) matches(id model.Identity, kind string, params map[string]string) bool {
	if !anyMatch(r.actions, kind) {
		return false
	}
	if len(r.principals) > 0 && !anyMatch(r.principals, id.Principal) {
		return false
	}
	if len(r.clients) > 0 && !anyMatch(r.clients, id.Client) {
		return false
	}
	for _, c := range r.Capabilities {
		if !id.HasCapability(c) {
			return false
		}
	}
	for _, pm := range r.params {
		v, ok := params[pm.key]
		if !ok || !pm.g.Match(v) {
			return false
		}
	}
	return true
}

func anyMatch(ms []matcher, s string) bool {
	for _, m := range ms {
		if m.match(s) {
			return true
		}
	}
	return false
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Rules returns a copy of the source rules in declaration order.
func (rs *RuleSet) Rules() []Rule {
	if rs == nil {
		return nil
	}
	return append([]Rule(nil), rs.source...)
}

// Config rebuilds the document this set was compiled from, with every
// rule carrying its effective id.
func (rs *RuleSet) Config() *Config {
	if rs == nil {
		return &Config{}
	}
	cfg := &Config{
		Version:        rs.Version,
		ProtectedPaths: append([]string(nil), rs.protectSrc...),
		RateLimits:     rs.RateLimits,
	}
	for _, r := range rs.rules {
		cfg.Rules = append(cfg.Rules, r.Rule)
	}
	return cfg
}

// Specificity returns the computed precedence of a rule by id, or -1.
func (rs *RuleSet) Specificity(ruleID string) int {
	for _, r := range rs.rules {
		if r.ID == ruleID {
			return r.specificity
		}
	}
	return -1
}

// Protected reports whether a cleaned absolute path is under a protected path.
func (rs *RuleSet) Protected(path string) bool {
	for _, pm := range rs.protected {
		if pm.match(path) {
			return true
		}
	}
	return false
}

// Encloses reports whether a protected path lies beneath the cleaned
// absolute path, as it would for a recursive delete or a move of an
// ancestor directory.
func (rs *RuleSet) Encloses(path string) bool {
	for _, pm := range rs.protected {
		if pm.below(path) {
			return true
		}
	}
	return false
}

// Guarded reports whether mutating path could touch a protected path,
// either because it is one or because it contains one. A nil RuleSet
// guards everything.
func (rs *RuleSet) Guarded(path string) bool {
	if rs == nil {
		return true
	}
	return rs.Protected(path) || rs.Encloses(path)
}
