package policy

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/kalpana/internal/logger"
	"github.com/ppiankov/kalpana/internal/metrics"
	"github.com/ppiankov/kalpana/internal/model"
)

// Engine holds the active RuleSet. Readers load the pointer without
// locking; Reload compiles a complete replacement before swapping, so a
// reader sees either the old set or the new one, never a mix.
type Engine struct {
	path    string
	log     logger.Logger
	current atomic.Pointer[RuleSet]
	reload  sync.Mutex
}

// NewEngine loads the rule set at path. A missing file loads the built-in
// default rule set.
func NewEngine(path string, log logger.Logger) (*Engine, error) {
	if log == nil {
		log = logger.Nop()
	}
	e := &Engine{path: path, log: log}

	cfg, hash, err := LoadConfigWithHash(path)
	if err != nil {
		return nil, err
	}
	rs, err := Compile(cfg, hash)
	if err != nil {
		return nil, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	e.current.Store(rs)
	return e, nil
}

// NewEngineFromConfig builds an engine around an in-memory config.
// Reload is unavailable on such an engine.
func NewEngineFromConfig(cfg *Config) (*Engine, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal policy config: %w", err)
	}
	rs, err := Compile(cfg, HashBytes(data))
	if err != nil {
		return nil, err
	}
	e := &Engine{log: logger.Nop()}
	e.current.Store(rs)
	return e, nil
}

// Path returns the rule set source path.
func (e *Engine) Path() string { return e.path }

// Current returns the active rule set.
func (e *Engine) Current() *RuleSet { return e.current.Load() }

// Evaluate decides a request against the active rule set.
func (e *Engine) Evaluate(id model.Identity, kind string, params map[string]string) model.PolicyResult {
	return Evaluate(e.current.Load(), id, kind, params)
}

// Reload re-reads the policy file and swaps it in. On any error the
// previous rule set stays active. A policy file that disappeared at
// runtime is an error rather than a silent fallback to defaults.
func (e *Engine) Reload() (*RuleSet, error) {
	e.reload.Lock()
	defer e.reload.Unlock()

	if e.path == "" {
		return nil, fmt.Errorf("policy engine has no source file")
	}
	if _, err := os.Stat(e.path); err != nil {
		metrics.PolicyReloadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("policy file unavailable, keeping current rule set: %w", err)
	}

	cfg, hash, err := LoadConfigWithHash(e.path)
	if err != nil {
		metrics.PolicyReloadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	rs, err := Compile(cfg, hash)
	if err != nil {
		metrics.PolicyReloadsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("invalid policy %s: %w", e.path, err)
	}

	old := e.current.Swap(rs)
	metrics.PolicyReloadsTotal.WithLabelValues("ok").Inc()
	if old == nil || old.Hash != rs.Hash {
		e.log.Info("rule set reloaded",
			logger.String("path", e.path),
			logger.String("hash", rs.Hash),
			logger.Int("rules", rs.Len()))
	}
	return rs, nil
}
