// Package executor performs authorized actions. It is the only component
// that touches the system, and it refuses to run anything the policy
// engine did not allow or an operator did not approve.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ppiankov/kalpana/internal/action"
	"github.com/ppiankov/kalpana/internal/logger"
	"github.com/ppiankov/kalpana/internal/model"
)

// Config tunes the executor.
type Config struct {
	ActionTimeout  time.Duration
	MaxOutputBytes int
	MaxReadBytes   int
	NetworkUnit    string
	Systemctl      string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ActionTimeout:  30 * time.Second,
		MaxOutputBytes: 64 << 10,
		MaxReadBytes:   1 << 19,
		NetworkUnit:    "NetworkManager.service",
		Systemctl:      "systemctl",
	}
}

// Authorization is the evidence that an action may run.
type Authorization struct {
	Decision model.Decision
	RuleID   string
	// Approved is set once an operator approves a require_confirmation
	// decision.
	Approved bool
	Approver string
}

// Permits reports whether auth allows execution.
func (a Authorization) Permits() bool {
	switch a.Decision {
	case model.Allow:
		return true
	case model.RequireConfirmation:
		return a.Approved && a.Approver != ""
	default:
		return false
	}
}

// Request is one unit of work.
type Request struct {
	Action    action.Action
	SessionID string
	Principal string
	Auth      Authorization
}

// Introspector answers the read-only core queries.
type Introspector interface {
	Status() map[string]any
	ExplainLast(sessionID string) (map[string]any, error)
	QueryAudit(principal string, limit int) (map[string]any, error)
}

type handler func(ctx context.Context, req Request) (map[string]any, error)

// Executor dispatches actions to their handlers.
type Executor struct {
	cfg      Config
	runner   Runner
	intro    Introspector
	log      logger.Logger
	guard    func(path string) bool
	handlers map[action.Kind]handler
}

// New builds an executor. A nil runner uses os/exec.
func New(cfg Config, runner Runner, log logger.Logger) *Executor {
	def := DefaultConfig()
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = def.ActionTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	if cfg.MaxReadBytes <= 0 {
		cfg.MaxReadBytes = def.MaxReadBytes
	}
	if cfg.NetworkUnit == "" {
		cfg.NetworkUnit = def.NetworkUnit
	}
	if cfg.Systemctl == "" {
		cfg.Systemctl = def.Systemctl
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if log == nil {
		log = logger.Nop()
	}

	e := &Executor{cfg: cfg, runner: runner, log: log}
	e.handlers = map[action.Kind]handler{
		action.KindReadFile:       e.readFile,
		action.KindListDir:        e.listDir,
		action.KindWriteFile:      e.writeFile,
		action.KindDeleteFile:     e.deleteFile,
		action.KindMoveFile:       e.moveFile,
		action.KindStartProcess:   e.startProcess,
		action.KindKillProcess:    e.killProcess,
		action.KindRunCommand:     e.runCommand,
		action.KindControlService: e.controlService,
		action.KindRestartNetwork: e.restartNetwork,
		action.KindStatus:         e.status,
		action.KindExplainLast:    e.explainLast,
		action.KindQueryAudit:     e.queryAudit,
	}
	return e
}

// SetIntrospector wires the source for status queries.
func (e *Executor) SetIntrospector(i Introspector) { e.intro = i }

// SetPathGuard wires the check applied to every mutated path after its
// symlinks are resolved. guard returns true for paths that must not be
// touched.
func (e *Executor) SetPathGuard(guard func(path string) bool) { e.guard = guard }

// Config returns the effective configuration.
func (e *Executor) Config() Config { return e.cfg }

// Execute runs req.Action under the action timeout. A panic in a handler
// is contained and reported as an execution failure. Errors are
// *model.Error values; unauthorized requests are internal faults.
func (e *Executor) Execute(ctx context.Context, req Request) (result map[string]any, err error) {
	if req.Action == nil {
		return nil, model.Errorf(model.ErrInternalFault, "no action")
	}
	if !req.Auth.Permits() {
		e.log.Error("refusing unauthorized execution",
			logger.String("action", string(req.Action.Kind())),
			logger.String("decision", string(req.Auth.Decision)),
			logger.String("rule_id", req.Auth.RuleID),
		)
		return nil, model.Errorf(model.ErrInternalFault, "execution of %s not authorized", req.Action.Kind())
	}

	h, ok := e.handlers[req.Action.Kind()]
	if !ok {
		return nil, model.Errorf(model.ErrInternalFault, "no handler for %s", req.Action.Kind())
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("action handler panicked",
				logger.String("action", string(req.Action.Kind())),
				logger.String("panic", fmt.Sprint(r)),
				logger.String("stack", string(debug.Stack())),
			)
			result = nil
			err = model.Errorf(model.ErrExecutionFailure, "%s handler crashed", req.Action.Kind())
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, model.Wrap(model.ErrExecutionFailure, err, "cancelled before start")
	}

	result, err = h(ctx, req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return result, nil
}

func classify(ctx context.Context, err error) error {
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return model.Wrap(model.ErrExecutionFailure, err, "timed out")
		}
		return model.Wrap(model.ErrExecutionFailure, err, "cancelled")
	}
	return model.Wrap(model.ErrExecutionFailure, err, "action failed")
}
