// Package daemon assembles the core from its configuration and runs it:
// client socket, operator socket, rule-set reload, metrics, and the
// ordered shutdown that drains in-flight work.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ppiankov/kalpana/internal/alert"
	"github.com/ppiankov/kalpana/internal/audit"
	"github.com/ppiankov/kalpana/internal/config"
	"github.com/ppiankov/kalpana/internal/dispatch"
	"github.com/ppiankov/kalpana/internal/executor"
	"github.com/ppiankov/kalpana/internal/identity"
	"github.com/ppiankov/kalpana/internal/integrity"
	"github.com/ppiankov/kalpana/internal/ipc"
	"github.com/ppiankov/kalpana/internal/logger"
	"github.com/ppiankov/kalpana/internal/metrics"
	"github.com/ppiankov/kalpana/internal/policy"
	"github.com/ppiankov/kalpana/internal/policydiff"
	"github.com/ppiankov/kalpana/internal/server"
	"github.com/ppiankov/kalpana/internal/session"
	"github.com/ppiankov/kalpana/internal/systemd"
	"github.com/ppiankov/kalpana/internal/telemetry"
)

// tombstoneTTLs is how many confirmation TTLs a resolved correlation id
// keeps answering "already resolved" before it is forgotten.
const tombstoneTTLs = 4

// SystemPrincipal attributes audit entries the core writes on its own
// behalf.
const SystemPrincipal = "kalpana-core"

// Option customizes a Daemon.
type Option func(*Daemon)

// WithRunner replaces the process runner used by the executor.
func WithRunner(r executor.Runner) Option {
	return func(d *Daemon) { d.runner = r }
}

// WithVersion labels traces with the build version.
func WithVersion(v string) Option {
	return func(d *Daemon) { d.version = v }
}

// WithAuditSink replaces the configured audit sink.
func WithAuditSink(s audit.Sink) Option {
	return func(d *Daemon) { d.sink = s }
}

// Daemon is one running core.
type Daemon struct {
	cfg     *config.Config
	log     logger.Logger
	runner  executor.Runner
	sink    audit.Sink
	version string

	engine     *policy.Engine
	audit      *audit.Log
	dispatcher *dispatch.Dispatcher
	clients    *ipc.Server
	operator   *server.Server
	tracing    *telemetry.TracerProvider
	alerts     *alert.Dispatcher
	alertsDone chan struct{}

	// root parents every session context; cancelled last.
	root       context.Context
	cancelRoot context.CancelFunc

	fatalOnce sync.Once
	fatal     chan error
}

// New builds the core. Failures here are configuration failures.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, opts ...Option) (*Daemon, error) {
	if log == nil {
		log = logger.Nop()
	}
	d := &Daemon{
		cfg:   cfg,
		log:   log,
		fatal: make(chan error, 1),
	}
	for _, o := range opts {
		o(d)
	}
	if d.runner == nil {
		d.runner = executor.ExecRunner{}
	}

	if !cfg.DevMode {
		opts := integrity.Options{ChecksumFile: cfg.Integrity.ChecksumFile}
		if cfg.Integrity.StrictPermissions {
			opts.Files = []string{cfg.Source, cfg.Policy.Path, cfg.Auth.TokenSecretFile}
		}
		if err := integrity.Check(opts); err != nil {
			return nil, &ConfigError{Err: err}
		}
	}

	secret, err := cfg.TokenSecret()
	if err != nil {
		return nil, &ConfigError{Err: err}
	}

	d.engine, err = policy.NewEngine(cfg.Policy.Path, log)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	if _, err := os.Stat(cfg.Policy.Path); err != nil {
		log.Warn("policy file not found, using built-in rule set", logger.String("path", cfg.Policy.Path))
	}

	if d.sink == nil {
		if err := os.MkdirAll(filepath.Dir(cfg.Audit.Path), 0o750); err != nil {
			return nil, &ConfigError{Err: fmt.Errorf("create audit dir: %w", err)}
		}
		d.sink, err = audit.OpenSink(cfg.Audit.Sink, cfg.Audit.Path)
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
	}
	host, _ := os.Hostname()
	d.alerts = alert.NewDispatcher(cfg.Alerts, host, log.WithFields(logger.String("component", "alert")))
	auditOpts := []audit.Option{audit.WithEscalation(cfg.Audit.MaxConsecutiveFailures, d.auditFatal)}
	if d.alerts != nil {
		auditOpts = append(auditOpts, audit.WithObserver(d.alerts.Observe))
	}
	d.audit, err = audit.New(d.sink, auditOpts...)
	if err != nil {
		d.sink.Close()
		return nil, &ConfigError{Err: err}
	}

	d.tracing, err = telemetry.InitTracing(ctx, telemetry.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: d.version,
		Environment:    cfg.Tracing.Environment,
		SamplingRatio:  cfg.Tracing.SamplingRatio,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		d.audit.Close()
		return nil, &ConfigError{Err: err}
	}

	exec := executor.New(executor.Config{
		ActionTimeout:  cfg.Timeouts.Action,
		MaxOutputBytes: cfg.Executor.MaxOutputBytes,
		MaxReadBytes:   cfg.Executor.MaxReadBytes,
		NetworkUnit:    cfg.Executor.NetworkUnit,
		Systemctl:      cfg.Executor.Systemctl,
	}, d.runner, log.WithFields(logger.String("component", "executor")))
	exec.SetPathGuard(func(path string) bool {
		return d.engine.Current().Guarded(path)
	})

	d.root, d.cancelRoot = context.WithCancel(context.Background())
	d.dispatcher = dispatch.New(dispatch.Options{
		Engine:     d.engine,
		Audit:      d.audit,
		Executor:   exec,
		Sessions:   session.NewRegistry(d.root),
		ConfirmTTL: cfg.Timeouts.Confirmation,
		Tracer:     d.tracing.Tracer(),
		Log:        log.WithFields(logger.String("component", "dispatch")),
		DevMode:    cfg.DevMode,
	})

	d.clients = ipc.New(ipc.Config{
		SocketPath:       cfg.Socket.Path,
		Mode:             cfg.SocketMode(),
		Group:            cfg.Socket.Group,
		IdleTimeout:      cfg.Timeouts.Idle,
		HandshakeTimeout: cfg.Timeouts.Handshake,
	}, d.dispatcher, identity.NewResolver(secret, cfg.Auth.RequireToken),
		log.WithFields(logger.String("component", "ipc")))

	d.operator = server.New(server.Config{
		SocketPath: cfg.Operator.Socket,
		Mode:       cfg.OperatorMode(),
		Group:      cfg.Operator.Group,
	}, d.dispatcher, log.WithFields(logger.String("component", "operator")))
	d.operator.SetReloader(d.Reload)

	return d, nil
}

// Dispatcher returns the request pipeline.
func (d *Daemon) Dispatcher() *dispatch.Dispatcher { return d.dispatcher }

// Run serves until ctx is cancelled or the audit log escalates, then shuts
// down in order. The returned error maps onto the process exit code
// through ExitCode.
func (d *Daemon) Run(ctx context.Context) error {
	if err := acquirePIDLock(d.cfg.PIDFile); err != nil {
		d.closeStores()
		return &ConfigError{Err: fmt.Errorf("acquire PID lock: %w", err)}
	}
	defer func() { _ = os.Remove(d.cfg.PIDFile) }()

	if err := d.clients.Listen(); err != nil {
		d.closeStores()
		return &ConfigError{Err: err}
	}
	if err := d.operator.Listen(); err != nil {
		d.clients.Close()
		d.closeStores()
		return &ConfigError{Err: err}
	}
	if !d.cfg.DevMode {
		if msg := systemd.CheckUnitFileIntegrity(systemd.UnitPath, systemd.UnitHashPath); msg != "" {
			d.log.Warn(msg)
		}
	}
	d.lifecycle("start")

	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	serveErr := make(chan error, 2)
	go func() { serveErr <- d.clients.Serve(serveCtx) }()
	go func() {
		if err := d.operator.Serve(); err != nil {
			serveErr <- fmt.Errorf("operator: %w", err)
		}
	}()
	if d.alerts != nil {
		d.alertsDone = make(chan struct{})
		go func() {
			defer close(d.alertsDone)
			d.alerts.Run(serveCtx)
		}()
	}
	ttl := d.dispatcher.Confirmations().TTL()
	go d.dispatcher.PruneResolved(serveCtx, ttl, tombstoneTTLs*ttl)
	go func() {
		if err := metrics.Serve(serveCtx, d.cfg.Metrics.Address); err != nil {
			d.log.Error("metrics listener failed", logger.Error(err))
		}
	}()

	if d.cfg.Policy.Watch {
		if r, err := NewReloader(d.cfg.Policy.Path, d.reloadFromWatch, d.log); err != nil {
			d.log.Warn("policy watch disabled", logger.Error(err))
		} else {
			go r.Run(serveCtx)
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	d.log.Info("kalpana-core ready",
		logger.String("socket", d.cfg.Socket.Path),
		logger.String("operator", d.cfg.Operator.Socket),
		logger.String("policy_hash", d.engine.Current().Hash),
		logger.Bool("dev_mode", d.cfg.DevMode))

	var fatal error
	for fatal == nil && ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-hup:
			if _, err := d.Reload(); err != nil {
				d.log.Error("reload on SIGHUP failed", logger.Error(err))
			}
		case err := <-d.fatal:
			fatal = err
		case err := <-serveErr:
			if err != nil {
				fatal = err
			} else if ctx.Err() == nil {
				fatal = errors.New("client listener stopped")
			}
		}
	}
	stopServing()
	return d.shutdown(fatal)
}

// shutdown stops intake, drains or cancels in-flight work, and closes the
// audit log last.
func (d *Daemon) shutdown(cause error) error {
	d.log.Info("shutting down", logger.Bool("fatal", cause != nil))
	d.clients.Close()

	drainCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeouts.Shutdown)
	defer cancel()
	forced := d.dispatcher.Shutdown(drainCtx) != nil

	d.dispatcher.Sessions().CloseAll("shutdown")
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := d.clients.Wait(waitCtx); err != nil {
		forced = true
	}
	waitCancel()

	opCtx, opCancel := context.WithTimeout(context.Background(), time.Second)
	d.operator.Stop(opCtx)
	opCancel()

	if cause == nil {
		d.lifecycle("stop")
	}
	d.cancelRoot()
	d.closeStores()
	d.flushAlerts()

	switch {
	case errors.Is(cause, audit.ErrEscalated) || d.audit.Escalated():
		return fmt.Errorf("%w: %v", ErrAuditFatal, cause)
	case cause != nil:
		return fmt.Errorf("%w: %v", ErrForcedShutdown, cause)
	case forced:
		return ErrForcedShutdown
	}
	return nil
}

func (d *Daemon) closeStores() {
	if err := d.audit.Close(); err != nil {
		d.log.Error("close audit log", logger.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.tracing.Shutdown(ctx); err != nil {
		d.log.Warn("tracing shutdown", logger.Error(err))
	}
}

// flushAlerts waits briefly for queued webhook deliveries.
func (d *Daemon) flushAlerts() {
	if d.alerts == nil {
		return
	}
	d.alerts.Close()
	if d.alertsDone == nil {
		return
	}
	select {
	case <-d.alertsDone:
	case <-time.After(5 * time.Second):
		d.log.Warn("alert queue not drained before exit")
	}
}

// auditFatal is the escalation hook: the daemon cannot operate without a
// durable audit trail.
func (d *Daemon) auditFatal(err error) {
	d.fatalOnce.Do(func() {
		d.log.Error("audit log failed repeatedly, shutting down", logger.Error(err))
		if d.alerts != nil {
			d.alerts.Dispatch(alert.Event{
				Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
				Type:      alert.EventAuditEscalation,
				Principal: SystemPrincipal,
				Reason:    err.Error(),
			})
		}
		d.fatal <- fmt.Errorf("%w: %v", audit.ErrEscalated, err)
	})
}

// Reload swaps in the rule set from disk and records the attempt along
// with what changed.
func (d *Daemon) Reload() (*policy.RuleSet, error) {
	prev := d.engine.Current()
	rs, err := d.engine.Reload()
	entry := audit.AuditEntry{
		Event:     audit.EventPolicyReload,
		Principal: SystemPrincipal,
		Action:    audit.AuditAction{Kind: "reload", Summary: d.engine.Path()},
	}
	if err != nil {
		entry.Decision = "rejected"
		entry.Reason = err.Error()
		if cur := d.engine.Current(); cur != nil {
			entry.PolicyHash = cur.Hash
		}
	} else {
		diff := policydiff.Diff(prev.Config(), rs.Config())
		entry.Decision = "applied"
		entry.PolicyHash = rs.Hash
		entry.Reason = fmt.Sprintf("%d rules; %s", rs.Len(), diff.Summary())
		if diff.HasChanges {
			for _, rc := range diff.RuleChanges {
				d.log.Info("rule changed",
					logger.String("rule_id", rc.ID),
					logger.String("change", rc.Type),
					logger.String("direction", rc.Comment))
			}
		}
	}
	if aerr := d.audit.Record(entry); aerr != nil {
		d.log.Error("audit policy reload", logger.Error(aerr))
	}
	return rs, err
}

func (d *Daemon) reloadFromWatch() error {
	_, err := d.Reload()
	return err
}

func (d *Daemon) lifecycle(phase string) {
	err := d.audit.Record(audit.AuditEntry{
		Event:     audit.EventLifecycle,
		Principal: SystemPrincipal,
		Action:    audit.AuditAction{Kind: phase},
		Reason:    strings.TrimSpace(fmt.Sprintf("pid %d %s", os.Getpid(), d.version)),
	})
	if err != nil {
		d.log.Error("audit lifecycle", logger.String("phase", phase), logger.Error(err))
	}
}
