package executor

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/ppiankov/kalpana/internal/action"
	"github.com/ppiankov/kalpana/internal/model"
	"github.com/ppiankov/kalpana/internal/redact"
)

var signalNumbers = map[string]unix.Signal{
	"TERM": unix.SIGTERM,
	"KILL": unix.SIGKILL,
	"INT":  unix.SIGINT,
	"HUP":  unix.SIGHUP,
	"QUIT": unix.SIGQUIT,
	"USR1": unix.SIGUSR1,
	"USR2": unix.SIGUSR2,
}

func (e *Executor) startProcess(ctx context.Context, req Request) (map[string]any, error) {
	a := req.Action.(action.StartProcess)
	pid, err := e.runner.Start(a.Command, a.Args, a.Dir)
	if err != nil {
		return nil, model.Wrap(model.ErrExecutionFailure, err, "start "+a.Command)
	}
	return map[string]any{"command": a.Command, "pid": pid}, nil
}

func (e *Executor) runCommand(ctx context.Context, req Request) (map[string]any, error) {
	a := req.Action.(action.RunCommand)
	res, err := e.runner.Run(ctx, a.Command, a.Args, a.Dir)
	if err != nil {
		return nil, model.Wrap(model.ErrExecutionFailure, err, "run "+a.Command)
	}
	stdout, n1 := redact.Output(clip(res.Stdout, e.cfg.MaxOutputBytes))
	stderr, n2 := redact.Output(clip(res.Stderr, e.cfg.MaxOutputBytes))
	out := map[string]any{
		"command":   a.Command,
		"exit_code": res.ExitCode,
		"stdout":    stdout,
		"stderr":    stderr,
	}
	if n1+n2 > 0 {
		out["redacted"] = n1 + n2
	}
	return out, nil
}

func (e *Executor) killProcess(ctx context.Context, req Request) (map[string]any, error) {
	a := req.Action.(action.KillProcess)
	sig, ok := signalNumbers[a.Signal]
	if !ok {
		return nil, model.Errorf(model.ErrInvalidRequest, "unsupported signal %q", a.Signal)
	}

	if a.PID > 0 {
		if err := unix.Kill(a.PID, sig); err != nil {
			return nil, model.Wrap(model.ErrExecutionFailure, err, "kill "+strconv.Itoa(a.PID))
		}
		return map[string]any{"pid": a.PID, "signal": a.Signal}, nil
	}

	res, err := e.runner.Run(ctx, "pkill", []string{"-" + a.Signal, "-x", a.Name}, "")
	if err != nil {
		return nil, model.Wrap(model.ErrExecutionFailure, err, "pkill "+a.Name)
	}
	// pkill exits 1 when nothing matched.
	if res.ExitCode == 1 {
		return nil, model.Errorf(model.ErrExecutionFailure, "no process named %s", a.Name)
	}
	if res.ExitCode != 0 {
		return nil, model.Errorf(model.ErrExecutionFailure, "pkill exited %d", res.ExitCode)
	}
	return map[string]any{"name": a.Name, "signal": a.Signal}, nil
}

func (e *Executor) controlService(ctx context.Context, req Request) (map[string]any, error) {
	a := req.Action.(action.ControlService)
	return e.systemctl(ctx, a.Operation, a.Unit)
}

func (e *Executor) restartNetwork(ctx context.Context, req Request) (map[string]any, error) {
	return e.systemctl(ctx, "restart", e.cfg.NetworkUnit)
}

func (e *Executor) systemctl(ctx context.Context, op, unit string) (map[string]any, error) {
	res, err := e.runner.Run(ctx, e.cfg.Systemctl, []string{op, unit}, "")
	if err != nil {
		return nil, model.Wrap(model.ErrExecutionFailure, err, fmt.Sprintf("%s %s", op, unit))
	}
	out := map[string]any{"unit": unit, "operation": op, "exit_code": res.ExitCode}
	if s := clip(res.Stdout, e.cfg.MaxOutputBytes); s != "" {
		out["output"] = s
	}
	// "status" reports inactive units with a non-zero exit; that is an
	// answer, not a failure.
	if res.ExitCode != 0 && op != "status" && op != "is-active" {
		return nil, model.Errorf(model.ErrExecutionFailure, "systemctl %s %s exited %d", op, unit, res.ExitCode)
	}
	return out, nil
}

func clip(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
