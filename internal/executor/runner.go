package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
)

// CommandResult captures a finished subprocess.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Runner starts subprocesses. Tests substitute a fake.
type Runner interface {
	// Run executes and waits. A non-zero exit is reported in the result,
	// not as an error.
	Run(ctx context.Context, name string, args []string, dir string) (CommandResult, error)
	// Start launches a detached process and returns its pid.
	Start(name string, args []string, dir string) (int, error)
}

// ExecRunner runs real processes.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, dir string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return res, err
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			res.ExitCode = status.ExitStatus()
		} else {
			res.ExitCode = exitErr.ExitCode()
		}
	}
	return res, nil
}

func (ExecRunner) Start(name string, args []string, dir string) (int, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Reap in the background so the child never lingers as a zombie.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}
