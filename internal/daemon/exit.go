package daemon

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitForced     = 1
	ExitAuditFatal = 2
	ExitConfig     = 78 // EX_CONFIG
)

var (
	// ErrForcedShutdown means in-flight work was cancelled because it did
	// not finish within the shutdown timeout, or the core stopped on an
	// unexpected error.
	ErrForcedShutdown = errors.New("forced shutdown")
	// ErrAuditFatal means the audit log could not be written and the core
	// stopped rather than act without a record.
	ErrAuditFatal = errors.New("audit log failure")
)

// ConfigError marks failures to start from the given configuration.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("configuration: %v", e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// ExitCode maps a Run or New error onto the process exit status.
func ExitCode(err error) int {
	var cfgErr *ConfigError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &cfgErr):
		return ExitConfig
	case errors.Is(err, ErrAuditFatal):
		return ExitAuditFatal
	default:
		return ExitForced
	}
}
