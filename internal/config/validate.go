package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Socket.Path == "" {
		return fmt.Errorf("socket.path is required")
	}
	if c.Operator.Socket == "" {
		return fmt.Errorf("operator.socket is required")
	}
	if c.Operator.Socket == c.Socket.Path {
		return fmt.Errorf("operator.socket must differ from socket.path")
	}
	if _, err := parseMode(c.Socket.Mode); err != nil {
		return fmt.Errorf("socket.mode: %w", err)
	}
	if m, err := parseMode(c.Operator.Mode); err != nil {
		return fmt.Errorf("operator.mode: %w", err)
	} else if m&0o007 != 0 {
		return fmt.Errorf("operator.mode %#o must not grant access to others", m)
	}

	switch strings.ToLower(c.Audit.Sink) {
	case "file", "jsonl", "sqlite", "badger":
	default:
		return fmt.Errorf("audit.sink %q must be file, sqlite, or badger", c.Audit.Sink)
	}
	if c.Audit.Path == "" {
		return fmt.Errorf("audit.path is required")
	}
	if c.Audit.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("audit.max_consecutive_failures must be at least 1")
	}

	t := c.Timeouts
	for name, d := range map[string]int64{
		"idle": int64(t.Idle), "handshake": int64(t.Handshake), "confirmation": int64(t.Confirmation),
		"action": int64(t.Action), "shutdown": int64(t.Shutdown),
	} {
		if d <= 0 {
			return fmt.Errorf("timeouts.%s must be positive", name)
		}
	}

	if c.Auth.RequireToken && c.Auth.TokenSecret == "" && c.Auth.TokenSecretFile == "" {
		return fmt.Errorf("auth.require_token needs auth.token_secret or auth.token_secret_file")
	}
	if c.Auth.TokenSecret != "" && len(c.Auth.TokenSecret) < 16 {
		return fmt.Errorf("auth.token_secret must be at least 16 bytes")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or console)", c.Log.Format)
	}

	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
		}
		if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
			return fmt.Errorf("tracing.sampling_ratio must be within [0, 1]")
		}
	}
	if c.Executor.MaxOutputBytes <= 0 || c.Executor.MaxReadBytes <= 0 {
		return fmt.Errorf("executor byte limits must be positive")
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			return fmt.Errorf("alerts[%d].url is required", i)
		}
		if len(a.Events) == 0 {
			return fmt.Errorf("alerts[%d].events must name at least one event", i)
		}
		switch a.Format {
		case "", "generic", "slack", "pagerduty":
		default:
			return fmt.Errorf("alerts[%d].format %q must be generic, slack, or pagerduty", i, a.Format)
		}
	}
	return nil
}

// SocketMode returns the client socket permissions.
func (c *Config) SocketMode() os.FileMode {
	m, _ := parseMode(c.Socket.Mode)
	return m
}

// OperatorMode returns the operator socket permissions.
func (c *Config) OperatorMode() os.FileMode {
	m, _ := parseMode(c.Operator.Mode)
	return m
}

// TokenSecret returns the capability token key, reading the secret file
// when one is configured. Empty means tokens are disabled.
func (c *Config) TokenSecret() ([]byte, error) {
	if c.Auth.TokenSecretFile != "" {
		data, err := os.ReadFile(c.Auth.TokenSecretFile)
		if err != nil {
			return nil, fmt.Errorf("read token secret: %w", err)
		}
		secret := strings.TrimSpace(string(data))
		if len(secret) < 16 {
			return nil, fmt.Errorf("token secret in %s must be at least 16 bytes", c.Auth.TokenSecretFile)
		}
		return []byte(secret), nil
	}
	if c.Auth.TokenSecret == "" {
		return nil, nil
	}
	return []byte(c.Auth.TokenSecret), nil
}

func parseMode(s string) (os.FileMode, error) {
	if s == "" {
		return 0, fmt.Errorf("mode is required")
	}
	m, err := strconv.ParseUint(s, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("%q is not an octal permission", s)
	}
	return os.FileMode(m), nil
}
