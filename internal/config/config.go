// Package config loads the daemon configuration: YAML file, then
// KALPANA_* environment overrides, then validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/kalpana/internal/alert"
)

// Config is the daemon configuration.
type Config struct {
	DevMode   bool            `yaml:"dev_mode"`
	Socket    SocketConfig    `yaml:"socket"`
	Operator  OperatorConfig  `yaml:"operator"`
	Policy    PolicyConfig    `yaml:"policy"`
	Audit     AuditConfig     `yaml:"audit"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Auth      AuthConfig      `yaml:"auth"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Alerts    []alert.Config  `yaml:"alerts,omitempty"`
	Integrity IntegrityConfig `yaml:"integrity"`
	PIDFile   string          `yaml:"pid_file"`

	// Source is the file the configuration was read from, if any.
	Source string `yaml:"-"`
}

// SocketConfig is the client-facing socket.
type SocketConfig struct {
	Path  string `yaml:"path"`
	Mode  string `yaml:"mode"`
	Group string `yaml:"group"`
}

// OperatorConfig is the confirmation channel socket.
type OperatorConfig struct {
	Socket string `yaml:"socket"`
	Mode   string `yaml:"mode"`
	Group  string `yaml:"group"`
}

type PolicyConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

type AuditConfig struct {
	Sink                   string `yaml:"sink"`
	Path                   string `yaml:"path"`
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures"`
}

type TimeoutsConfig struct {
	Idle         time.Duration `yaml:"idle"`
	Handshake    time.Duration `yaml:"handshake"`
	Confirmation time.Duration `yaml:"confirmation"`
	Action       time.Duration `yaml:"action"`
	Shutdown     time.Duration `yaml:"shutdown"`
}

type AuthConfig struct {
	TokenSecret     string        `yaml:"token_secret"`
	TokenSecretFile string        `yaml:"token_secret_file"`
	RequireToken    bool          `yaml:"require_token"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
}

type ExecutorConfig struct {
	NetworkUnit    string `yaml:"network_unit"`
	MaxOutputBytes int    `yaml:"max_output_bytes"`
	MaxReadBytes   int    `yaml:"max_read_bytes"`
	Systemctl      string `yaml:"systemctl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Address string `yaml:"address"`
}

type TracingConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Endpoint      string  `yaml:"endpoint"`
	ServiceName   string  `yaml:"service_name"`
	Environment   string  `yaml:"environment"`
	SamplingRatio float64 `yaml:"sampling_ratio"`
	Insecure      bool    `yaml:"insecure"`
}

// IntegrityConfig controls the startup self-check.
type IntegrityConfig struct {
	// ChecksumFile holds the expected SHA-256 of the daemon binary.
	ChecksumFile string `yaml:"checksum_file"`
	// StrictPermissions refuses to start when the config, policy, or token
	// secret is writable by anyone but its root owner.
	StrictPermissions bool `yaml:"strict_permissions"`
}

// Production and development locations.
const (
	DefaultSocketPath   = "/run/kalpana/core.sock"
	DefaultOperatorPath = "/run/kalpana/operator.sock"
	DefaultPolicyPath   = "/etc/kalpana/policy.yaml"
	DefaultAuditPath    = "/var/lib/kalpana/audit.jsonl"
	DefaultPIDFile      = "/run/kalpana/kalpana-core.pid"
	DefaultConfigPath   = "/etc/kalpana/core.yaml"
	DefaultChecksumFile = "/etc/kalpana/binary.sha256"

	DevSocketPath   = "/tmp/kalpana-core.sock"
	DevOperatorPath = "/tmp/kalpana-operator.sock"
	DevDir          = ".kalpana"
)

// Default returns the production configuration.
func Default() *Config {
	return &Config{
		Socket:   SocketConfig{Path: DefaultSocketPath, Mode: "0660", Group: "kalpana"},
		Operator: OperatorConfig{Socket: DefaultOperatorPath, Mode: "0600"},
		Policy:   PolicyConfig{Path: DefaultPolicyPath, Watch: true},
		Audit:    AuditConfig{Sink: "file", Path: DefaultAuditPath, MaxConsecutiveFailures: 3},
		Timeouts: TimeoutsConfig{
			Idle:         5 * time.Minute,
			Handshake:    5 * time.Second,
			Confirmation: 2 * time.Minute,
			Action:       30 * time.Second,
			Shutdown:     10 * time.Second,
		},
		Auth: AuthConfig{TokenTTL: 24 * time.Hour},
		Executor: ExecutorConfig{
			NetworkUnit:    "NetworkManager.service",
			MaxOutputBytes: 64 << 10,
			MaxReadBytes:   512 << 10,
			Systemctl:      "systemctl",
		},
		Log:       LogConfig{Level: "info", Format: "json"},
		Tracing:   TracingConfig{ServiceName: "kalpana-core", Environment: "production", SamplingRatio: 1.0},
		Integrity: IntegrityConfig{ChecksumFile: DefaultChecksumFile, StrictPermissions: true},
		PIDFile:   DefaultPIDFile,
	}
}

// Load reads path over the defaults, applies the environment, and
// validates. An empty path skips the file. dev forces dev mode.
func Load(path string, dev bool) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.Source = path
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if dev {
		cfg.DevMode = true
	}
	if cfg.DevMode {
		cfg.ApplyDevPaths()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown keys.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyDevPaths moves every location still at its production default to a
// user-writable one.
func (c *Config) ApplyDevPaths() {
	swap := func(field *string, prod, dev string) {
		if *field == prod || *field == "" {
			*field = dev
		}
	}
	swap(&c.Socket.Path, DefaultSocketPath, DevSocketPath)
	swap(&c.Operator.Socket, DefaultOperatorPath, DevOperatorPath)
	swap(&c.Policy.Path, DefaultPolicyPath, DevDir+"/policy.yaml")
	swap(&c.Audit.Path, DefaultAuditPath, DevDir+"/audit.jsonl")
	swap(&c.PIDFile, DefaultPIDFile, DevDir+"/kalpana-core.pid")
	if c.Socket.Group == "kalpana" {
		c.Socket.Group = ""
	}
	if c.Tracing.Environment == "production" {
		c.Tracing.Environment = "development"
	}
	c.Integrity.StrictPermissions = false
}

// ApplyEnv overrides cfg from KALPANA_* variables. Malformed values are
// errors rather than silently ignored.
func ApplyEnv(c *Config) error {
	e := &envReader{}
	e.boolean("KALPANA_DEV_MODE", &c.DevMode)
	e.str("KALPANA_SOCKET", &c.Socket.Path)
	e.str("KALPANA_SOCKET_MODE", &c.Socket.Mode)
	e.str("KALPANA_SOCKET_GROUP", &c.Socket.Group)
	e.str("KALPANA_OPERATOR_SOCKET", &c.Operator.Socket)
	e.str("KALPANA_POLICY", &c.Policy.Path)
	e.boolean("KALPANA_POLICY_WATCH", &c.Policy.Watch)
	e.str("KALPANA_AUDIT_SINK", &c.Audit.Sink)
	e.str("KALPANA_AUDIT_PATH", &c.Audit.Path)
	e.integer("KALPANA_AUDIT_MAX_FAILURES", &c.Audit.MaxConsecutiveFailures)
	e.duration("KALPANA_IDLE_TIMEOUT", &c.Timeouts.Idle)
	e.duration("KALPANA_CONFIRM_TIMEOUT", &c.Timeouts.Confirmation)
	e.duration("KALPANA_ACTION_TIMEOUT", &c.Timeouts.Action)
	e.duration("KALPANA_SHUTDOWN_TIMEOUT", &c.Timeouts.Shutdown)
	e.str("KALPANA_TOKEN_SECRET", &c.Auth.TokenSecret)
	e.str("KALPANA_TOKEN_SECRET_FILE", &c.Auth.TokenSecretFile)
	e.boolean("KALPANA_REQUIRE_TOKEN", &c.Auth.RequireToken)
	e.str("KALPANA_NETWORK_UNIT", &c.Executor.NetworkUnit)
	e.str("KALPANA_LOG_LEVEL", &c.Log.Level)
	e.str("KALPANA_LOG_FORMAT", &c.Log.Format)
	e.str("KALPANA_METRICS_ADDR", &c.Metrics.Address)
	e.boolean("KALPANA_TRACING_ENABLED", &c.Tracing.Enabled)
	e.str("KALPANA_TRACING_ENDPOINT", &c.Tracing.Endpoint)
	e.float("KALPANA_TRACING_SAMPLING_RATIO", &c.Tracing.SamplingRatio)
	e.str("KALPANA_PID_FILE", &c.PIDFile)
	e.boolean("KALPANA_STRICT_PERMISSIONS", &c.Integrity.StrictPermissions)
	return e.err
}

type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.err = fmt.Errorf("%s: %w", key, err)
			return
		}
		*dst = d
	}
}
