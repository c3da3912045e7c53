package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/kalpana/internal/ratelimit"
)

// Rule grants or withholds one class of actions.
//
// Every non-empty matcher must match for the rule to apply. Actions is
// required. Principals and Clients are globs over the session identity;
// Capabilities must all be present on the identity; Params maps a request
// parameter name to a glob its value must match.
type Rule struct {
	ID           string            `yaml:"id"`
	Actions      []string          `yaml:"actions"`
	Principals   []string          `yaml:"principals,omitempty"`
	Clients      []string          `yaml:"clients,omitempty"`
	Capabilities []string          `yaml:"capabilities,omitempty"`
	Params       map[string]string `yaml:"params,omitempty"`
	Decision     string            `yaml:"decision"`
	Confirm      bool              `yaml:"confirm,omitempty"`
	Reason       string            `yaml:"reason,omitempty"`
}

// Config is the on-disk rule set document.
type Config struct {
	Version        int                         `yaml:"version"`
	ProtectedPaths []string                    `yaml:"protected_paths"`
	Rules          []Rule                      `yaml:"rules"`
	RateLimits     map[string]ratelimit.Config `yaml:"rate_limits,omitempty"`
}

// DefaultConfig returns the built-in rule set used when no policy file exists.
func DefaultConfig() *Config {
	return &Config{
		Version:        1,
		ProtectedPaths: []string{"/boot/**", "/kalpana/core/**"},
		Rules: []Rule{
			{
				ID:       "core-introspection",
				Actions:  []string{"status", "explain_last", "query_audit"},
				Decision: "allow",
				Reason:   "read-only core queries are open to every session",
			},
			{
				ID:       "user-read",
				Actions:  []string{"read_file", "list_dir"},
				Params:   map[string]string{"path": "{/home/**,/tmp/**}"},
				Decision: "allow",
				Reason:   "reading user and scratch space",
			},
			{
				ID:         "admin-read",
				Actions:    []string{"read_file", "list_dir"},
				Principals: []string{"admin", "root"},
				Decision:   "allow",
			},
			{
				ID:       "user-write",
				Actions:  []string{"write_file"},
				Params:   map[string]string{"path": "{/home/**,/tmp/**}"},
				Decision: "allow",
				Reason:   "writing inside user and scratch space",
			},
			{
				ID:         "admin-delete",
				Actions:    []string{"delete_file", "move_file"},
				Principals: []string{"admin"},
				Decision:   "allow",
				Confirm:    true,
				Reason:     "destructive file operations need operator approval",
			},
			{
				ID:         "admin-network",
				Actions:    []string{"restart_network"},
				Principals: []string{"admin"},
				Decision:   "require_confirmation",
				Reason:     "network restarts need operator approval",
			},
			{
				ID:       "service-status",
				Actions:  []string{"control_service"},
				Params:   map[string]string{"operation": "status"},
				Decision: "allow",
			},
			{
				ID:           "admin-services",
				Actions:      []string{"control_service"},
				Principals:   []string{"admin"},
				Capabilities: []string{"services"},
				Decision:     "require_confirmation",
				Reason:       "service changes need operator approval",
			},
			{
				ID:         "admin-commands",
				Actions:    []string{"run_command", "start_process", "kill_process"},
				Principals: []string{"admin"},
				Decision:   "require_confirmation",
				Reason:     "arbitrary commands need operator approval",
			},
			{
				ID:       "frontend-launch",
				Actions:  []string{"start_process"},
				Clients:  []string{"kalpana-shell", "kalpana-ui"},
				Decision: "allow",
				Reason:   "trusted front ends may launch applications",
			},
		},
		RateLimits: map[string]ratelimit.Config{
			"*":     {"*": {MaxRequests: 120, Window: time.Minute}},
			"guest": {"*": {MaxRequests: 30, Window: time.Minute}},
		},
	}
}

// LoadConfig loads a rule set document from a YAML file.
// Missing file returns defaults. Invalid YAML returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash loads a rule set document and returns its SHA-256 hash.
// The hash is computed over the raw YAML bytes on disk. When no file exists
// (defaults used), the hash is the SHA-256 of the default YAML template.
//
// Unlike a partial overlay, a policy file replaces the default rule set
// entirely: a rule list is never merged with built-in rules.
func LoadConfigWithHash(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) || path == "" {
			return DefaultConfig(), HashBytes([]byte(DefaultConfigYAML())), nil
		}
		return nil, "", fmt.Errorf("failed to read policy config: %w", err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, "", err
	}
	return cfg, HashBytes(data), nil
}

// ParseConfig decodes a rule set document. Unknown fields are rejected so a
// typo in a matcher cannot silently widen a rule.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to parse policy config: %w", err)
	}
	return cfg, nil
}

// HashBytes returns "sha256:<hex>" of data.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// DefaultConfigYAML returns a commented YAML string for init-policy.
// It decodes to the same rules as DefaultConfig.
func DefaultConfigYAML() string {
	return `# kalpana-core rule set
# Generated by: kalpana-core init-policy
#
# Evaluation order (cannot be changed):
#   1. Session rate limit -> deny (rule id ratelimit.<principal>.<action>)
#   2. Protected paths for write_file/delete_file/move_file -> deny (protected.path)
#   3. Most specific matching rule wins; ties go to the rule declared first
#   4. No matching rule -> deny (default.deny)
#
# Specificity: exact action 4, action glob 2, "*" 0; exact principal/client 2,
# glob 1, none 0; +1 per required capability; +1 per param constraint.
version: 1

# Paths no request may write, delete, or move, whatever the rules say.
protected_paths:
  - "/boot/**"
  - "/kalpana/core/**"

# Fields:
#   id:           stable rule id, recorded in every audit entry it decides
#   actions:      action kinds or globs (required)
#   principals:   session principal globs (optional)
#   clients:      client name globs from the handshake (optional)
#   capabilities: all must be present in the session token (optional)
#   params:       parameter name -> glob over its value (optional)
#   decision:     allow | deny | require_confirmation
#   confirm:      true turns an allow into require_confirmation
#   reason:       human-readable reason (optional)
rules:
  - id: core-introspection
    actions: [status, explain_last, query_audit]
    decision: allow
    reason: read-only core queries are open to every session

  - id: user-read
    actions: [read_file, list_dir]
    params:
      path: "{/home/**,/tmp/**}"
    decision: allow
    reason: reading user and scratch space

  - id: admin-read
    actions: [read_file, list_dir]
    principals: [admin, root]
    decision: allow

  - id: user-write
    actions: [write_file]
    params:
      path: "{/home/**,/tmp/**}"
    decision: allow
    reason: writing inside user and scratch space

  - id: admin-delete
    actions: [delete_file, move_file]
    principals: [admin]
    decision: allow
    confirm: true
    reason: destructive file operations need operator approval

  - id: admin-network
    actions: [restart_network]
    principals: [admin]
    decision: require_confirmation
    reason: network restarts need operator approval

  - id: service-status
    actions: [control_service]
    params:
      operation: status
    decision: allow

  - id: admin-services
    actions: [control_service]
    principals: [admin]
    capabilities: [services]
    decision: require_confirmation
    reason: service changes need operator approval

  - id: admin-commands
    actions: [run_command, start_process, kill_process]
    principals: [admin]
    decision: require_confirmation
    reason: arbitrary commands need operator approval

  - id: frontend-launch
    actions: [start_process]
    clients: [kalpana-shell, kalpana-ui]
    decision: allow
    reason: trusted front ends may launch applications

# Rolling-window limits: principal (or "*") -> action (or "*") -> limit.
rate_limits:
  "*":
    "*": {max_requests: 120, window: 1m}
  guest:
    "*": {max_requests: 30, window: 1m}
`
}
