// Package integrity is the startup self-check of the daemon: the running
// binary must match its recorded checksum, and the files that define its
// authority (config, rule set, token secret) must not be writable by
// anyone but root. Any violation refuses startup.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// ExpectedHash is set at build time via:
//
//	-ldflags "-X github.com/ppiankov/kalpana/internal/integrity.ExpectedHash=<sha256hex>"
//
// When empty, verification falls back to the checksum file.
var ExpectedHash string

// Violation kinds.
const (
	KindBinaryTamper      = "binary_tamper"
	KindUnsafePermissions = "unsafe_permissions"
)

// Violation is one failed check.
type Violation struct {
	Kind   string `json:"kind"`
	Path   string `json:"path"`
	Detail string `json:"detail"`
}

// Error collects every violation found by Check.
type Error struct {
	Violations []Violation
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s %s: %s", v.Kind, v.Path, v.Detail)
	}
	return "integrity: " + strings.Join(parts, "; ")
}

// Options selects what Check verifies.
type Options struct {
	// ChecksumFile holds the expected binary hash when ExpectedHash is
	// empty. A missing file skips the binary check.
	ChecksumFile string
	// Files must be root-owned and not group or world writable. Missing
	// files are skipped; the loader reports them.
	Files []string
}

// Check runs every check and returns an *Error listing all violations,
// or nil.
func Check(opts Options) error {
	var violations []Violation

	if v, err := verifyBinary(opts.ChecksumFile); err != nil {
		return err
	} else if v != nil {
		violations = append(violations, *v)
	}

	for _, path := range opts.Files {
		if path == "" {
			continue
		}
		if v := CheckFile(path); v != nil {
			violations = append(violations, *v)
		}
	}

	if len(violations) > 0 {
		return &Error{Violations: violations}
	}
	return nil
}

// Violations extracts the violations from a Check error.
func Violations(err error) []Violation {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Violations
	}
	return nil
}

func verifyBinary(checksumFile string) (*Violation, error) {
	expected := ExpectedHash
	if expected == "" {
		expected = loadChecksumFile(checksumFile)
	}
	if expected == "" {
		return nil, nil
	}

	exePath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("integrity: cannot resolve executable path: %w", err)
	}
	actual, err := hashFile(exePath)
	if err != nil {
		return nil, fmt.Errorf("integrity: cannot hash binary: %w", err)
	}
	if strings.EqualFold(actual, expected) {
		return nil, nil
	}
	return &Violation{
		Kind:   KindBinaryTamper,
		Path:   exePath,
		Detail: fmt.Sprintf("checksum mismatch (expected %s, got %s)", short(expected), short(actual)),
	}, nil
}

// CheckFile reports a violation when path is not owned by root or is
// writable by group or others.
func CheckFile(path string) *Violation {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil
	}
	if st.Uid != 0 {
		return &Violation{Kind: KindUnsafePermissions, Path: path, Detail: fmt.Sprintf("owned by uid %d, not root", st.Uid)}
	}
	if perm := st.Mode & 0o022; perm != 0 {
		return &Violation{Kind: KindUnsafePermissions, Path: path, Detail: fmt.Sprintf("mode %#o is group or world writable", st.Mode&0o777)}
	}
	return nil
}

// HashSelf returns the SHA-256 hex digest of the running binary.
func HashSelf() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("integrity: cannot resolve executable path: %w", err)
	}
	return hashFile(exePath)
}

// loadChecksumFile reads the expected hash. Returns empty string if the
// file is missing or does not hold a SHA-256 hex digest.
func loadChecksumFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	hash := strings.TrimSpace(string(data))
	if len(hash) == 64 && isHex(hash) {
		return hash
	}
	return ""
}

func isHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
