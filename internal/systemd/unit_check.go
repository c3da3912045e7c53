package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Install paths of the unit file and its install-time hash.
const (
	UnitPath     = "/etc/systemd/system/kalpana-core.service"
	UnitHashPath = "/var/lib/kalpana/unit-file.sha256"
)

// InstallUnit writes content to unitPath and records its hash at hashPath
// as the baseline for CheckUnitFileIntegrity.
func InstallUnit(unitPath, hashPath, content string) error {
	if err := os.MkdirAll(filepath.Dir(unitPath), 0755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}
	if err := os.WriteFile(unitPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	return RecordUnitFileHash(unitPath, hashPath)
}

// RecordUnitFileHash writes the SHA-256 hash of unitPath to hashPath.
func RecordUnitFileHash(unitPath, hashPath string) error {
	data, err := os.ReadFile(unitPath)
	if err != nil {
		return fmt.Errorf("read unit file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(hashPath), 0700); err != nil {
		return fmt.Errorf("create hash dir: %w", err)
	}
	return os.WriteFile(hashPath, []byte(hashHex(data)+"\n"), 0600)
}

// CheckUnitFileIntegrity compares the unit file against its install-time
// hash. It returns a warning when the unit was modified, and an empty
// string when it matches or when there is nothing to compare (no unit,
// no stored hash).
func CheckUnitFileIntegrity(unitPath, hashPath string) string {
	if _, err := os.Stat(unitPath); err != nil {
		return ""
	}
	stored, err := os.ReadFile(hashPath)
	if err != nil {
		return ""
	}
	expected := strings.TrimSpace(string(stored))
	if len(expected) != 64 {
		return ""
	}

	data, err := os.ReadFile(unitPath)
	if err != nil {
		return fmt.Sprintf("cannot read unit file %s: %v", unitPath, err)
	}
	actual := hashHex(data)
	if actual == expected {
		return ""
	}
	return fmt.Sprintf("systemd unit file %s has been modified since installation (expected %s, got %s)",
		unitPath, expected[:16], actual[:16])
}

func hashHex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
