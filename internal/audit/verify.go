package audit

import (
	"encoding/json"
	"errors"
	"fmt"
)

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

type chainBreak struct {
	line int
	msg  string
}

func (c *chainBreak) Error() string { return c.msg }

// Verify walks a JSONL audit file and validates the hash chain.
func Verify(path string) VerifyResult {
	sink, err := OpenFileReader(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer sink.Close()
	return VerifySink(sink)
}

// VerifySink validates the hash chain and sequence numbering of any sink.
// Returns Valid=true if the chain is intact, or details about the first
// broken link.
func VerifySink(sink Sink) VerifyResult {
	lineNum := 0
	var prevLine []byte
	var prevSeq uint64

	err := sink.Scan(func(line []byte) error {
		lineNum++

		var entry AuditEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return &chainBreak{lineNum, fmt.Sprintf("parse error: %v", err)}
		}

		if lineNum == 1 {
			if entry.PrevHash != GenesisHash {
				return &chainBreak{1, fmt.Sprintf("first entry prev_hash is %q, expected genesis hash", entry.PrevHash)}
			}
		} else {
			expected := HashLine(prevLine)
			if entry.PrevHash != expected {
				return &chainBreak{lineNum, fmt.Sprintf("hash mismatch: expected %s, got %s", expected, entry.PrevHash)}
			}
		}

		if entry.Seq != prevSeq+1 {
			return &chainBreak{lineNum, fmt.Sprintf("sequence gap: expected %d, got %d", prevSeq+1, entry.Seq)}
		}

		prevLine = line
		prevSeq = entry.Seq
		return nil
	})

	var cb *chainBreak
	if errors.As(err, &cb) {
		return VerifyResult{Error: cb.msg, ErrorLine: cb.line}
	}
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}
	return VerifyResult{Valid: true, Lines: lineNum}
}
