package audit

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const maxLineSize = 1 << 20

// FileSink is an append-only JSONL file. Every append is fsynced.
type FileSink struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// OpenFileSink opens (or creates) a JSONL audit file for appending.
func OpenFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &FileSink{path: path, file: file}, nil
}

// OpenFileReader opens an existing JSONL audit file for read-back only.
// Append on the returned sink fails.
func OpenFileReader(path string) (*FileSink, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return &FileSink{path: path}, nil
}

// Path returns the file location.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return errors.New("audit: sink closed")
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}
	return nil
}

// Scan reads the file from the start through a separate handle, so it
// can run while the log is being appended to.
func (s *FileSink) Scan(fn func(line []byte) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("audit: open for read: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		// Copy since scanner reuses the buffer.
		line := make([]byte, len(raw))
		copy(line, raw)
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("audit: scan: %w", err)
	}
	return nil
}

func (s *FileSink) Last() ([]byte, error) {
	var last []byte
	err := s.Scan(func(line []byte) error {
		last = line
		return nil
	})
	return last, err
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
