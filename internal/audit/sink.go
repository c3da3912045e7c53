package audit

import (
	"fmt"
	"os"
	"strings"
)

// Sink is the storage medium behind a Log. Append must be durable when it
// returns. Scan yields lines in append order.
type Sink interface {
	Append(line []byte) error
	Scan(fn func(line []byte) error) error
	Last() ([]byte, error)
	Close() error
}

// Sink kinds accepted by OpenSink.
const (
	SinkFile   = "file"
	SinkSQLite = "sqlite"
	SinkBadger = "badger"
)

// OpenSink opens the sink of the given kind at path. For badger, path is a
// directory.
func OpenSink(kind, path string) (Sink, error) {
	switch strings.ToLower(kind) {
	case "", SinkFile, "jsonl":
		return OpenFileSink(path)
	case SinkSQLite:
		return OpenSQLiteSink(path)
	case SinkBadger:
		return OpenBadgerSink(path)
	default:
		return nil, fmt.Errorf("audit: unknown sink %q", kind)
	}
}

// OpenSinkReader opens an existing sink for inspection tools. It fails
// instead of creating an empty store when path does not exist.
func OpenSinkReader(kind, path string) (Sink, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	switch strings.ToLower(kind) {
	case "", SinkFile, "jsonl":
		return OpenFileReader(path)
	default:
		return OpenSink(kind, path)
	}
}
