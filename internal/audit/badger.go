package audit

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

var badgerPrefix = []byte("audit:")

// BadgerSink stores audit lines in BadgerDB under big-endian sequence keys,
// so key order is append order. SyncWrites makes every commit durable.
type BadgerSink struct {
	db   *badger.DB
	mu   sync.Mutex
	next uint64
}

// OpenBadgerSink opens (or creates) a Badger directory at dir.
func OpenBadgerSink(dir string) (*BadgerSink, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	opts := badger.DefaultOptions(dir)
	opts.SyncWrites = true
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: open badger: %w", err)
	}

	s := &BadgerSink{db: db}
	last, err := s.lastKey()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.next = last + 1
	return s, nil
}

func badgerKey(seq uint64) []byte {
	key := make([]byte, len(badgerPrefix)+8)
	copy(key, badgerPrefix)
	binary.BigEndian.PutUint64(key[len(badgerPrefix):], seq)
	return key
}

func (s *BadgerSink) lastKey() (uint64, error) {
	var seq uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks from just past the prefix range.
		seekKey := append(append([]byte{}, badgerPrefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seekKey)
		if it.ValidForPrefix(badgerPrefix) {
			seq = binary.BigEndian.Uint64(it.Item().Key()[len(badgerPrefix):])
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("audit: find tail: %w", err)
	}
	return seq, nil
}

func (s *BadgerSink) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.next
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(seq), append([]byte(nil), line...))
	})
	if err != nil {
		return fmt.Errorf("audit: badger set: %w", err)
	}
	s.next++
	return nil
}

func (s *BadgerSink) Scan(fn func(line []byte) error) error {
	var lines [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(badgerPrefix); it.ValidForPrefix(badgerPrefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			lines = append(lines, v)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("audit: badger scan: %w", err)
	}
	for _, line := range lines {
		if err := fn(line); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerSink) Last() ([]byte, error) {
	s.mu.Lock()
	seq := s.next - 1
	s.mu.Unlock()
	if seq == 0 {
		return nil, nil
	}

	var line []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(seq))
		if err != nil {
			return err
		}
		line, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("audit: badger last: %w", err)
	}
	return line, nil
}

func (s *BadgerSink) Close() error {
	return s.db.Close()
}
