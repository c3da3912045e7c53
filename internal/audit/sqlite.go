package audit

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores audit lines in a single-table SQLite database.
// synchronous=FULL makes every committed insert durable.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (or creates) the database at path.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	// One writer keeps appends in a single total order.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteSink{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		line TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Append(line []byte) error {
	if _, err := s.db.Exec(`INSERT INTO audit_log (line) VALUES (?)`, string(line)); err != nil {
		return fmt.Errorf("audit: insert: %w", err)
	}
	return nil
}

func (s *SQLiteSink) Scan(fn func(line []byte) error) error {
	rows, err := s.db.Query(`SELECT line FROM audit_log ORDER BY id`)
	if err != nil {
		return fmt.Errorf("audit: query: %w", err)
	}
	// Collect first: the single connection stays busy while rows are open,
	// and fn may want to read from the same sink.
	var lines [][]byte
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			rows.Close()
			return fmt.Errorf("audit: scan row: %w", err)
		}
		lines = append(lines, []byte(line))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("audit: rows: %w", err)
	}
	rows.Close()

	for _, line := range lines {
		if err := fn(line); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteSink) Last() ([]byte, error) {
	var line string
	err := s.db.QueryRow(`SELECT line FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&line)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: last row: %w", err)
	}
	return []byte(line), nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
