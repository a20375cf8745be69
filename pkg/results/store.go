// Package results keeps a history of completed test runs in SQLite.
package results

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record is one test run. Error is set when the run could not complete;
// Passed is only meaningful when Error is empty.
type Record struct {
	ID         string    `json:"id"`
	Server     string    `json:"server"`
	Profile    string    `json:"profile"`
	Multiplier float64   `json:"multiplier"`
	Duration   float64   `json:"duration_seconds"`
	Passed     bool      `json:"passed"`
	Failures   []string  `json:"failures,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
	TxPackets  uint64    `json:"tx_packets"`
	RxPackets  uint64    `json:"rx_packets"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	// modernc.org/sqlite は PRAGMA を明示的に実行する必要がある
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		server TEXT NOT NULL,
		profile TEXT NOT NULL,
		multiplier REAL NOT NULL,
		duration_seconds REAL NOT NULL,
		passed INTEGER NOT NULL,
		failures TEXT NOT NULL DEFAULT '[]',
		warnings TEXT NOT NULL DEFAULT '[]',
		tx_packets INTEGER NOT NULL DEFAULT 0,
		rx_packets INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`)
	return err
}

// Save stores r under a new id and returns it.
func (s *Store) Save(r Record) (string, error) {
	failures, err := json.Marshal(nonNil(r.Failures))
	if err != nil {
		return "", fmt.Errorf("encode failures: %w", err)
	}
	warnings, err := json.Marshal(nonNil(r.Warnings))
	if err != nil {
		return "", fmt.Errorf("encode warnings: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.Exec(`INSERT INTO runs
		(id, server, profile, multiplier, duration_seconds, passed, failures, warnings,
		 tx_packets, rx_packets, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.Server, r.Profile, r.Multiplier, r.Duration, r.Passed, string(failures), string(warnings),
		int64(r.TxPackets), int64(r.RxPackets), r.Error, r.StartedAt.UTC(), r.FinishedAt.UTC())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT id, server, profile, multiplier, duration_seconds, passed, failures,
		warnings, tx_packets, rx_packets, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r                  Record
			failures, warnings string
			tx, rx             int64
		)
		if err := rows.Scan(&r.ID, &r.Server, &r.Profile, &r.Multiplier, &r.Duration, &r.Passed,
			&failures, &warnings, &tx, &rx, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(failures), &r.Failures); err != nil {
			return nil, fmt.Errorf("decode failures of %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings of %s: %w", r.ID, err)
		}
		r.TxPackets, r.RxPackets = uint64(tx), uint64(rx)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.db.Close() })
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
