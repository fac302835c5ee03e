package trafficlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores events in an embedded SQLite database, one row per
// event, tagged with the run that produced it. It uses modernc.org/sqlite
// which is pure Go (no CGO).
type SQLiteSink struct {
	db    *sql.DB
	runID string

	mu  sync.Mutex // serializes writes (SQLite is single-writer)
	seq int64
}

// OpenSQLite opens or creates the journal database at path and runs the
// schema migration. Events written through the returned sink carry runID.
func OpenSQLite(path, runID string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	// Single connection for writes to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteSink{db: db, runID: runID}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS traffic (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			label      TEXT NOT NULL,
			payload    BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traffic_run ON traffic(run_id, seq)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}
	return nil
}

// Write inserts ev as the next row of the current run.
func (s *SQLiteSink) Write(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	_, err := s.db.Exec(
		`INSERT INTO traffic (run_id, seq, label, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.runID, s.seq, ev.Label, ev.Payload, ev.Time,
	)
	if err != nil {
		return fmt.Errorf("writing journal row: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// RunSummary describes one bridge run recorded in the journal.
type RunSummary struct {
	RunID   string
	Events  int
	Started time.Time
}

// Runs lists the recorded runs, most recent first.
func (s *SQLiteSink) Runs(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.run_id, c.n, t.created_at
		   FROM traffic t
		   JOIN (SELECT run_id, COUNT(*) AS n, MIN(id) AS first FROM traffic GROUP BY run_id) c
		     ON t.id = c.first
		  ORDER BY t.id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.Events, &r.Started); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Events returns the events of one run in arrival order.
func (s *SQLiteSink) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT label, payload, created_at FROM traffic WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Label, &ev.Payload, &ev.Time); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
