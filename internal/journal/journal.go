// Package journal keeps a device-local SQLite record of reconciliation
// passes and per-file events. The journal is diagnostics only: it never
// feeds reconciliation decisions, and journal failures never abort a pass.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"savesync/internal/engine"
	"savesync/internal/journal/migrations"
)

// Pass is one recorded reconciliation pass.
type Pass struct {
	ID         string
	DeviceID   string
	Mode       string
	StartedAt  time.Time
	FinishedAt *time.Time
	Pushed     int
	Pulled     int
	Deleted    int
	Conflicts  int
	Errors     int
	Status     string
}

// Event is one recorded per-file action.
type Event struct {
	ID        int64
	PassID    string
	RelPath   string
	Action    string
	Hash      string
	Detail    string
	CreatedAt time.Time
}

// Journal implements engine.PassRecorder over SQLite.
type Journal struct {
	db    *sql.DB
	path  string
	clock engine.Clock
}

var _ engine.PassRecorder = (*Journal)(nil)

// Open opens (creating if needed) the journal at path, migrates it to the
// latest schema, and verifies the schema is current. path may be ":memory:"
// for tests. Event rows are stamped with the given clock.
func Open(path string, clock engine.Clock) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	// SQLite ships with foreign keys off for backward compatibility.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating journal: %w", err)
	}
	if err := migrations.CheckStatus(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema out of date: %w", err)
	}

	return &Journal{db: db, path: path, clock: clock}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// BeginPass records that a pass started.
func (j *Journal) BeginPass(passID, deviceID, mode string, startedAt time.Time) error {
	_, err := j.db.Exec(
		`INSERT INTO passes (id, device_id, mode, started_at) VALUES (?, ?, ?, ?)`,
		passID, deviceID, mode, startedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording pass start: %w", err)
	}
	return nil
}

// RecordEvent records one per-file action within a pass.
func (j *Journal) RecordEvent(passID, relPath, action, hash, detail string) error {
	_, err := j.db.Exec(
		`INSERT INTO events (pass_id, rel_path, action, hash, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		passID, relPath, action, hash, detail, j.clock.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}

// FinishPass records the pass outcome.
func (j *Journal) FinishPass(passID string, finishedAt time.Time, stats engine.PassStats, status string) error {
	_, err := j.db.Exec(
		`UPDATE passes
		 SET finished_at = ?, pushed = ?, pulled = ?, deleted = ?, conflicts = ?, errors = ?, status = ?
		 WHERE id = ?`,
		finishedAt.UTC(), stats.Pushed, stats.Pulled, stats.Deleted, stats.Conflicts, stats.Errors, status, passID,
	)
	if err != nil {
		return fmt.Errorf("recording pass finish: %w", err)
	}
	return nil
}

// RecentPasses returns up to limit passes, newest first.
func (j *Journal) RecentPasses(limit int) ([]*Pass, error) {
	rows, err := j.db.Query(
		`SELECT id, device_id, mode, started_at, finished_at, pushed, pulled, deleted, conflicts, errors, status
		 FROM passes ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying passes: %w", err)
	}
	defer rows.Close()

	var passes []*Pass
	for rows.Next() {
		var p Pass
		var finished sql.NullTime
		if err := rows.Scan(&p.ID, &p.DeviceID, &p.Mode, &p.StartedAt, &finished,
			&p.Pushed, &p.Pulled, &p.Deleted, &p.Conflicts, &p.Errors, &p.Status); err != nil {
			return nil, fmt.Errorf("scanning pass: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			p.FinishedAt = &t
		}
		passes = append(passes, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating passes: %w", err)
	}
	return passes, nil
}

// EventsForPass returns a pass's events in insertion order.
func (j *Journal) EventsForPass(passID string) ([]*Event, error) {
	rows, err := j.db.Query(
		`SELECT id, pass_id, rel_path, action, hash, detail, created_at
		 FROM events WHERE pass_id = ? ORDER BY id`, passID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.PassID, &e.RelPath, &e.Action, &e.Hash, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}
