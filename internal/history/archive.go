// Package history archives job outcomes and journal events to SQLite for
// diagnostics. The archive is bounded by periodic pruning, not by size.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"github.com/adjutant-app/adjutant/internal/journal"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	class       TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	state       TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	payload     BLOB,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	finished_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_history_finished ON job_history(finished_at);

CREATE TABLE IF NOT EXISTS event_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id   TEXT NOT NULL,
	domain     TEXT NOT NULL,
	event_type TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	payload    BLOB,
	occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_history_occurred ON event_history(occurred_at);
`

// JobOutcome is one archived terminal job result.
type JobOutcome struct {
	JobID      string                 `json:"job_id"`
	Kind       string                 `json:"kind"`
	Class      string                 `json:"class"`
	Category   string                 `json:"category,omitempty"`
	State      string                 `json:"state"`
	Attempts   int                    `json:"attempts"`
	Error      string                 `json:"error,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
	FinishedAt time.Time              `json:"finished_at"`
}

// Archive is the SQLite-backed history store.
type Archive struct {
	db   *sql.DB
	path string
	log  zerolog.Logger
}

// Open opens (or creates) the archive database and applies the schema.
func Open(path string, log zerolog.Logger) (*Archive, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve archive path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	connStr := abs +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)" +
		"&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer, archive is not a hot path

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping archive: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply archive schema: %w", err)
	}

	return &Archive{
		db:   db,
		path: abs,
		log:  log.With().Str("component", "history").Logger(),
	}, nil
}

// Close closes the archive database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// RecordJobOutcome archives one terminal job result.
func (a *Archive) RecordJobOutcome(outcome JobOutcome) error {
	payload, err := msgpack.Marshal(outcome.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode job payload: %w", err)
	}
	if outcome.FinishedAt.IsZero() {
		outcome.FinishedAt = time.Now()
	}

	_, err = a.db.Exec(`
		INSERT INTO job_history (job_id, kind, class, category, state, attempts, error, payload, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		outcome.JobID, outcome.Kind, outcome.Class, outcome.Category, outcome.State,
		outcome.Attempts, outcome.Error, payload, outcome.DurationMs, outcome.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive job outcome: %w", err)
	}
	return nil
}

// RecordEvent archives one journal event.
func (a *Archive) RecordEvent(event journal.ChangeEvent) error {
	payload, err := msgpack.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	_, err = a.db.Exec(`
		INSERT INTO event_history (event_id, domain, event_type, source, payload, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Domain.String(), event.EventType, event.Source, payload, event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive event: %w", err)
	}
	return nil
}

// RecentJobs returns the latest archived job outcomes, newest first.
func (a *Archive) RecentJobs(limit int) ([]JobOutcome, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := a.db.Query(`
		SELECT job_id, kind, class, category, state, attempts, error, payload, duration_ms, finished_at
		FROM job_history ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job history: %w", err)
	}
	defer rows.Close()

	var out []JobOutcome
	for rows.Next() {
		var o JobOutcome
		var payload []byte
		if err := rows.Scan(&o.JobID, &o.Kind, &o.Class, &o.Category, &o.State,
			&o.Attempts, &o.Error, &payload, &o.DurationMs, &o.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job history row: %w", err)
		}
		if len(payload) > 0 {
			if err := msgpack.Unmarshal(payload, &o.Payload); err != nil {
				a.log.Warn().Err(err).Str("job_id", o.JobID).Msg("Undecodable archived payload, skipped")
			}
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// RecentEvents returns the latest archived journal events, newest first.
func (a *Archive) RecentEvents(limit int) ([]journal.ChangeEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := a.db.Query(`
		SELECT event_id, domain, event_type, source, payload, occurred_at
		FROM event_history ORDER BY occurred_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query event history: %w", err)
	}
	defer rows.Close()

	var out []journal.ChangeEvent
	for rows.Next() {
		var e journal.ChangeEvent
		var domain string
		var payload []byte
		if err := rows.Scan(&e.ID, &domain, &e.EventType, &e.Source, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event history row: %w", err)
		}
		e.Domain = journal.ParseDomain(domain)
		if len(payload) > 0 {
			if err := msgpack.Unmarshal(payload, &e.Payload); err != nil {
				a.log.Warn().Err(err).Str("event_id", e.ID).Msg("Undecodable archived payload, skipped")
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes archive rows older than the retention window and returns
// the number of rows removed.
func (a *Archive) Prune(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC()

	var total int64
	for _, table := range []string{"job_history", "event_history"} {
		res, err := a.db.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table, pruneColumn(table)), cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if total > 0 {
		a.log.Info().Int64("rows", total).Dur("retention", retention).Msg("Archive pruned")
	}
	return total, nil
}

func pruneColumn(table string) string {
	if table == "event_history" {
		return "occurred_at"
	}
	return "finished_at"
}
