// Package store persists experiments, ad events, and daily performance
// summaries in embedded SQLite. It also exposes a kv.Store-compatible
// table so single-binary deployments need no external session store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fourpillars/adpilot/internal/experiment"
)

var ErrNotFound = errors.New("not found")

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    variants TEXT NOT NULL,
    metrics TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    winner TEXT,
    participants INTEGER NOT NULL DEFAULT 0,
    results TEXT,
    started_at INTEGER NOT NULL DEFAULT (unixepoch()),
    ends_at INTEGER,
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);

CREATE TABLE IF NOT EXISTS ad_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_type TEXT NOT NULL,
    unit TEXT,
    experiment_id TEXT,
    variant_id TEXT,
    session_id TEXT,
    value REAL NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_ad_events_type ON ad_events(event_type);
CREATE INDEX IF NOT EXISTS idx_ad_events_experiment ON ad_events(experiment_id, variant_id);

CREATE TABLE IF NOT EXISTS perf_daily (
    day TEXT PRIMARY KEY,
    summary TEXT NOT NULL,
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    expires_at INTEGER
);
`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection for health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// SaveExperiment upserts the experiment's definition and current results.
func (s *SQLiteStore) SaveExperiment(ctx context.Context, exp *experiment.Experiment) error {
	variantsJSON, err := json.Marshal(exp.Variants)
	if err != nil {
		return fmt.Errorf("failed to marshal variants: %w", err)
	}
	metricsJSON, err := json.Marshal(exp.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	resultsJSON, err := json.Marshal(exp.Results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}

	var endsAt sql.NullInt64
	if !exp.EndsAt.IsZero() {
		endsAt = sql.NullInt64{Int64: exp.EndsAt.Unix(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, name, description, variants, metrics, status, winner, participants, results, started_at, ends_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     name = excluded.name,
		     description = excluded.description,
		     variants = excluded.variants,
		     metrics = excluded.metrics,
		     status = excluded.status,
		     winner = excluded.winner,
		     participants = excluded.participants,
		     results = excluded.results,
		     ends_at = excluded.ends_at,
		     updated_at = excluded.updated_at`,
		exp.ID, exp.Name, exp.Description, string(variantsJSON), string(metricsJSON),
		string(exp.Status), exp.Winner, exp.Participants, string(resultsJSON),
		exp.StartedAt.Unix(), endsAt, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, variants, metrics, status, winner, participants, results, started_at, ends_at
		 FROM experiments WHERE id = ?`, id)

	exp, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return exp, nil
}

func (s *SQLiteStore) ListExperiments(ctx context.Context) ([]*experiment.Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, variants, metrics, status, winner, participants, results, started_at, ends_at
		 FROM experiments ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var exps []*experiment.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		exps = append(exps, exp)
	}
	return exps, nil
}

// UpdateExperimentStatus transitions an experiment, optionally recording a
// winner variant.
func (s *SQLiteStore) UpdateExperimentStatus(ctx context.Context, id string, status experiment.Status, winner string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET status = ?, winner = ?, updated_at = ? WHERE id = ?`,
		string(status), winner, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update experiment status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAdEvent appends one event to the raw log.
func (s *SQLiteStore) RecordAdEvent(ctx context.Context, eventType, unit, experimentID, variantID, sessionID string, value float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ad_events (event_type, unit, experiment_id, variant_id, session_id, value, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		eventType, unit, experimentID, variantID, sessionID, value, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record ad event: %w", err)
	}
	return nil
}

// EventCounts returns totals per event type.
func (s *SQLiteStore) EventCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM ad_events GROUP BY event_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[eventType] = count
	}
	return counts, nil
}

// SaveDailySummary upserts the performance summary for a day.
func (s *SQLiteStore) SaveDailySummary(ctx context.Context, day, summaryJSON string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO perf_daily (day, summary, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(day) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at`,
		day, summaryJSON, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save daily summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDailySummary(ctx context.Context, day string) (string, error) {
	var summary string
	err := s.db.QueryRowContext(ctx,
		`SELECT summary FROM perf_daily WHERE day = ?`, day).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get daily summary: %w", err)
	}
	return summary, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (*experiment.Experiment, error) {
	var exp experiment.Experiment
	var description, winner sql.NullString
	var variantsJSON, metricsJSON, resultsJSON sql.NullString
	var startedAt int64
	var endsAt sql.NullInt64
	var status string

	err := row.Scan(&exp.ID, &exp.Name, &description, &variantsJSON, &metricsJSON,
		&status, &winner, &exp.Participants, &resultsJSON, &startedAt, &endsAt)
	if err != nil {
		return nil, err
	}

	exp.Description = description.String
	exp.Winner = winner.String
	exp.Status = experiment.Status(status)
	exp.StartedAt = time.Unix(startedAt, 0)
	if endsAt.Valid {
		exp.EndsAt = time.Unix(endsAt.Int64, 0)
	}

	if variantsJSON.Valid && variantsJSON.String != "" {
		if err := json.Unmarshal([]byte(variantsJSON.String), &exp.Variants); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variants: %w", err)
		}
	}
	if metricsJSON.Valid && metricsJSON.String != "" {
		if err := json.Unmarshal([]byte(metricsJSON.String), &exp.Metrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metrics: %w", err)
		}
	}
	if resultsJSON.Valid && resultsJSON.String != "" {
		if err := json.Unmarshal([]byte(resultsJSON.String), &exp.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal results: %w", err)
		}
	}

	return &exp, nil
}
