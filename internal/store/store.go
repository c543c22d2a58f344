package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osimpipe/internal/engine"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store mirrors run reports into PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    id          UUID PRIMARY KEY,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL,
    succeeded   INTEGER NOT NULL,
    failed      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS trial_outcomes (
    run_id        UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    participant   TEXT NOT NULL,
    kind          TEXT NOT NULL,
    trial         TEXT NOT NULL,
    status        TEXT NOT NULL,
    attempt_index INTEGER,
    placeholders  INTEGER[] NOT NULL DEFAULT '{}',
    output        TEXT,
    error         TEXT,
    duration_ms   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS trial_outcomes_trial_idx ON trial_outcomes (participant, kind, trial);
`

const upsertRunSQL = `
INSERT INTO runs (id, started_at, finished_at, succeeded, failed)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
    finished_at = EXCLUDED.finished_at,
    succeeded = EXCLUDED.succeeded,
    failed = EXCLUDED.failed;
`

const deleteOutcomesSQL = `DELETE FROM trial_outcomes WHERE run_id = $1;`

const latestOutcomesSQL = `
SELECT DISTINCT ON (o.trial) o.trial, o.status, o.attempt_index, o.output, o.error
FROM trial_outcomes o
JOIN runs r ON r.id = o.run_id
WHERE o.participant = $1 AND o.kind = $2
ORDER BY o.trial, r.started_at DESC;
`

var outcomeColumns = []string{
	"run_id", "participant", "kind", "trial", "status",
	"attempt_index", "placeholders", "output", "error", "duration_ms",
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordRun writes a report in one transaction. Recording the same run again
// replaces its outcomes.
func (s *Store) RecordRun(ctx context.Context, report *engine.Report) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	runID := report.RunID.String()
	if _, err := tx.Exec(ctx, upsertRunSQL,
		runID,
		report.StartedAt.UTC(),
		report.FinishedAt.UTC(),
		report.Succeeded(),
		len(report.Failed()),
	); err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", runID, err)
	}
	if _, err := tx.Exec(ctx, deleteOutcomesSQL, runID); err != nil {
		return fmt.Errorf("failed to clear outcomes of run %s: %w", runID, err)
	}

	if len(report.Results) > 0 {
		if err := s.persistOutcomes(ctx, tx, runID, report.Results); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Recorded run.", zap.String("run_id", runID), zap.Int("outcomes", len(report.Results)))
	return nil
}

func (s *Store) persistOutcomes(ctx context.Context, tx pgx.Tx, runID string, results []engine.JobResult) error {
	rows := make([][]any, len(results))
	for i, r := range results {
		rows[i] = outcomeRow(runID, r)
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"trial_outcomes"}, outcomeColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy trial outcomes: %w", err)
	}
	if int(copyCount) != len(results) {
		return fmt.Errorf("mismatch in copied outcome count: expected %d, got %d", len(results), copyCount)
	}
	return nil
}

func outcomeRow(runID string, r engine.JobResult) []any {
	// attempt_index is only meaningful for a resolved export
	var attempt *int32
	if r.Status == engine.StatusSucceeded && r.Job.Kind != "" {
		a := int32(r.Outcome.AttemptIndex)
		attempt = &a
	}
	placeholders := make([]int32, len(r.Outcome.Placeholders))
	for i, p := range r.Outcome.Placeholders {
		placeholders[i] = int32(p)
	}
	kind := string(r.Job.Kind)
	if kind == "" {
		kind = string(r.Job.Type)
	}
	return []any{
		runID,
		r.Job.Participant,
		kind,
		r.Job.Trial,
		string(r.Status),
		attempt,
		placeholders,
		nullable(r.Outcome.Output),
		nullableErr(r.Err),
		r.Duration.Milliseconds(),
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableErr(err error) *string {
	if err == nil {
		return nil
	}
	return nullable(err.Error())
}

// TrialOutcome is the last recorded outcome of a trial.
type TrialOutcome struct {
	Trial        string
	Status       engine.Status
	AttemptIndex *int32
	Output       *string
	Error        *string
}

// LatestOutcomes returns the most recent outcome of each trial of a
// participant and kind.
func (s *Store) LatestOutcomes(ctx context.Context, participant, kind string) ([]TrialOutcome, error) {
	rows, err := s.pool.Query(ctx, latestOutcomesSQL, participant, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []TrialOutcome
	for rows.Next() {
		var o TrialOutcome
		var status string
		if err := rows.Scan(&o.Trial, &status, &o.AttemptIndex, &o.Output, &o.Error); err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		o.Status = engine.Status(status)
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
