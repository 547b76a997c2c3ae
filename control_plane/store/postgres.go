package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_runs (
	run_id        TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	target        TEXT NOT NULL,
	class         TEXT NOT NULL,
	state         TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	alerts        JSONB NOT NULL DEFAULT '[]',
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	cancelled     BOOLEAN NOT NULL DEFAULT FALSE,
	cancel_reason TEXT NOT NULL DEFAULT '',
	cancelled_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS workflow_runs_target_idx ON workflow_runs (target, started_at DESC);

CREATE TABLE IF NOT EXISTS workflow_steps (
	id          BIGSERIAL PRIMARY KEY,
	run_id      TEXT NOT NULL,
	step        TEXT NOT NULL,
	what        TEXT NOT NULL,
	target      TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS workflow_steps_run_idx ON workflow_steps (run_id, id);
`

// PostgresRunStore implements RunStore using a PostgreSQL backend.
type PostgresRunStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRunStore initializes a new PostgresRunStore with a connection pool.
func NewPostgresRunStore(ctx context.Context, connString string) (*PostgresRunStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresRunStore{pool: pool}, nil
}

// EnsureSchema creates the run tables if they are missing.
func (s *PostgresRunStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Ping checks the pool can reach the database.
func (s *PostgresRunStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresRunStore) Close() {
	s.pool.Close()
}

// --- Run Operations ---

func (s *PostgresRunStore) SaveRun(ctx context.Context, run *RunRecord) error {
	defer observe(time.Now())

	alerts, err := json.Marshal(run.Alerts)
	if err != nil {
		return err
	}
	// Cancellation columns are owned by MarkCancelled and never overwritten here.
	query := `
		INSERT INTO workflow_runs (run_id, name, target, class, state, error, alerts, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			name = EXCLUDED.name,
			target = EXCLUDED.target,
			class = EXCLUDED.class,
			state = EXCLUDED.state,
			error = EXCLUDED.error,
			alerts = EXCLUDED.alerts,
			finished_at = EXCLUDED.finished_at
	`
	_, err = s.pool.Exec(ctx, query,
		run.RunID, run.Name, run.Target, run.Class, string(run.State), run.Error,
		alerts, run.StartedAt, run.FinishedAt,
	)
	return err
}

func (s *PostgresRunStore) AppendStep(ctx context.Context, step *StepRecord) error {
	defer observe(time.Now())

	query := `
		INSERT INTO workflow_steps (run_id, step, what, target, outcome, detail, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.pool.Exec(ctx, query,
		step.RunID, string(step.Step), step.What, step.Target, string(step.Outcome),
		step.Detail, step.Error, step.StartedAt, step.FinishedAt,
	)
	return err
}

const runColumns = `run_id, name, target, class, state, error, alerts, started_at, finished_at, cancelled, cancel_reason, cancelled_at`

func scanRun(row pgx.Row) (*RunRecord, error) {
	var (
		r      RunRecord
		state  string
		alerts []byte
	)
	if err := row.Scan(
		&r.RunID, &r.Name, &r.Target, &r.Class, &state, &r.Error, &alerts,
		&r.StartedAt, &r.FinishedAt, &r.Cancelled, &r.CancelReason, &r.CancelledAt,
	); err != nil {
		return nil, err
	}
	r.State = RunState(state)
	if len(alerts) > 0 {
		if err := json.Unmarshal(alerts, &r.Alerts); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func (s *PostgresRunStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	defer observe(time.Now())

	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, err
	}

	steps, err := s.listSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.Steps = steps
	return run, nil
}

func (s *PostgresRunStore) listSteps(ctx context.Context, runID string) ([]StepRecord, error) {
	query := `
		SELECT run_id, step, what, target, outcome, detail, error, started_at, finished_at
		FROM workflow_steps WHERE run_id = $1 ORDER BY id ASC
	`
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var (
			st            StepRecord
			name, outcome string
		)
		if err := rows.Scan(
			&st.RunID, &name, &st.What, &st.Target, &outcome,
			&st.Detail, &st.Error, &st.StartedAt, &st.FinishedAt,
		); err != nil {
			return nil, err
		}
		st.Step = StepName(name)
		st.Outcome = StepOutcome(outcome)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ListRuns returns run summaries newest first. Steps are not loaded.
func (s *PostgresRunStore) ListRuns(ctx context.Context, target string, limit int) ([]*RunRecord, error) {
	defer observe(time.Now())

	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + runColumns + ` FROM workflow_runs
		WHERE ($1 = '' OR target = $1)
		ORDER BY started_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, target, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *PostgresRunStore) MarkCancelled(ctx context.Context, runID string, reason string, at time.Time) error {
	defer observe(time.Now())

	query := `UPDATE workflow_runs SET cancelled = TRUE, cancel_reason = $1, cancelled_at = $2 WHERE run_id = $3`
	tag, err := s.pool.Exec(ctx, query, reason, at, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}
