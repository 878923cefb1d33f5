package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq" // registers the "postgres" driver
)

// EventSink receives a job's final event log when the job completes. Flush
// failures are logged by the tracker and never fail the job.
type EventSink interface {
	Flush(ctx context.Context, jobID string, events []Event) error
}

// PostgresEventSink persists completed job logs to PostgreSQL.
type PostgresEventSink struct {
	db *sql.DB
}

const sinkSchema = `
CREATE TABLE IF NOT EXISTS metering_events (
	id          TEXT PRIMARY KEY,
	job_id      TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	step_index  INT NOT NULL,
	step_name   TEXT NOT NULL,
	tool_id     TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	provider    TEXT,
	operation   TEXT,
	quantity    DOUBLE PRECISION NOT NULL,
	unit        TEXT NOT NULL,
	cost_usd    DOUBLE PRECISION NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	duration_ms BIGINT NOT NULL,
	metadata    JSONB
);
CREATE INDEX IF NOT EXISTS idx_metering_events_job ON metering_events(job_id);
CREATE INDEX IF NOT EXISTS idx_metering_events_tenant ON metering_events(tenant_id, started_at);
`

// OpenPostgresSink connects to postgres and ensures the schema.
func OpenPostgresSink(ctx context.Context, dsn string) (*PostgresEventSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("metering: open postgres: %w", err)
	}
	sink, err := NewPostgresSink(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

// NewPostgresSink wraps an existing database handle and ensures the schema.
func NewPostgresSink(ctx context.Context, db *sql.DB) (*PostgresEventSink, error) {
	if _, err := db.ExecContext(ctx, sinkSchema); err != nil {
		return nil, fmt.Errorf("metering: ensure schema: %w", err)
	}
	return &PostgresEventSink{db: db}, nil
}

// Close closes the underlying database handle.
func (s *PostgresEventSink) Close() error { return s.db.Close() }

// Flush writes the events in a single transaction.
func (s *PostgresEventSink) Flush(ctx context.Context, jobID string, events []Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("metering: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metering_events
			(id, job_id, tenant_id, step_index, step_name, tool_id, event_type,
			 provider, operation, quantity, unit, cost_usd, started_at, completed_at,
			 duration_ms, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("metering: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		var metadata []byte
		if e.Metadata != nil {
			metadata, err = json.Marshal(e.Metadata)
			if err != nil {
				return fmt.Errorf("metering: marshal metadata: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.JobID, e.TenantID, e.StepIndex,
			e.StepName, e.ToolID, e.EventType, e.Provider, e.Operation, e.Quantity,
			e.Unit, e.CostUSD, e.StartedAt, e.CompletedAt, e.DurationMS, metadata); err != nil {
			return fmt.Errorf("metering: insert event: %w", err)
		}
	}
	return tx.Commit()
}
