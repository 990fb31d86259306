// Package execlog persists SchedulerExecutionLog rows, the Scheduler's
// observability trail (spec §3, §4.8). Grounded on the same sqlx
// constructor-over-*sqlx.DB shape as the Candle Store and Job Store; a
// tick's log row is written twice (once at start, once at completion) so
// an in-flight tick is visible to anyone polling the table.
package execlog

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/warehouse/internal/model"
)

// Store persists SchedulerExecutionLog rows.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New constructs a Store bound to an already-opened database handle.
func New(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

// Record upserts one execution log entry, keyed on execution_id so the
// Scheduler's start-of-tick and end-of-tick writes for the same tick land
// on the same row.
func (s *Store) Record(ctx context.Context, entry model.SchedulerExecutionLog) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const q = `
		INSERT INTO scheduler_execution_log (
			execution_id, started_at, completed_at, successful_symbols,
			failed_symbols, total_records_processed, duration_seconds,
			status, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (execution_id) DO UPDATE SET
			completed_at = EXCLUDED.completed_at,
			successful_symbols = EXCLUDED.successful_symbols,
			failed_symbols = EXCLUDED.failed_symbols,
			total_records_processed = EXCLUDED.total_records_processed,
			duration_seconds = EXCLUDED.duration_seconds,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message
	`
	_, err := s.db.ExecContext(ctx, q,
		entry.ExecutionID, entry.StartedAt, entry.CompletedAt, entry.SuccessfulSymbols,
		entry.FailedSymbols, entry.TotalRecordsProcessed, entry.DurationSeconds,
		entry.Status, entry.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("record execution log %s: %w", entry.ExecutionID, err)
	}
	return nil
}

// Recent returns the most recent execution log entries, ordered by
// started_at descending, for operators reviewing scheduler health.
func (s *Store) Recent(ctx context.Context, limit int) ([]model.SchedulerExecutionLog, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	const q = `
		SELECT execution_id, started_at, completed_at, successful_symbols,
			failed_symbols, total_records_processed, duration_seconds,
			status, error_message
		FROM scheduler_execution_log
		ORDER BY started_at DESC
		LIMIT $1
	`
	var rows []model.SchedulerExecutionLog
	if err := s.db.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, fmt.Errorf("recent execution logs: %w", err)
	}
	return rows, nil
}
