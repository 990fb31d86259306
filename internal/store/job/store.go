// Package job implements the Backfill Job Store: persisted jobs and
// per-(symbol,timeframe) progress rows with transactional lifecycle
// transitions, grounded on the same sqlx transactional-batch pattern as the
// Candle Store's upsert path.
package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/warehouse/internal/model"
)

// ErrNotFound is returned when a job_id or unit lookup fails.
var ErrNotFound = errors.New("job not found")

// Store is the Backfill Job Store.
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

// CreateJob initializes a queued job and pre-creates one progress row per
// (symbol, timeframe) in state pending, so the total unit count is
// |symbols| x |timeframes|.
func (s *Store) CreateJob(ctx context.Context, symbols []string, timeframes []model.Timeframe, start, end time.Time) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	jobID := uuid.NewString()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin create_job tx: %w", err)
	}
	defer tx.Rollback()

	const jobQ = `
		INSERT INTO backfill_jobs (
			id, symbols, timeframes, start_date, end_date, status,
			progress_pct, symbols_completed, symbols_total, created_at
		) VALUES ($1, $2, $3, $4, $5, 'queued', 0, 0, $6, now())
	`
	if _, err := tx.ExecContext(ctx, jobQ, jobID, pq.Array(symbols), pq.Array(timeframesToStrings(timeframes)), start, end, len(symbols)); err != nil {
		return "", fmt.Errorf("create_job insert: %w", err)
	}

	const progQ = `
		INSERT INTO backfill_job_progress (job_id, symbol, timeframe, status)
		VALUES ($1, $2, $3, 'pending')
	`
	for _, sym := range symbols {
		for _, tf := range timeframes {
			if _, err := tx.ExecContext(ctx, progQ, jobID, sym, tf); err != nil {
				return "", fmt.Errorf("create_job progress row %s/%s: %w", sym, tf, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit create_job tx: %w", err)
	}
	return jobID, nil
}

// StartJob transitions queued -> running and stamps started_at.
func (s *Store) StartJob(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE backfill_jobs SET status = 'running', started_at = now() WHERE id = $1 AND status = 'queued'`, jobID)
	if err != nil {
		return fmt.Errorf("start_job %s: %w", jobID, err)
	}
	return checkRowsAffected(res, jobID)
}

// UpdateProgress transitions the matching unit to completed or failed,
// recomputes progress_pct from completed-unit count, and atomically updates
// the job's current_symbol/current_timeframe and aggregate counters.
func (s *Store) UpdateProgress(ctx context.Context, jobID, sym string, tf model.Timeframe, fetched, inserted int64, unitErr error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update_progress tx: %w", err)
	}
	defer tx.Rollback()

	status := "completed"
	errMsg := ""
	if unitErr != nil {
		status = "failed"
		errMsg = unitErr.Error()
	}

	const unitQ = `
		UPDATE backfill_job_progress SET
			status = $4, records_fetched = $5, records_inserted = $6,
			error_message = $7, completed_at = now(),
			duration_seconds = EXTRACT(EPOCH FROM (now() - COALESCE(started_at, now())))
		WHERE job_id = $1 AND symbol = $2 AND timeframe = $3
	`
	res, err := tx.ExecContext(ctx, unitQ, jobID, sym, tf, status, fetched, inserted, errMsg)
	if err != nil {
		return fmt.Errorf("update_progress unit %s/%s: %w", sym, tf, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: unit %s/%s for job %s", ErrNotFound, sym, tf, jobID)
	}

	var total, completedUnits int
	if err := tx.GetContext(ctx, &total, `SELECT count(*) FROM backfill_job_progress WHERE job_id = $1`, jobID); err != nil {
		return fmt.Errorf("count total units: %w", err)
	}
	if err := tx.GetContext(ctx, &completedUnits,
		`SELECT count(*) FROM backfill_job_progress WHERE job_id = $1 AND status IN ('completed','failed')`, jobID); err != nil {
		return fmt.Errorf("count completed units: %w", err)
	}

	// A symbol counts toward symbols_completed once every one of its
	// timeframe units has reached 'completed' — a single failed unit holds
	// the whole symbol back, since the caller reads symbols_completed as
	// "fully backfilled," not "attempted."
	var symbolsCompleted int
	const symbolsCompletedQ = `
		SELECT count(*) FROM (
			SELECT symbol FROM backfill_job_progress
			WHERE job_id = $1
			GROUP BY symbol
			HAVING bool_and(status = 'completed')
		) fully_done
	`
	if err := tx.GetContext(ctx, &symbolsCompleted, symbolsCompletedQ, jobID); err != nil {
		return fmt.Errorf("count completed symbols: %w", err)
	}

	pct := 0
	if total > 0 {
		pct = int(math.Round(100 * float64(completedUnits) / float64(total)))
	}

	const jobQ = `
		UPDATE backfill_jobs SET
			progress_pct = $2,
			symbols_completed = $3,
			current_symbol = $4,
			current_timeframe = $5,
			total_records_fetched = total_records_fetched + $6,
			total_records_inserted = total_records_inserted + $7
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, jobQ, jobID, pct, symbolsCompleted, sym, tf, fetched, inserted); err != nil {
		return fmt.Errorf("update_progress job aggregate: %w", err)
	}

	return tx.Commit()
}

// CompleteJob transitions running -> completed, stamps completed_at, and
// sets progress_pct to 100.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE backfill_jobs SET status = 'completed', completed_at = now(), progress_pct = 100 WHERE id = $1 AND status = 'running'`, jobID)
	if err != nil {
		return fmt.Errorf("complete_job %s: %w", jobID, err)
	}
	return checkRowsAffected(res, jobID)
}

// FailJob transitions -> failed, leaving progress_pct at its last value.
func (s *Store) FailJob(ctx context.Context, jobID, errMsg string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE backfill_jobs SET status = 'failed', completed_at = now(), error_message = $2 WHERE id = $1`, jobID, errMsg)
	if err != nil {
		return fmt.Errorf("fail_job %s: %w", jobID, err)
	}
	return checkRowsAffected(res, jobID)
}

// GetStatus returns the full job status payload including per-unit detail.
func (s *Store) GetStatus(ctx context.Context, jobID string) (*model.BackfillJob, []model.JobProgress, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}

	const unitsQ = `
		SELECT job_id, symbol, timeframe, status, records_fetched, records_inserted,
		       error_message, started_at, completed_at, duration_seconds
		FROM backfill_job_progress WHERE job_id = $1 ORDER BY symbol, timeframe
	`
	var units []model.JobProgress
	if err := s.db.SelectContext(ctx, &units, unitsQ, jobID); err != nil {
		return nil, nil, fmt.Errorf("get_status units %s: %w", jobID, err)
	}
	return job, units, nil
}

func (s *Store) getJob(ctx context.Context, jobID string) (*model.BackfillJob, error) {
	const q = `
		SELECT id, symbols, timeframes, start_date, end_date, status, progress_pct,
		       symbols_completed, symbols_total, current_symbol, current_timeframe,
		       total_records_fetched, total_records_inserted, error_message,
		       created_at, started_at, completed_at
		FROM backfill_jobs WHERE id = $1
	`
	var row struct {
		model.BackfillJob
		Symbols    pq.StringArray `db:"symbols"`
		Timeframes pq.StringArray `db:"timeframes"`
	}
	if err := s.db.GetContext(ctx, &row, q, jobID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get_job %s: %w", jobID, err)
	}
	job := row.BackfillJob
	job.Symbols = []string(row.Symbols)
	for _, t := range row.Timeframes {
		job.Timeframes = append(job.Timeframes, model.Timeframe(t))
	}
	return &job, nil
}

// Recent returns the most recent jobs ordered by created_at descending.
func (s *Store) Recent(ctx context.Context, limit int) ([]model.BackfillJob, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 || limit > 100 {
		limit = 20
	}

	const q = `
		SELECT id, symbols, timeframes, start_date, end_date, status, progress_pct,
		       symbols_completed, symbols_total, current_symbol, current_timeframe,
		       total_records_fetched, total_records_inserted, error_message,
		       created_at, started_at, completed_at
		FROM backfill_jobs ORDER BY created_at DESC LIMIT $1
	`
	rows, err := s.db.QueryxContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("recent jobs: %w", err)
	}
	defer rows.Close()

	var out []model.BackfillJob
	for rows.Next() {
		var row struct {
			model.BackfillJob
			Symbols    pq.StringArray `db:"symbols"`
			Timeframes pq.StringArray `db:"timeframes"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan recent job: %w", err)
		}
		job := row.BackfillJob
		job.Symbols = []string(row.Symbols)
		for _, t := range row.Timeframes {
			job.Timeframes = append(job.Timeframes, model.Timeframe(t))
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func timeframesToStrings(timeframes []model.Timeframe) []string {
	out := make([]string, len(timeframes))
	for i, t := range timeframes {
		out[i] = string(t)
	}
	return out
}

func checkRowsAffected(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return nil
}
