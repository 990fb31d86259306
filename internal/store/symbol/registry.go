// Package symbol implements the Symbol Registry: CRUD with soft-delete over
// the tracked-instrument set, grounded on the same sqlx/lib/pq repository
// shape as the Candle Store.
package symbol

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/warehouse/internal/model"
)

// ErrDuplicate is returned by Add when the symbol already exists and is active.
var ErrDuplicate = errors.New("symbol already exists and is active")

// ErrNotFound is returned when a lookup or update targets an unknown symbol.
var ErrNotFound = errors.New("symbol not found")

// ErrInvalidTimeframe is returned when a caller-supplied timeframe set
// contains a code outside the closed set.
var ErrInvalidTimeframe = errors.New("timeframe not in the closed set")

// Registry is the Symbol Registry.
type Registry struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New constructs a Registry bound to an already-opened database handle.
func New(db *sqlx.DB, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Registry{db: db, timeout: timeout}
}

// Add normalizes symbol to uppercase and inserts it. If the symbol exists
// but is inactive, it is re-activated without losing historical candles
// (the candles are owned by the Candle Store and are never touched here).
func (r *Registry) Add(ctx context.Context, sym string, class model.AssetClass, timeframes []model.Timeframe) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	sym = strings.ToUpper(sym)
	if err := validateTimeframes(timeframes); err != nil {
		return err
	}

	existing, err := r.get(ctx, sym)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		if existing.Active {
			return ErrDuplicate
		}
		return r.reactivate(ctx, sym, timeframes)
	}

	const q = `
		INSERT INTO symbols (symbol, asset_class, active, timeframes, date_added, backfill_status)
		VALUES ($1, $2, true, $3, now(), 'pending')
	`
	if _, err := r.db.ExecContext(ctx, q, sym, class, timeframesToArray(timeframes)); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("add symbol %s: %w", sym, err)
	}
	return nil
}

func (r *Registry) reactivate(ctx context.Context, sym string, timeframes []model.Timeframe) error {
	const q = `UPDATE symbols SET active = true, timeframes = $2 WHERE symbol = $1`
	if _, err := r.db.ExecContext(ctx, q, sym, timeframesToArray(timeframes)); err != nil {
		return fmt.Errorf("reactivate symbol %s: %w", sym, err)
	}
	return nil
}

// SetActive toggles the active flag without deleting historical candles.
func (r *Registry) SetActive(ctx context.Context, sym string, active bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE symbols SET active = $2 WHERE symbol = $1`, strings.ToUpper(sym), active)
	if err != nil {
		return fmt.Errorf("set_active %s: %w", sym, err)
	}
	return checkRowsAffected(res, sym)
}

// UpdateTimeframes replaces the configured timeframe set after validating
// it against the closed set.
func (r *Registry) UpdateTimeframes(ctx context.Context, sym string, timeframes []model.Timeframe) error {
	if err := validateTimeframes(timeframes); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE symbols SET timeframes = $2 WHERE symbol = $1`,
		strings.ToUpper(sym), timeframesToArray(timeframes))
	if err != nil {
		return fmt.Errorf("update_timeframes %s: %w", sym, err)
	}
	return checkRowsAffected(res, sym)
}

// UpdateBackfillStatus records the outcome of the most recent backfill attempt.
func (r *Registry) UpdateBackfillStatus(ctx context.Context, sym string, status model.BackfillStatus, lastBackfill *time.Time, errMsg string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`UPDATE symbols SET backfill_status = $2, last_backfill = $3, backfill_error = $4 WHERE symbol = $1`,
		strings.ToUpper(sym), status, lastBackfill, errMsg)
	if err != nil {
		return fmt.Errorf("update_backfill_status %s: %w", sym, err)
	}
	return checkRowsAffected(res, sym)
}

// List returns tracked symbols, optionally filtered to active-only and/or a
// single asset class.
func (r *Registry) List(ctx context.Context, activeOnly bool, assetClassFilter model.AssetClass) ([]model.Symbol, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	q := `SELECT symbol, asset_class, active, timeframes, date_added, last_backfill, backfill_status, backfill_error FROM symbols WHERE true`
	args := []interface{}{}
	argN := 1
	if activeOnly {
		q += " AND active = true"
	}
	if assetClassFilter != "" {
		q += fmt.Sprintf(" AND asset_class = $%d", argN)
		args = append(args, assetClassFilter)
		argN++
	}
	q += " ORDER BY date_added ASC"

	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list symbols: %w", err)
	}
	defer rows.Close()

	var out []model.Symbol
	for rows.Next() {
		s, err := scanSymbol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Get returns a single symbol, case-insensitive on input.
func (r *Registry) Get(ctx context.Context, sym string) (*model.Symbol, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.get(ctx, strings.ToUpper(sym))
}

func (r *Registry) get(ctx context.Context, sym string) (*model.Symbol, error) {
	const q = `SELECT symbol, asset_class, active, timeframes, date_added, last_backfill, backfill_status, backfill_error FROM symbols WHERE symbol = $1`
	row := r.db.QueryRowxContext(ctx, q, sym)
	s, err := scanSymbol(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get symbol %s: %w", sym, err)
	}
	return &s, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSymbol(row rowScanner) (model.Symbol, error) {
	var s model.Symbol
	var tfArray pq.StringArray
	err := row.Scan(&s.Symbol, &s.AssetClass, &s.Active, &tfArray, &s.DateAdded, &s.LastBackfill, &s.BackfillStatus, &s.BackfillError)
	if err != nil {
		return model.Symbol{}, err
	}
	for _, t := range tfArray {
		s.Timeframes = append(s.Timeframes, model.Timeframe(t))
	}
	return s, nil
}

func validateTimeframes(timeframes []model.Timeframe) error {
	for _, t := range timeframes {
		if !model.ValidTimeframes[t] {
			return fmt.Errorf("%w: %s", ErrInvalidTimeframe, t)
		}
	}
	return nil
}

func timeframesToArray(timeframes []model.Timeframe) pq.StringArray {
	out := make(pq.StringArray, len(timeframes))
	for i, t := range timeframes {
		out[i] = string(t)
	}
	return out
}

func checkRowsAffected(res sql.Result, sym string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sym)
	}
	return nil
}
