// Package candle implements the Candle Store: the exclusive owner of
// persisted OHLCV rows, keyed (symbol, timeframe, time). The repository
// shape (constructor over *sqlx.DB plus a query timeout, parameterized
// queries, batch upsert in one transaction) is grounded on the teacher's
// postgres trades repository.
package candle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/warehouse/internal/model"
)

const (
	defaultFetchLimit = 1000
	maxFetchLimit     = 10000
	defaultMinQuality = 0.85
	defaultBatchSize  = 100
	maxBatchSize      = 5000
)

// Store is the Candle Store.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// New constructs a Store bound to an already-opened database handle.
func New(db *sqlx.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

// UpsertRange writes candles idempotently on (symbol, timeframe, time).
// The whole batch commits atomically or the connection rolls back and the
// reported count is 0, per spec §4.1 failure semantics.
//
// forceSource controls how a conflicting row's source column is resolved:
// false keeps whichever source first wrote the row (so a secondary-vendor
// gap-fill does not silently relabel a primary-sourced candle; no current
// caller passes false); true lets this call's source win, for callers that are
// intentionally re-fetching and want the row to reflect where the new data
// came from.
func (s *Store) UpsertRange(ctx context.Context, candles []model.Candle, forceSource bool) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	sourceSet := "source = COALESCE(candles.source, EXCLUDED.source)"
	if forceSource {
		sourceSet = "source = EXCLUDED.source"
	}

	q := fmt.Sprintf(`
		INSERT INTO candles (
			symbol, timeframe, time, open, high, low, close, volume, vwap,
			trade_count, source, quality_score, validated, validation_notes,
			gap_detected, volume_anomaly, created_at
		) VALUES (
			:symbol, :timeframe, :time, :open, :high, :low, :close, :volume, :vwap,
			:trade_count, :source, :quality_score, :validated, :validation_notes,
			:gap_detected, :volume_anomaly, now()
		)
		ON CONFLICT (symbol, timeframe, time) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			vwap = EXCLUDED.vwap,
			trade_count = EXCLUDED.trade_count,
			%s,
			quality_score = EXCLUDED.quality_score,
			validated = EXCLUDED.validated,
			validation_notes = EXCLUDED.validation_notes,
			gap_detected = EXCLUDED.gap_detected,
			volume_anomaly = EXCLUDED.volume_anomaly
	`, sourceSet)

	for _, c := range candles {
		if _, err := tx.NamedExecContext(ctx, q, c); err != nil {
			return 0, fmt.Errorf("upsert candle %s/%s/%s: %w", c.Symbol, c.Timeframe, c.Time, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit upsert tx: %w", err)
	}
	return len(candles), nil
}

// FetchRangeOpts captures the fetch_range filter knobs, with spec defaults
// applied by FetchRange when zero-valued.
type FetchRangeOpts struct {
	ValidatedOnly *bool
	MinQuality    *float64
	Limit         int
}

// FetchRange returns a time-ordered (ascending) candle slice for a
// (symbol, timeframe) window.
func (s *Store) FetchRange(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time, opts FetchRangeOpts) ([]model.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	validatedOnly := true
	if opts.ValidatedOnly != nil {
		validatedOnly = *opts.ValidatedOnly
	}
	minQuality := defaultMinQuality
	if opts.MinQuality != nil {
		minQuality = *opts.MinQuality
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	if limit > maxFetchLimit {
		limit = maxFetchLimit
	}

	const q = `
		SELECT symbol, timeframe, time, open, high, low, close, volume, vwap,
		       trade_count, source, quality_score, validated, validation_notes,
		       gap_detected, volume_anomaly, created_at
		FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND time >= $3 AND time <= $4
		  AND ($5 = false OR validated = true)
		  AND quality_score >= $6
		ORDER BY time ASC
		LIMIT $7
	`
	var out []model.Candle
	if err := s.db.SelectContext(ctx, &out, q, symbol, tf, start, end, validatedOnly, minQuality, limit); err != nil {
		return nil, fmt.Errorf("fetch_range %s/%s: %w", symbol, tf, err)
	}
	return out, nil
}

// Latest returns the most recent candle for (symbol, timeframe), or nil if none.
func (s *Store) Latest(ctx context.Context, symbol string, tf model.Timeframe) (*model.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const q = `
		SELECT symbol, timeframe, time, open, high, low, close, volume, vwap,
		       trade_count, source, quality_score, validated, validation_notes,
		       gap_detected, volume_anomaly, created_at
		FROM candles
		WHERE symbol = $1 AND timeframe = $2
		ORDER BY time DESC
		LIMIT 1
	`
	var c model.Candle
	if err := s.db.GetContext(ctx, &c, q, symbol, tf); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest %s/%s: %w", symbol, tf, err)
	}
	return &c, nil
}

// SymbolStats computes the per-symbol aggregate: record count, validation
// rate, latest timestamp, and data age. Configured timeframes are joined in
// by the caller (the Symbol Registry owns that data), not here.
func (s *Store) SymbolStats(ctx context.Context, symbol string) (model.SymbolStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const q = `
		SELECT
			count(*) AS record_count,
			coalesce(avg(CASE WHEN validated THEN 1.0 ELSE 0.0 END), 0) AS validation_rate,
			max(time) AS latest_timestamp
		FROM candles
		WHERE symbol = $1
	`
	var row struct {
		RecordCount     int64      `db:"record_count"`
		ValidationRate  float64    `db:"validation_rate"`
		LatestTimestamp *time.Time `db:"latest_timestamp"`
	}
	if err := s.db.GetContext(ctx, &row, q, symbol); err != nil {
		return model.SymbolStats{}, fmt.Errorf("symbol_stats %s: %w", symbol, err)
	}

	stats := model.SymbolStats{
		Symbol:          symbol,
		RecordCount:     row.RecordCount,
		ValidationRate:  row.ValidationRate,
		LatestTimestamp: row.LatestTimestamp,
	}
	if row.LatestTimestamp != nil {
		age := time.Since(*row.LatestTimestamp).Seconds()
		stats.DataAge = &age
	}
	return stats, nil
}

// GlobalStats computes the warehouse-wide aggregate exposed by GET /status:
// total record count, validated count, validation rate, and the most
// recent candle timestamp across every symbol.
func (s *Store) GlobalStats(ctx context.Context) (model.GlobalStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const q = `
		SELECT
			count(*) AS total_records,
			count(*) FILTER (WHERE validated) AS validated_count,
			coalesce(avg(CASE WHEN validated THEN 1.0 ELSE 0.0 END), 0) AS validation_rate,
			max(time) AS latest_timestamp
		FROM candles
	`
	var row struct {
		TotalRecords    int64      `db:"total_records"`
		ValidatedCount  int64      `db:"validated_count"`
		ValidationRate  float64    `db:"validation_rate"`
		LatestTimestamp *time.Time `db:"latest_timestamp"`
	}
	if err := s.db.GetContext(ctx, &row, q); err != nil {
		return model.GlobalStats{}, fmt.Errorf("global_stats: %w", err)
	}
	return model.GlobalStats{
		TotalRecords:    row.TotalRecords,
		ValidatedCount:  row.ValidatedCount,
		ValidationRate:  row.ValidationRate,
		LatestTimestamp: row.LatestTimestamp,
	}, nil
}

// UpdateValidation batch-updates quality scoring fields for a set of candle
// keys, in caller-tunable batches (default 100, up to 5000 per round-trip).
func (s *Store) UpdateValidation(ctx context.Context, updates []CandleValidationUpdate, batchSize int) error {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if batchSize > maxBatchSize {
		batchSize = maxBatchSize
	}

	const q = `
		UPDATE candles SET
			quality_score = :quality_score,
			validated = :validated,
			validation_notes = :validation_notes,
			gap_detected = :gap_detected,
			volume_anomaly = :volume_anomaly
		WHERE symbol = :symbol AND timeframe = :timeframe AND time = :time
	`

	for start := 0; start < len(updates); start += batchSize {
		end := start + batchSize
		if end > len(updates) {
			end = len(updates)
		}
		batch := updates[start:end]

		batchCtx, cancel := context.WithTimeout(ctx, s.timeout)
		tx, err := s.db.BeginTxx(batchCtx, nil)
		if err != nil {
			cancel()
			return fmt.Errorf("begin update_validation tx: %w", err)
		}
		for _, u := range batch {
			if _, err := tx.NamedExecContext(batchCtx, q, u); err != nil {
				tx.Rollback()
				cancel()
				return fmt.Errorf("update_validation %s/%s/%s: %w", u.Symbol, u.Timeframe, u.Time, err)
			}
		}
		if err := tx.Commit(); err != nil {
			cancel()
			return fmt.Errorf("commit update_validation tx: %w", err)
		}
		cancel()
	}
	return nil
}

// CandleValidationUpdate is one row of the update_validation batch operation.
type CandleValidationUpdate struct {
	Symbol          string           `db:"symbol"`
	Timeframe       model.Timeframe  `db:"timeframe"`
	Time            time.Time        `db:"time"`
	QualityScore    float64          `db:"quality_score"`
	Validated       bool             `db:"validated"`
	ValidationNotes string           `db:"validation_notes"`
	GapDetected     bool             `db:"gap_detected"`
	VolumeAnomaly   bool             `db:"volume_anomaly"`
}

// DistinctDates returns the distinct calendar dates (UTC) with at least one
// candle for (symbol, timeframe) within [start, end], used by the Gap
// Detector to diff against the expected calendar.
func (s *Store) DistinctDates(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) ([]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	const q = `
		SELECT DISTINCT date_trunc('day', time) AS d
		FROM candles
		WHERE symbol = $1 AND timeframe = $2 AND time >= $3 AND time <= $4
		ORDER BY d ASC
	`
	var dates []time.Time
	if err := s.db.SelectContext(ctx, &dates, q, symbol, tf, start, end); err != nil {
		return nil, fmt.Errorf("distinct_dates %s/%s: %w", symbol, tf, err)
	}
	return dates, nil
}

// UnvalidatedBatch returns up to limit candles with validated=false,
// optionally filtered by symbol/timeframe, for the revalidation repair pass.
func (s *Store) UnvalidatedBatch(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultBatchSize
	}

	q := `
		SELECT symbol, timeframe, time, open, high, low, close, volume, vwap,
		       trade_count, source, quality_score, validated, validation_notes,
		       gap_detected, volume_anomaly, created_at
		FROM candles
		WHERE validated = false
	`
	args := []interface{}{}
	argN := 1
	if symbol != "" {
		q += fmt.Sprintf(" AND symbol = $%d", argN)
		args = append(args, symbol)
		argN++
	}
	if tf != "" {
		q += fmt.Sprintf(" AND timeframe = $%d", argN)
		args = append(args, tf)
		argN++
	}
	q += fmt.Sprintf(" ORDER BY symbol, timeframe, time ASC LIMIT $%d", argN)
	args = append(args, limit)

	var out []model.Candle
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("unvalidated_batch: %w", err)
	}
	return out, nil
}
