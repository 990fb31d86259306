package scheduler

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/warehouse/internal/config"
	"github.com/sawpanic/warehouse/internal/model"
	"github.com/sawpanic/warehouse/internal/router"
	"github.com/sawpanic/warehouse/internal/store/candle"
	"github.com/sawpanic/warehouse/internal/store/job"
	"github.com/sawpanic/warehouse/internal/store/symbol"
	"github.com/sawpanic/warehouse/internal/validate"
	"github.com/sawpanic/warehouse/internal/vendor"
	"github.com/sawpanic/warehouse/internal/worker"
)

func TestGroupSymbols_PartitionsPreservingOrder(t *testing.T) {
	syms := []model.Symbol{{Symbol: "A"}, {Symbol: "B"}, {Symbol: "C"}, {Symbol: "D"}, {Symbol: "E"}}

	groups := groupSymbols(syms, 2)

	require.Len(t, groups, 3)
	assert.Equal(t, []string{"A", "B"}, names(groups[0]))
	assert.Equal(t, []string{"C", "D"}, names(groups[1]))
	assert.Equal(t, []string{"E"}, names(groups[2]))
}

func TestGroupSymbols_NonPositiveSizeDefaultsToOnePerGroup(t *testing.T) {
	syms := []model.Symbol{{Symbol: "A"}, {Symbol: "B"}}
	groups := groupSymbols(syms, 0)
	require.Len(t, groups, 2)
}

func TestSleepOrDone_ReturnsImmediatelyForNonPositiveDuration(t *testing.T) {
	err := sleepOrDone(context.Background(), 0)
	assert.NoError(t, err)
}

func TestSleepOrDone_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleepOrDone(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func names(syms []model.Symbol) []string {
	out := make([]string, len(syms))
	for i, s := range syms {
		out[i] = s.Symbol
	}
	return out
}

// stubClient is a minimal vendor.Client that never touches the network, so
// runSymbol's per-timeframe job creation can be exercised without a live
// vendor call. It always returns zero candles, which routes processUnit
// down the empty-unit path and keeps the mocked call sequence short.
type stubClient struct{ source string }

func (s *stubClient) FetchRange(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time, isCrypto bool) ([]model.Candle, error) {
	return nil, nil
}
func (s *stubClient) Source() string      { return s.source }
func (s *stubClient) Stats() vendor.Stats { return vendor.Stats{} }

func symbolRow(sym string, timeframes []string) *sqlmock.Rows {
	cols := []string{"symbol", "asset_class", "active", "timeframes", "date_added", "last_backfill", "backfill_status", "backfill_error"}
	return sqlmock.NewRows(cols).AddRow(sym, "crypto", true, pq.StringArray(timeframes), time.Now(), nil, "pending", "")
}

func jobRow(jobID, sym string, tf model.Timeframe, status model.JobStatus, totalFetched int64) *sqlmock.Rows {
	cols := []string{"id", "symbols", "timeframes", "start_date", "end_date", "status", "progress_pct",
		"symbols_completed", "symbols_total", "current_symbol", "current_timeframe",
		"total_records_fetched", "total_records_inserted", "error_message", "created_at", "started_at", "completed_at"}
	return sqlmock.NewRows(cols).AddRow(jobID, pq.StringArray{sym}, pq.StringArray{string(tf)},
		time.Now().Add(-time.Hour), time.Now(), string(status), 100, 1, 1, sym, string(tf),
		totalFetched, totalFetched, "", time.Now(), nil, nil)
}

func progressRows() *sqlmock.Rows {
	cols := []string{"job_id", "symbol", "timeframe", "status", "records_fetched", "records_inserted",
		"error_message", "started_at", "completed_at", "duration_seconds"}
	return sqlmock.NewRows(cols)
}

// expectJobForTimeframe queues every mock interaction one runSymbolTimeframe
// call is expected to make against the job store, for a single (symbol,
// timeframe) unit that fetches zero fresh candles.
func expectJobForTimeframe(t *testing.T, jobMock sqlmock.Sqlmock, sym string, tf model.Timeframe, jobID string) {
	t.Helper()

	// CreateJob
	jobMock.ExpectBegin()
	jobMock.ExpectExec("INSERT INTO backfill_jobs").WillReturnResult(sqlmock.NewResult(1, 1))
	jobMock.ExpectExec("INSERT INTO backfill_job_progress").WillReturnResult(sqlmock.NewResult(1, 1))
	jobMock.ExpectCommit()

	// StartJob
	jobMock.ExpectExec("UPDATE backfill_jobs SET status = 'running'").WillReturnResult(sqlmock.NewResult(1, 1))

	// GetStatus inside worker.Run
	jobMock.ExpectQuery("FROM backfill_jobs WHERE id").WillReturnRows(jobRow(jobID, sym, tf, model.JobRunning, 0))
	jobMock.ExpectQuery("FROM backfill_job_progress WHERE job_id").WillReturnRows(progressRows())

	// UpdateProgress for the empty unit
	jobMock.ExpectBegin()
	jobMock.ExpectExec("UPDATE backfill_job_progress SET").WillReturnResult(sqlmock.NewResult(1, 1))
	jobMock.ExpectQuery("SELECT count\\(\\*\\) FROM backfill_job_progress WHERE job_id = \\$1$").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	jobMock.ExpectQuery("status IN").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	jobMock.ExpectQuery("fully_done").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	jobMock.ExpectExec("UPDATE backfill_jobs SET").WillReturnResult(sqlmock.NewResult(1, 1))
	jobMock.ExpectCommit()

	// CompleteJob
	jobMock.ExpectExec("UPDATE backfill_jobs SET status = 'completed'").WillReturnResult(sqlmock.NewResult(1, 1))

	// GetStatus back in runSymbolTimeframe
	jobMock.ExpectQuery("FROM backfill_jobs WHERE id").WillReturnRows(jobRow(jobID, sym, tf, model.JobCompleted, 0))
	jobMock.ExpectQuery("FROM backfill_job_progress WHERE job_id").WillReturnRows(progressRows())
}

func TestRunSymbol_CreatesOneJobPerTimeframe(t *testing.T) {
	candleDB, candleMock, err := sqlmock.New()
	require.NoError(t, err)
	defer candleDB.Close()
	candleStore := candle.New(sqlx.NewDb(candleDB, "postgres"), time.Second)

	jobDB, jobMock, err := sqlmock.New()
	require.NoError(t, err)
	defer jobDB.Close()
	jobStore := job.New(sqlx.NewDb(jobDB, "postgres"), time.Second)

	symDB, symMock, err := sqlmock.New()
	require.NoError(t, err)
	defer symDB.Close()
	symRegistry := symbol.New(sqlx.NewDb(symDB, "postgres"), time.Second)

	r := router.New(&stubClient{source: "binance"}, nil, false, validate.DefaultThresholds(), zerolog.Nop())
	w := worker.New(jobStore, candleStore, symRegistry, r, validate.DefaultThresholds(), time.Second, zerolog.Nop())

	sched := New(config.Config{}, symRegistry, candleStore, jobStore, w, nil, zerolog.Nop())

	sym := model.Symbol{
		Symbol:     "BTC-USD",
		AssetClass: model.AssetClassCrypto,
		Active:     true,
		Timeframes: []model.Timeframe{model.Timeframe5m, model.Timeframe1h},
	}

	// candles.Latest is consulted once per timeframe to compute that
	// timeframe's own start — neither call shares a row with the other.
	candleMock.ExpectQuery("FROM candles").WillReturnError(sql.ErrNoRows)
	candleMock.ExpectQuery("FROM candles").WillReturnError(sql.ErrNoRows)

	expectJobForTimeframe(t, jobMock, sym.Symbol, model.Timeframe5m, "job-5m")
	expectJobForTimeframe(t, jobMock, sym.Symbol, model.Timeframe1h, "job-1h")

	// Worker.Run looks the symbol up twice per unit (once in Run, once in
	// processUnit); two units means four lookups total.
	for i := 0; i < 4; i++ {
		symMock.ExpectQuery("FROM symbols WHERE symbol").WillReturnRows(symbolRow(sym.Symbol, []string{"5m", "1h"}))
	}

	fetched, ok := sched.runSymbol(context.Background(), sym)

	assert.Equal(t, int64(0), fetched)
	assert.True(t, ok, "both timeframe jobs completed so the symbol counts as fully completed")

	assert.NoError(t, candleMock.ExpectationsWereMet())
	assert.NoError(t, jobMock.ExpectationsWereMet())
	assert.NoError(t, symMock.ExpectationsWereMet())
}
