package candle

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/warehouse/internal/model"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	return New(sqlxDB, time.Second), mock
}

func sampleCandle() model.Candle {
	return model.Candle{
		Symbol: "BTC-USD", Timeframe: model.Timeframe1h, Time: time.Now(),
		Open: 100, High: 105, Low: 99, Close: 102, Volume: 1000,
		Source: "binance", QualityScore: 0.9,
	}
}

func TestUpsertRange_EmptyBatchIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	n, err := s.UpsertRange(context.Background(), nil, false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRange_ForceSourceFalseKeepsExistingSourceOnConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`source = COALESCE\(candles\.source, EXCLUDED\.source\)`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	n, err := s.UpsertRange(context.Background(), []model.Candle{sampleCandle()}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRange_ForceSourceTrueLetsNewSourceWin(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`source = EXCLUDED\.source`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	n, err := s.UpsertRange(context.Background(), []model.Candle{sampleCandle()}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRange_RollsBackOnMidBatchFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO candles").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO candles").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	n, err := s.UpsertRange(context.Background(), []model.Candle{sampleCandle(), sampleCandle()}, true)
	require.Error(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatest_ReturnsNilWhenNoRows(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM candles").WillReturnError(sql.ErrNoRows)

	c, err := s.Latest(context.Background(), "BTC-USD", model.Timeframe1h)
	require.NoError(t, err)
	assert.Nil(t, c)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGlobalStats_MapsAggregateRow(t *testing.T) {
	s, mock := newMockStore(t)

	latest := time.Now()
	rows := sqlmock.NewRows([]string{"total_records", "validated_count", "validation_rate", "latest_timestamp"}).
		AddRow(int64(100), int64(80), 0.8, latest)
	mock.ExpectQuery("FROM candles").WillReturnRows(rows)

	stats, err := s.GlobalStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), stats.TotalRecords)
	assert.Equal(t, int64(80), stats.ValidatedCount)
	assert.Equal(t, 0.8, stats.ValidationRate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnvalidatedBatch_FiltersBySymbolAndTimeframeWhenGiven(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"symbol", "timeframe", "time", "open", "high", "low", "close", "volume", "vwap",
		"trade_count", "source", "quality_score", "validated", "validation_notes", "gap_detected", "volume_anomaly", "created_at"}
	rows := sqlmock.NewRows(cols).AddRow("BTC-USD", "1h", time.Now(), 1.0, 2.0, 0.5, 1.5, 10.0, nil,
		nil, "binance", 0.5, false, "", false, false, time.Now())
	mock.ExpectQuery("WHERE validated = false").WillReturnRows(rows)

	out, err := s.UnvalidatedBatch(context.Background(), "BTC-USD", model.Timeframe1h, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "BTC-USD", out[0].Symbol)
	require.NoError(t, mock.ExpectationsWereMet())
}
