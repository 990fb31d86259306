package repair

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/warehouse/internal/model"
	"github.com/sawpanic/warehouse/internal/store/candle"
	"github.com/sawpanic/warehouse/internal/validate"
)

// fakeCandleAccess is an in-memory stand-in for the Candle Store, grounded
// on the teacher's fake-provider test style (fallback_chain_test.go).
type fakeCandleAccess struct {
	unvalidated []model.Candle
	updates     []candle.CandleValidationUpdate
	updateCalls int
}

func (f *fakeCandleAccess) DistinctDates(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) ([]time.Time, error) {
	return nil, nil
}

func (f *fakeCandleAccess) UpsertRange(ctx context.Context, candles []model.Candle, forceSource bool) (int, error) {
	return len(candles), nil
}

func (f *fakeCandleAccess) UnvalidatedBatch(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error) {
	return f.unvalidated, nil
}

func (f *fakeCandleAccess) UpdateValidation(ctx context.Context, updates []candle.CandleValidationUpdate, batchSize int) error {
	f.updateCalls++
	f.updates = append(f.updates, updates...)
	return nil
}

func TestRevalidate_ScoresAndWritesBack(t *testing.T) {
	fake := &fakeCandleAccess{
		unvalidated: []model.Candle{
			{Symbol: "AAPL", Timeframe: model.Timeframe1d, Time: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
				Open: 100, High: 101, Low: 99, Close: 100, Volume: 1000},
			{Symbol: "AAPL", Timeframe: model.Timeframe1d, Time: time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC),
				Open: 0, High: 101, Low: 99, Close: 100, Volume: 1000}, // constraint violation
		},
	}
	d := New(fake, nil, validate.DefaultThresholds(), zerolog.Nop())

	summary, err := d.Revalidate(context.Background(), RevalidateOpts{Class: model.AssetClassStock})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 1, summary.ValidatedCount)
	assert.Equal(t, 1, summary.RejectedCount)
	assert.Equal(t, 1, fake.updateCalls)
	assert.Len(t, fake.updates, 2)
}

func TestRevalidate_DryRunDoesNotCommit(t *testing.T) {
	fake := &fakeCandleAccess{
		unvalidated: []model.Candle{
			{Symbol: "BTC-USD", Timeframe: model.Timeframe1h, Time: time.Now(), Open: 100, High: 101, Low: 99, Close: 100, Volume: 10},
		},
	}
	d := New(fake, nil, validate.DefaultThresholds(), zerolog.Nop())

	summary, err := d.Revalidate(context.Background(), RevalidateOpts{DryRun: true, Class: model.AssetClassCrypto})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Scanned)
	assert.Equal(t, 0, fake.updateCalls, "dry run must not call UpdateValidation")
}

func TestRevalidate_EmptyBatchIsNoop(t *testing.T) {
	fake := &fakeCandleAccess{}
	d := New(fake, nil, validate.DefaultThresholds(), zerolog.Nop())

	summary, err := d.Revalidate(context.Background(), RevalidateOpts{})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Scanned)
}
