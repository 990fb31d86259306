package repair

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/warehouse/internal/model"
	"github.com/sawpanic/warehouse/internal/router"
	"github.com/sawpanic/warehouse/internal/validate"
)

// fakeFetcher is a fake RangeFetcher whose behavior is scripted per call,
// grounded on the teacher's fake-provider test style.
type fakeFetcher struct {
	results []router.Result
	errs    []error
	calls   int
}

func (f *fakeFetcher) FetchRange(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time, class model.AssetClass) (router.Result, error) {
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i], f.errs[i]
}

func candleAt(d time.Time) model.Candle {
	return model.Candle{Open: 100, High: 101, Low: 99, Close: 100, Volume: 10, Time: d, Symbol: "AAPL", Timeframe: model.Timeframe1d}
}

func TestRepairGap_SucceedsOnFirstAttempt(t *testing.T) {
	fetcher := &fakeFetcher{
		results: []router.Result{{Candles: []model.Candle{candleAt(date(2025, 1, 6))}, Source: "binance"}},
		errs:    []error{nil},
	}
	store := &fakeCandleAccess{}
	d := New(store, fetcher, validate.DefaultThresholds(), zerolog.Nop())

	n, err := d.RepairGap(context.Background(), model.Gap{Symbol: "AAPL", Timeframe: model.Timeframe1d, Start: date(2025, 1, 6), End: date(2025, 1, 7)}, model.AssetClassStock)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, fetcher.calls)
}

func TestRepairGap_RetriesThenSucceeds(t *testing.T) {
	fetcher := &fakeFetcher{
		results: []router.Result{{}, {}, {Candles: []model.Candle{candleAt(date(2025, 1, 6))}, Source: "binance"}},
		errs:    []error{errors.New("timeout"), errors.New("timeout"), nil},
	}
	store := &fakeCandleAccess{}
	d := New(store, fetcher, validate.DefaultThresholds(), zerolog.Nop()).
		WithRetryDelays([]time.Duration{time.Millisecond, time.Millisecond})

	n, err := d.RepairGap(context.Background(), model.Gap{Symbol: "AAPL", Timeframe: model.Timeframe1d, Start: date(2025, 1, 6), End: date(2025, 1, 7)}, model.AssetClassStock)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, fetcher.calls)
}

func TestRepairGap_ExhaustsRetries(t *testing.T) {
	fetcher := &fakeFetcher{
		results: []router.Result{{}, {}, {}},
		errs:    []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout")},
	}
	store := &fakeCandleAccess{}
	d := New(store, fetcher, validate.DefaultThresholds(), zerolog.Nop()).
		WithRetryDelays([]time.Duration{time.Millisecond, time.Millisecond})

	_, err := d.RepairGap(context.Background(), model.Gap{Symbol: "AAPL", Timeframe: model.Timeframe1d, Start: date(2025, 1, 6), End: date(2025, 1, 7)}, model.AssetClassStock)
	assert.Error(t, err)
	assert.Equal(t, 3, fetcher.calls)
}
