package router

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/warehouse/internal/cache"
	"github.com/sawpanic/warehouse/internal/model"
	"github.com/sawpanic/warehouse/internal/validate"
	"github.com/sawpanic/warehouse/internal/vendor"
	"github.com/sawpanic/warehouse/internal/vendorerr"
)

type stubClient struct {
	source  string
	candles []model.Candle
	err     error
	calls   int
}

func (s *stubClient) FetchRange(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time, isCrypto bool) ([]model.Candle, error) {
	s.calls++
	return s.candles, s.err
}
func (s *stubClient) Source() string       { return s.source }
func (s *stubClient) Stats() vendor.Stats { return vendor.Stats{} }

func cleanCandle(t time.Time) model.Candle {
	return model.Candle{
		Symbol: "BTC-USD", Timeframe: model.Timeframe1h, Time: t,
		Open: 100, High: 105, Low: 99, Close: 102, Volume: 1000,
	}
}

func TestFetchRange_PrimaryViableSkipsSecondary(t *testing.T) {
	primary := &stubClient{source: "binance", candles: []model.Candle{cleanCandle(time.Now())}}
	secondary := &stubClient{source: "kraken", candles: []model.Candle{cleanCandle(time.Now())}}

	r := New(primary, secondary, true, validate.DefaultThresholds(), zerolog.Nop())
	res, err := r.FetchRange(context.Background(), "BTC-USD", model.Timeframe1h, time.Now().Add(-time.Hour), time.Now(), model.AssetClassCrypto)

	require.NoError(t, err)
	assert.Equal(t, "binance", res.Source)
	assert.Equal(t, 0, secondary.calls)
}

func TestFetchRange_FallsBackWhenPrimaryUnavailable(t *testing.T) {
	primary := &stubClient{source: "binance", err: &vendorerr.Error{Kind: vendorerr.KindUnavailable, Provider: "binance"}}
	secondary := &stubClient{source: "kraken", candles: []model.Candle{cleanCandle(time.Now())}}

	r := New(primary, secondary, true, validate.DefaultThresholds(), zerolog.Nop())
	res, err := r.FetchRange(context.Background(), "BTC-USD", model.Timeframe1h, time.Now().Add(-time.Hour), time.Now(), model.AssetClassCrypto)

	require.NoError(t, err)
	assert.Equal(t, "kraken", res.Source)
}

func TestFetchRange_NoFallbackWhenDisabled(t *testing.T) {
	primary := &stubClient{source: "binance", err: &vendorerr.Error{Kind: vendorerr.KindUnavailable, Provider: "binance"}}
	secondary := &stubClient{source: "kraken", candles: []model.Candle{cleanCandle(time.Now())}}

	r := New(primary, secondary, false, validate.DefaultThresholds(), zerolog.Nop())
	_, err := r.FetchRange(context.Background(), "BTC-USD", model.Timeframe1h, time.Now().Add(-time.Hour), time.Now(), model.AssetClassCrypto)

	assert.Error(t, err)
	assert.Equal(t, 0, secondary.calls)
}

func TestFetchRange_CacheAbsorbsRepeatedCalls(t *testing.T) {
	primary := &stubClient{source: "binance", candles: []model.Candle{cleanCandle(time.Now())}}

	r := New(primary, nil, false, validate.DefaultThresholds(), zerolog.Nop()).WithCache(cache.New())

	start, end := time.Now().Add(-time.Hour), time.Now()
	_, err := r.FetchRange(context.Background(), "BTC-USD", model.Timeframe1h, start, end, model.AssetClassCrypto)
	require.NoError(t, err)
	_, err = r.FetchRange(context.Background(), "BTC-USD", model.Timeframe1h, start, end, model.AssetClassCrypto)
	require.NoError(t, err)

	assert.Equal(t, 1, primary.calls, "second fetch for the same range should be served from cache")
}
