// Package router implements the Multi-Source Router: wraps an ordered list
// of Vendor Clients and applies the primary/fallback/quality-comparison
// policy from spec §4.4. Grounded on the teacher's ProviderChain
// (internal/provider/fallback_chain_test.go) — health-check skip, typed
// circuit/rate-limit error detection, score-based source comparison —
// generalized from order-book fetching to candle-range fetching.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/sawpanic/warehouse/internal/cache"
	"github.com/sawpanic/warehouse/internal/model"
	"github.com/sawpanic/warehouse/internal/net/budget"
	"github.com/sawpanic/warehouse/internal/net/circuit"
	"github.com/sawpanic/warehouse/internal/validate"
	"github.com/sawpanic/warehouse/internal/vendor"
	"github.com/sawpanic/warehouse/internal/vendorerr"
)

// qualityImprovementMargin is the spec's ">5%" bar secondary must clear to
// be preferred over a viable primary result.
const qualityImprovementMargin = 0.05

// fetchCacheTTL bounds how long a raw vendor fetch result is reused for an
// identical (provider, symbol, timeframe, start, end) request. It exists
// to absorb the overlapping requests a gap-repair retry burst or a
// staggered scheduler group can produce against the same unit, not to
// serve genuinely stale data — it is far shorter than any candle's bucket
// width.
const fetchCacheTTL = 20 * time.Second

// Result is the Router's fetch_range return: candles plus the source tag.
type Result struct {
	Candles []model.Candle
	Source  string
}

// Router wraps primary and secondary Vendor Clients.
type Router struct {
	primary   vendor.Client
	secondary vendor.Client

	primaryBreaker   *circuit.Breaker
	secondaryBreaker *gobreaker.CircuitBreaker
	budgets          *budget.Manager

	thresholds     validate.Thresholds
	enableFallback bool
	log            zerolog.Logger

	cache cache.Cache
}

// WithCache attaches a short-TTL cache of raw vendor fetch results, keyed
// per provider/symbol/timeframe/range, so overlapping requests (a
// gap-repair retry against a unit the scheduler just touched, or two
// staggered scheduler groups racing the same symbol) don't double-spend
// the provider's rate-limit budget.
func (r *Router) WithCache(c cache.Cache) *Router {
	r.cache = c
	return r
}

// New constructs a Router. secondary may be nil when ENABLE_FALLBACK is
// false. Each source is given a daily request budget tracker (reset at UTC
// midnight) so a free-tier vendor key degrades to KindBudgetExhausted before the
// vendor itself starts returning 429s.
func New(primary, secondary vendor.Client, enableFallback bool, thresholds validate.Thresholds, log zerolog.Logger) *Router {
	budgets := budget.NewManager()
	budgets.AddProvider(primary.Source(), 100000, 0, 0.8)

	r := &Router{
		primary:        primary,
		secondary:      secondary,
		enableFallback: enableFallback,
		thresholds:     thresholds,
		log:            log,
		budgets:        budgets,
		primaryBreaker: circuit.New(circuit.Config{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenDuration:     30 * time.Second,
			CallTimeout:      60 * time.Second,
		}),
	}
	if secondary != nil {
		budgets.AddProvider(secondary.Source(), 15000, 0, 0.8)
		r.secondaryBreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "router-secondary-" + secondary.Source(),
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return r
}

// BudgetStats exposes per-provider daily usage for the HTTP /status endpoint.
func (r *Router) BudgetStats() map[string]budget.Stats {
	return r.budgets.Stats()
}

// PrimaryBreakerStats exposes the primary source's circuit breaker counters
// for the HTTP /status endpoint.
func (r *Router) PrimaryBreakerStats() circuit.Stats {
	return r.primaryBreaker.Stats()
}

// FetchRange implements the spec §4.4 fallback policy.
func (r *Router) FetchRange(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time, class model.AssetClass) (Result, error) {
	isCrypto := class == model.AssetClassCrypto

	primaryCandles, primaryErr := r.callPrimary(ctx, symbol, tf, start, end, isCrypto)
	primaryViable := primaryErr == nil && len(primaryCandles) > 0
	primaryQuality := sampleQuality(primaryCandles, class, r.thresholds)

	if primaryViable && primaryQuality >= r.thresholds.QualityThreshold {
		return Result{Candles: primaryCandles, Source: r.primary.Source()}, nil
	}

	needsFallback := !primaryViable ||
		(primaryErr != nil && vendorerr.IsRetryableForRouter(primaryErr)) ||
		primaryQuality < r.thresholds.QualityThreshold

	if !needsFallback || !r.enableFallback || r.secondary == nil {
		if primaryViable {
			return Result{Candles: primaryCandles, Source: r.primary.Source()}, nil
		}
		return Result{}, primaryErrOrEmpty(primaryErr, symbol, tf)
	}

	secondaryCandles, secondaryErr := r.callSecondary(ctx, symbol, tf, start, end, isCrypto)
	secondaryViable := secondaryErr == nil && len(secondaryCandles) > 0
	secondaryQuality := sampleQuality(secondaryCandles, class, r.thresholds)

	switch {
	case secondaryViable && secondaryQuality > primaryQuality+qualityImprovementMargin:
		return Result{Candles: secondaryCandles, Source: r.secondary.Source()}, nil
	case primaryViable:
		return Result{Candles: primaryCandles, Source: r.primary.Source()}, nil
	case secondaryViable:
		return Result{Candles: secondaryCandles, Source: r.secondary.Source()}, nil
	default:
		return Result{}, &RouterError{Symbol: symbol, Timeframe: tf, PrimaryErr: primaryErr, SecondaryErr: secondaryErr}
	}
}

func (r *Router) callPrimary(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time, isCrypto bool) ([]model.Candle, error) {
	key := fetchCacheKey(r.primary.Source(), symbol, tf, start, end)
	if candles, ok := r.cacheGet(key); ok {
		return candles, nil
	}

	if err := r.budgets.Consume(r.primary.Source()); err != nil {
		var exhausted *budget.BudgetExhaustedError
		if errors.As(err, &exhausted) {
			return nil, &vendorerr.Error{Kind: vendorerr.KindBudgetExhausted, Provider: r.primary.Source(), Symbol: symbol, Err: err}
		}
		r.log.Warn().Err(err).Str("provider", r.primary.Source()).Msg("budget warning")
	}

	var candles []model.Candle
	err := r.primaryBreaker.Call(ctx, func(ctx context.Context) error {
		var cerr error
		candles, cerr = r.primary.FetchRange(ctx, symbol, tf, start, end, isCrypto)
		if cerr != nil && !vendorerr.IsEmpty(cerr) {
			return cerr
		}
		return nil
	})
	if errors.Is(err, circuit.ErrOpen) {
		return nil, &vendorerr.Error{Kind: vendorerr.KindUnavailable, Provider: r.primary.Source(), Symbol: symbol, Err: err}
	}
	if err == nil {
		r.cacheSet(key, candles)
	}
	return candles, err
}

func (r *Router) callSecondary(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time, isCrypto bool) ([]model.Candle, error) {
	key := fetchCacheKey(r.secondary.Source(), symbol, tf, start, end)
	if candles, ok := r.cacheGet(key); ok {
		return candles, nil
	}

	if err := r.budgets.Consume(r.secondary.Source()); err != nil {
		var exhausted *budget.BudgetExhaustedError
		if errors.As(err, &exhausted) {
			return nil, &vendorerr.Error{Kind: vendorerr.KindBudgetExhausted, Provider: r.secondary.Source(), Symbol: symbol, Err: err}
		}
		r.log.Warn().Err(err).Str("provider", r.secondary.Source()).Msg("budget warning")
	}

	result, err := r.secondaryBreaker.Execute(func() (interface{}, error) {
		candles, cerr := r.secondary.FetchRange(ctx, symbol, tf, start, end, isCrypto)
		if cerr != nil && !vendorerr.IsEmpty(cerr) {
			return nil, cerr
		}
		return candles, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return nil, &vendorerr.Error{Kind: vendorerr.KindUnavailable, Provider: r.secondary.Source(), Symbol: symbol, Err: err}
		}
		return nil, err
	}
	candles, _ := result.([]model.Candle)
	r.cacheSet(key, candles)
	return candles, nil
}

func fetchCacheKey(provider, symbol string, tf model.Timeframe, start, end time.Time) string {
	return provider + "|" + symbol + "|" + string(tf) + "|" +
		strconv.FormatInt(start.Unix(), 10) + "|" + strconv.FormatInt(end.Unix(), 10)
}

func (r *Router) cacheGet(key string) ([]model.Candle, bool) {
	if r.cache == nil {
		return nil, false
	}
	raw, ok := r.cache.Get(key)
	if !ok {
		return nil, false
	}
	var candles []model.Candle
	if err := json.Unmarshal(raw, &candles); err != nil {
		return nil, false
	}
	return candles, true
}

func (r *Router) cacheSet(key string, candles []model.Candle) {
	if r.cache == nil || len(candles) == 0 {
		return
	}
	raw, err := json.Marshal(candles)
	if err != nil {
		return
	}
	r.cache.Set(key, raw, fetchCacheTTL)
}

// sampleQuality scores a candle sample and returns its mean quality score,
// used purely for the Router's fallback comparison (not persisted).
func sampleQuality(candles []model.Candle, class model.AssetClass, th validate.Thresholds) float64 {
	if len(candles) == 0 {
		return 0
	}
	scored := validate.ScoreRange(candles, class, th)
	var sum float64
	for _, c := range scored {
		sum += c.QualityScore
	}
	return sum / float64(len(scored))
}

func primaryErrOrEmpty(err error, symbol string, tf model.Timeframe) error {
	if err != nil {
		return err
	}
	return &vendorerr.Error{Kind: vendorerr.KindEmpty, Provider: "primary", Symbol: symbol}
}

// RouterError is the structured error summary returned when all sources fail.
type RouterError struct {
	Symbol       string
	Timeframe    model.Timeframe
	PrimaryErr   error
	SecondaryErr error
}

func (e *RouterError) Error() string {
	return "all vendor sources failed for " + e.Symbol + "/" + string(e.Timeframe)
}

func (e *RouterError) Unwrap() []error {
	return []error{e.PrimaryErr, e.SecondaryErr}
}
