package repair

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/warehouse/internal/model"
	"github.com/sawpanic/warehouse/internal/router"
	"github.com/sawpanic/warehouse/internal/store/candle"
	"github.com/sawpanic/warehouse/internal/validate"
)

// DefaultGapRetryDelays is the spec's bounded-retry schedule for a single
// gap: up to 2 retries with delays {2s, 4s}.
var DefaultGapRetryDelays = []time.Duration{2 * time.Second, 4 * time.Second}

// RangeFetcher is the subset of the Multi-Source Router's contract the
// repair Driver needs; declared narrowly so tests can substitute a fake
// instead of standing up a full Router with live vendor clients.
type RangeFetcher interface {
	FetchRange(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time, class model.AssetClass) (router.Result, error)
}

// CandleAccess is the subset of the Candle Store's contract the repair
// Driver needs for gap detection/repair and revalidation.
type CandleAccess interface {
	DistinctDates(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) ([]time.Time, error)
	UpsertRange(ctx context.Context, candles []model.Candle, forceSource bool) (int, error)
	UnvalidatedBatch(ctx context.Context, symbol string, tf model.Timeframe, limit int) ([]model.Candle, error)
	UpdateValidation(ctx context.Context, updates []candle.CandleValidationUpdate, batchSize int) error
}

// Driver runs post-ingest gap detection/repair and revalidation over
// already-stored candles. It holds no state of its own beyond its
// collaborators, matching the Scheduler/Worker's stateless-coordinator shape.
type Driver struct {
	candles    CandleAccess
	router     RangeFetcher
	th         validate.Thresholds
	log        zerolog.Logger
	retryDelays []time.Duration
}

// New constructs a repair Driver. candles and r are typically the live
// *candle.Store and *router.Router, both of which satisfy the interfaces
// above; tests may substitute fakes.
func New(candles CandleAccess, r RangeFetcher, th validate.Thresholds, log zerolog.Logger) *Driver {
	return &Driver{candles: candles, router: r, th: th, log: log, retryDelays: DefaultGapRetryDelays}
}

// WithRetryDelays overrides the gap-repair retry schedule (serve sets it from
// the configured gap-repair retry count; tests use it to avoid real sleeps).
func (d *Driver) WithRetryDelays(delays []time.Duration) *Driver {
	d.retryDelays = delays
	return d
}

// DetectGaps queries the distinct dates stored for (symbol, timeframe) over
// [start, end] and diffs them against the expected calendar for class.
func (d *Driver) DetectGaps(ctx context.Context, symbol string, tf model.Timeframe, class model.AssetClass, start, end time.Time) ([]model.Gap, error) {
	present, err := d.candles.DistinctDates(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, fmt.Errorf("detect_gaps %s/%s: %w", symbol, tf, err)
	}
	return FindGaps(symbol, tf, class, start, end, present), nil
}

// RepairGap re-fetches exactly the gap's date range through the Router, up
// to 2 retries with delays {2s, 4s}, validating and upserting whatever
// comes back. It reports the final outcome; a gap that still fails after
// all retries is logged and left for the next post-ingest pass.
func (d *Driver) RepairGap(ctx context.Context, gap model.Gap, class model.AssetClass) (inserted int, err error) {
	start := gap.Start
	end := gap.End.Add(24 * time.Hour) // end is a date; cover the full last day

	attempts := len(d.retryDelays) + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		result, ferr := d.router.FetchRange(ctx, gap.Symbol, gap.Timeframe, start, end, class)
		if ferr == nil && len(result.Candles) > 0 {
			scored := validate.ScoreRange(result.Candles, class, d.th)
			for i := range scored {
				scored[i].Source = result.Source
			}
			n, uerr := d.candles.UpsertRange(ctx, scored, true)
			if uerr != nil {
				err = uerr
			} else {
				return n, nil
			}
		} else if ferr != nil {
			err = ferr
		} else {
			err = fmt.Errorf("gap repair %s/%s %s..%s: vendor returned no rows", gap.Symbol, gap.Timeframe, gap.Start, gap.End)
		}

		if attempt < attempts {
			d.log.Warn().Err(err).Str("symbol", gap.Symbol).Str("timeframe", string(gap.Timeframe)).
				Int("attempt", attempt).Msg("gap repair attempt failed, retrying")
			if serr := sleepOrDone(ctx, d.retryDelays[attempt-1]); serr != nil {
				return 0, serr
			}
		}
	}
	return 0, fmt.Errorf("gap repair exhausted retries for %s/%s %s..%s: %w", gap.Symbol, gap.Timeframe, gap.Start, gap.End, err)
}

// RunPostIngest runs gap detection then repair for one (symbol, timeframe)
// that was touched by a just-finished job, returning the gaps that
// remained unfilled after the bounded retry budget.
func (d *Driver) RunPostIngest(ctx context.Context, symbol string, tf model.Timeframe, class model.AssetClass, start, end time.Time) ([]model.Gap, error) {
	gaps, err := d.DetectGaps(ctx, symbol, tf, class, start, end)
	if err != nil {
		return nil, err
	}

	var remaining []model.Gap
	for _, gap := range gaps {
		if _, rerr := d.RepairGap(ctx, gap, class); rerr != nil {
			d.log.Warn().Err(rerr).Str("symbol", symbol).Str("timeframe", string(tf)).Msg("gap remains after repair budget exhausted")
			remaining = append(remaining, gap)
		}
	}
	return remaining, nil
}

func sleepOrDone(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
