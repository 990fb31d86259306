// Package worker implements the Backfill Worker: consumes a job, iterates
// symbol x timeframe pairs in the spec's fixed order, and tolerates
// per-unit failures without aborting the job. Grounded on the teacher
// scheduler's RunJob dispatch-and-continue shape, generalized from
// job-type dispatch to symbol/timeframe iteration.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/warehouse/internal/model"
	"github.com/sawpanic/warehouse/internal/observability"
	"github.com/sawpanic/warehouse/internal/repair"
	"github.com/sawpanic/warehouse/internal/router"
	"github.com/sawpanic/warehouse/internal/store/candle"
	"github.com/sawpanic/warehouse/internal/store/job"
	"github.com/sawpanic/warehouse/internal/store/symbol"
	"github.com/sawpanic/warehouse/internal/validate"
	"github.com/sawpanic/warehouse/internal/vendorerr"
)

// Worker processes one backfill job at a time.
type Worker struct {
	jobs       *job.Store
	candles    *candle.Store
	symbols    *symbol.Registry
	router     *router.Router
	thresholds validate.Thresholds
	unitTimeout time.Duration
	log        zerolog.Logger

	// repair runs the post-ingest gap pass (spec §4.9) once a job
	// completes. Optional: a nil repair driver skips the pass, which
	// is useful for tests that only exercise the core ingest path.
	repair *repair.Driver

	// metrics is optional; a nil registry disables instrumentation.
	metrics *observability.Registry
}

// New constructs a Worker.
func New(jobs *job.Store, candles *candle.Store, symbols *symbol.Registry, r *router.Router, th validate.Thresholds, unitTimeout time.Duration, log zerolog.Logger) *Worker {
	if unitTimeout <= 0 {
		unitTimeout = 60 * time.Second
	}
	return &Worker{jobs: jobs, candles: candles, symbols: symbols, router: r, thresholds: th, unitTimeout: unitTimeout, log: log}
}

// WithRepair attaches a post-ingest Gap Detector & Repair Driver run after
// every completed job.
func (w *Worker) WithRepair(d *repair.Driver) *Worker {
	w.repair = d
	return w
}

// WithMetrics attaches a Prometheus registry that Run/processUnit report
// backfill-unit outcomes and candle quality scores to.
func (w *Worker) WithMetrics(m *observability.Registry) *Worker {
	w.metrics = m
	return w
}

// Router exposes the Multi-Source Router so the HTTP API can surface its
// per-provider budget and circuit-breaker stats on GET /status.
func (w *Worker) Router() *router.Router {
	return w.router
}

// Run executes the spec §4.7 algorithm for jobID. It returns an error only
// for fatal, job-scope failures (start_job/complete_job/fail_job storage
// errors); individual unit failures are absorbed and recorded.
func (w *Worker) Run(ctx context.Context, jobID string) error {
	if err := w.jobs.StartJob(ctx, jobID); err != nil {
		return fmt.Errorf("start job %s: %w", jobID, err)
	}

	j, _, err := w.jobs.GetStatus(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	orderedTFs := orderTimeframes(j.Timeframes)

	anySucceeded := false
	anyAttempted := false
	type touchedUnit struct {
		symbol string
		tf     model.Timeframe
		class  model.AssetClass
	}
	var touched []touchedUnit

	for _, sym := range j.Symbols {
		symRow, symErr := w.symbols.Get(ctx, sym)
		for _, tf := range orderedTFs {
			anyAttempted = true
			ok := w.processUnit(ctx, jobID, sym, tf, j.StartDate, j.EndDate)
			if ok {
				anySucceeded = true
				if symErr == nil {
					touched = append(touched, touchedUnit{symbol: sym, tf: tf, class: symRow.AssetClass})
				}
			}
		}
	}

	if w.repair != nil {
		for _, u := range touched {
			if _, err := w.repair.RunPostIngest(ctx, u.symbol, u.tf, u.class, j.StartDate, j.EndDate); err != nil {
				w.log.Warn().Err(err).Str("job_id", jobID).Str("symbol", u.symbol).Str("timeframe", string(u.tf)).
					Msg("post-ingest gap pass failed")
			}
		}
	}

	if !anyAttempted || anySucceeded {
		return w.jobs.CompleteJob(ctx, jobID)
	}
	return w.jobs.FailJob(ctx, jobID, "all units failed")
}

// processUnit handles exactly one (symbol, timeframe) unit; it never
// returns an error to its caller — failures are recorded via
// jobs.UpdateProgress so a unit failure cannot abort the job.
func (w *Worker) processUnit(ctx context.Context, jobID, sym string, tf model.Timeframe, start, end time.Time) bool {
	unitCtx, cancel := context.WithTimeout(ctx, w.unitTimeout)
	defer cancel()

	symRow, err := w.symbols.Get(unitCtx, sym)
	if err != nil {
		w.recordFailure(ctx, jobID, sym, tf, fmt.Errorf("lookup symbol: %w", err))
		return false
	}

	result, err := w.router.FetchRange(unitCtx, sym, tf, start, end, symRow.AssetClass)
	if err != nil && !vendorerr.IsEmpty(err) {
		w.recordFailure(ctx, jobID, sym, tf, err)
		return false
	}

	fetched := int64(len(result.Candles))
	if fetched == 0 {
		if uerr := w.jobs.UpdateProgress(ctx, jobID, sym, tf, 0, 0, nil); uerr != nil {
			w.log.Error().Err(uerr).Str("job_id", jobID).Msg("update_progress failed on empty unit")
		}
		if w.metrics != nil {
			w.metrics.BackfillUnitsTotal.WithLabelValues("completed").Inc()
		}
		return true
	}

	scored := validate.ScoreRange(result.Candles, symRow.AssetClass, w.thresholds)
	for i := range scored {
		scored[i].Source = result.Source
		if w.metrics != nil {
			w.metrics.CandleQualityScore.Observe(scored[i].QualityScore)
		}
	}

	inserted, err := w.candles.UpsertRange(unitCtx, scored, true)
	if err != nil {
		w.recordFailure(ctx, jobID, sym, tf, fmt.Errorf("upsert_range: %w", err))
		return false
	}

	if err := w.jobs.UpdateProgress(ctx, jobID, sym, tf, fetched, int64(inserted), nil); err != nil {
		w.log.Error().Err(err).Str("job_id", jobID).Msg("update_progress failed")
	}
	if w.metrics != nil {
		w.metrics.BackfillUnitsTotal.WithLabelValues("completed").Inc()
	}
	return true
}

func (w *Worker) recordFailure(ctx context.Context, jobID, sym string, tf model.Timeframe, unitErr error) {
	w.log.Warn().Err(unitErr).Str("job_id", jobID).Str("symbol", sym).Str("timeframe", string(tf)).Msg("unit failed")
	if err := w.jobs.UpdateProgress(ctx, jobID, sym, tf, 0, 0, unitErr); err != nil {
		w.log.Error().Err(err).Str("job_id", jobID).Msg("update_progress failed while recording unit failure")
	}
	if w.metrics != nil {
		w.metrics.BackfillUnitsTotal.WithLabelValues("failed").Inc()
	}
}

// orderTimeframes sorts a job's requested timeframes into the spec's fixed
// processing order so finer, slower-to-fetch timeframes run first.
func orderTimeframes(requested []model.Timeframe) []model.Timeframe {
	want := make(map[model.Timeframe]bool, len(requested))
	for _, tf := range requested {
		want[tf] = true
	}
	var out []model.Timeframe
	for _, tf := range model.OrderedTimeframes {
		if want[tf] {
			out = append(out, tf)
		}
	}
	return out
}
