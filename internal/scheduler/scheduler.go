// Package scheduler implements the hourly Scheduler: a minute-ticker loop
// that dispatches one non-overlapping backfill tick per hour, partitioning
// active symbols into staggered concurrency groups. Grounded on the
// teacher's Scheduler.Start ticker-and-select loop
// (internal/scheduler/scheduler.go), generalized from the teacher's
// cron-config job dispatch to a fixed hourly candle-ingestion tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sawpanic/warehouse/internal/config"
	"github.com/sawpanic/warehouse/internal/model"
	"github.com/sawpanic/warehouse/internal/observability"
	"github.com/sawpanic/warehouse/internal/store/candle"
	"github.com/sawpanic/warehouse/internal/store/job"
	"github.com/sawpanic/warehouse/internal/store/symbol"
	"github.com/sawpanic/warehouse/internal/worker"
)

// ExecutionLogWriter persists one row per scheduler tick. Grounded on the
// teacher's job-result logging shape, typed to model.SchedulerExecutionLog.
type ExecutionLogWriter interface {
	Record(ctx context.Context, entry model.SchedulerExecutionLog) error
}

// Scheduler runs the hourly backfill tick: at config.ScheduleMinute past
// every hour, fetch fresh candles for every active symbol/timeframe,
// skipping a tick entirely if the previous one is still running.
type Scheduler struct {
	cfg     config.Config
	symbols *symbol.Registry
	candles *candle.Store
	jobs    *job.Store
	w       *worker.Worker
	logs    ExecutionLogWriter
	log     zerolog.Logger

	mu      sync.Mutex
	running bool

	metrics *observability.Registry
}

// New constructs a Scheduler. logs may be nil to skip execution-log persistence.
func New(cfg config.Config, symbols *symbol.Registry, candles *candle.Store, jobs *job.Store, w *worker.Worker, logs ExecutionLogWriter, log zerolog.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, symbols: symbols, candles: candles, jobs: jobs, w: w, logs: logs, log: log}
}

// WithMetrics attaches a Prometheus registry that tick outcomes and in-flight
// state are reported to.
func (s *Scheduler) WithMetrics(m *observability.Registry) *Scheduler {
	s.metrics = m
	return s
}

// Running reports whether a tick is currently in flight, surfaced on
// GET /health.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start runs the minute-resolution tick loop until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.log.Info().Int("schedule_minute", s.cfg.ScheduleMinute).Msg("scheduler starting")

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if now.Minute() != s.cfg.ScheduleMinute {
				continue
			}
			s.tryTick(ctx)
		}
	}
}

// tryTick runs exactly one tick, skipping it if a previous tick is still in
// flight so ticks never overlap.
func (s *Scheduler) tryTick(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn().Msg("skipping scheduler tick: previous tick still running")
		if s.metrics != nil {
			s.metrics.SchedulerTickTotal.WithLabelValues("skipped").Inc()
		}
		return
	}
	s.running = true
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveSchedulerTicks.Set(1)
	}

	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.ActiveSchedulerTicks.Set(0)
			}
		}()
		if err := s.RunTick(ctx); err != nil {
			s.log.Error().Err(err).Msg("scheduler tick failed")
			if s.metrics != nil {
				s.metrics.SchedulerTickTotal.WithLabelValues("failed").Inc()
			}
		} else if s.metrics != nil {
			s.metrics.SchedulerTickTotal.WithLabelValues("completed").Inc()
		}
	}()
}

// RunTick executes one full hourly ingestion pass synchronously: it loads
// active symbols, partitions them into staggered groups, and dispatches each
// group's units through the Worker.
func (s *Scheduler) RunTick(ctx context.Context) error {
	execID := uuid.NewString()
	started := time.Now()
	entry := model.SchedulerExecutionLog{ExecutionID: execID, StartedAt: started, Status: "running"}
	s.recordLog(ctx, entry)

	syms, err := s.symbols.List(ctx, true, "")
	if err != nil {
		entry.Status = "failed"
		entry.ErrorMessage = err.Error()
		completed := time.Now()
		entry.CompletedAt = &completed
		s.recordLog(ctx, entry)
		return fmt.Errorf("list active symbols: %w", err)
	}

	groups := groupSymbols(syms, s.cfg.MaxConcurrentSymbols)

	var successful, failed int
	var totalRecords int64

	for gi, group := range groups {
		if gi > 0 {
			if err := sleepOrDone(ctx, s.cfg.InterGroupDelay); err != nil {
				break
			}
		}

		// Symbols within a group run concurrently, each staggered by
		// IntraGroupStagger from the last, to avoid a rate-limit burst
		// while still overlapping the slow HTTP path (spec §4.8 step 4).
		var wg sync.WaitGroup
		results := make([]struct {
			fetched int64
			ok      bool
		}, len(group))

		for si, sym := range group {
			if si > 0 {
				if err := sleepOrDone(ctx, s.cfg.IntraGroupStagger); err != nil {
					break
				}
			}
			wg.Add(1)
			go func(i int, sym model.Symbol) {
				defer wg.Done()
				fetched, ok := s.runSymbol(ctx, sym)
				results[i].fetched = fetched
				results[i].ok = ok
			}(si, sym)
		}
		wg.Wait()

		for _, r := range results {
			if r.ok {
				successful++
			} else {
				failed++
			}
			totalRecords += r.fetched
		}
	}

	completed := time.Now()
	entry.CompletedAt = &completed
	entry.SuccessfulSymbols = successful
	entry.FailedSymbols = failed
	entry.TotalRecordsProcessed = totalRecords
	entry.DurationSeconds = completed.Sub(started).Seconds()
	entry.Status = "completed"
	s.recordLog(ctx, entry)

	s.log.Info().Int("successful", successful).Int("failed", failed).Int64("records", totalRecords).
		Dur("duration", completed.Sub(started)).Msg("scheduler tick complete")
	if s.metrics != nil {
		s.metrics.JobDuration.Observe(entry.DurationSeconds)
	}
	return nil
}

// runSymbol fetches fresh candles for one symbol across its configured
// timeframes. Each timeframe has its own gap relative to now — a 5m series
// and a 1d series for the same symbol are almost never caught up to the same
// point — so each gets its own job covering [lastCandleTime, now] (or
// [now-DefaultLookback, now] for a timeframe with no history yet). A single
// shared range would pull a lagging timeframe's window forward past its
// actual gap and that skipped history would never be recovered, since gap
// repair only operates inside a job's own requested range.
func (s *Scheduler) runSymbol(ctx context.Context, sym model.Symbol) (int64, bool) {
	now := time.Now()

	var totalFetched int64
	anyAttempted := false
	allCompleted := true

	for _, tf := range sym.Timeframes {
		anyAttempted = true
		fetched, ok := s.runSymbolTimeframe(ctx, sym.Symbol, tf, now)
		totalFetched += fetched
		if !ok {
			allCompleted = false
		}
	}

	return totalFetched, anyAttempted && allCompleted
}

// runSymbolTimeframe creates and runs a single-unit backfill job for one
// (symbol, timeframe) pair.
func (s *Scheduler) runSymbolTimeframe(ctx context.Context, sym string, tf model.Timeframe, now time.Time) (int64, bool) {
	start := now.Add(-s.cfg.DefaultLookback)
	if latest, err := s.candles.Latest(ctx, sym, tf); err == nil && latest != nil && latest.Time.After(start) {
		start = latest.Time
	}

	jobID, err := s.jobs.CreateJob(ctx, []string{sym}, []model.Timeframe{tf}, start, now)
	if err != nil {
		s.log.Error().Err(err).Str("symbol", sym).Str("timeframe", string(tf)).Msg("create_job failed for scheduled tick")
		return 0, false
	}

	if err := s.w.Run(ctx, jobID); err != nil {
		s.log.Error().Err(err).Str("symbol", sym).Str("timeframe", string(tf)).Str("job_id", jobID).Msg("scheduled backfill failed")
		return 0, false
	}

	status, _, err := s.jobs.GetStatus(ctx, jobID)
	if err != nil {
		return 0, true
	}
	return status.TotalRecordsFetched, status.Status == model.JobCompleted
}

func (s *Scheduler) recordLog(ctx context.Context, entry model.SchedulerExecutionLog) {
	if s.logs == nil {
		return
	}
	if err := s.logs.Record(ctx, entry); err != nil {
		s.log.Error().Err(err).Str("execution_id", entry.ExecutionID).Msg("failed to record scheduler execution log")
	}
}

// groupSymbols partitions symbols into fixed-size concurrency groups,
// preserving registry order.
func groupSymbols(syms []model.Symbol, size int) [][]model.Symbol {
	if size <= 0 {
		size = 1
	}
	var groups [][]model.Symbol
	for start := 0; start < len(syms); start += size {
		end := start + size
		if end > len(syms) {
			end = len(syms)
		}
		groups = append(groups, syms[start:end])
	}
	return groups
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
