package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/warehouse/internal/httpapi"
	"github.com/sawpanic/warehouse/internal/migrate"
	"github.com/sawpanic/warehouse/internal/observability"
	"github.com/sawpanic/warehouse/internal/repair"
	"github.com/sawpanic/warehouse/internal/scheduler"
	"github.com/sawpanic/warehouse/internal/store/candle"
	"github.com/sawpanic/warehouse/internal/store/execlog"
	"github.com/sawpanic/warehouse/internal/store/job"
	"github.com/sawpanic/warehouse/internal/store/symbol"
	"github.com/sawpanic/warehouse/internal/validate"
	"github.com/sawpanic/warehouse/internal/worker"
)

func newServeCmd() *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, optionally alongside the hourly Scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "run the HTTP API only; skip the Scheduler loop")
	return cmd
}

func runServe(noScheduler bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrate.Run(ctx, db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	metrics := observability.NewRegistry(prometheus.NewRegistry())
	th := validate.Thresholds{QualityThreshold: cfg.QualityThreshold}

	symbols := symbol.New(db, 10*time.Second)
	candles := candle.New(db, 30*time.Second)
	jobs := job.New(db, 10*time.Second)
	logs := execlog.New(db, 10*time.Second)

	r := buildRouter(cfg, metrics, th, log.Logger)
	repairDriver := repair.New(candles, r, th, log.Logger).WithRetryDelays(gapRepairDelays(cfg.GapRepairRetries))

	w := worker.New(jobs, candles, symbols, r, th, cfg.UnitTimeout, log.Logger)
	w.WithRepair(repairDriver).WithMetrics(metrics)

	var sched *scheduler.Scheduler
	var schedStatus httpapi.SchedulerStatus
	if !noScheduler {
		sched = scheduler.New(cfg, symbols, candles, jobs, w, logs, log.Logger).WithMetrics(metrics)
		schedStatus = sched
	}

	handlers := httpapi.NewHandlers(symbols, candles, jobs, w, schedStatus, log.Logger)
	srv, err := httpapi.NewServer(httpapi.DefaultServerConfig(cfg.HTTPPort), handlers, metrics, log.Logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	if sched != nil {
		go func() {
			if err := sched.Start(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("scheduler loop exited")
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// gapRepairDelays derives the Repair Driver's retry backoff sequence from
// the configured retry count, truncating the documented {2s, 4s} sequence.
func gapRepairDelays(retries int) []time.Duration {
	base := []time.Duration{2 * time.Second, 4 * time.Second}
	if retries <= 0 {
		return nil
	}
	if retries >= len(base) {
		return base
	}
	return base[:retries]
}
