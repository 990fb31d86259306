package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/warehouse/internal/model"
	"github.com/sawpanic/warehouse/internal/observability"
	"github.com/sawpanic/warehouse/internal/store/candle"
	"github.com/sawpanic/warehouse/internal/store/job"
	"github.com/sawpanic/warehouse/internal/store/symbol"
	"github.com/sawpanic/warehouse/internal/validate"
	"github.com/sawpanic/warehouse/internal/worker"
)

func newBackfillCmd() *cobra.Command {
	var symbolsCSV, timeframesCSV, startStr, endStr string
	var wait bool
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Submit a backfill job directly, bypassing the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(symbolsCSV, timeframesCSV, startStr, endStr, wait)
		},
	}
	cmd.Flags().StringVar(&symbolsCSV, "symbols", "", "comma-separated symbol list (required, max 100)")
	cmd.Flags().StringVar(&timeframesCSV, "timeframes", "1h,1d", "comma-separated timeframe codes")
	cmd.Flags().StringVar(&startStr, "start", "", "start date, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&endStr, "end", "", "end date, YYYY-MM-DD (required)")
	cmd.Flags().BoolVar(&wait, "wait", true, "run the job in-process until it reaches a terminal status, then log the final status (false: only queue it and print the job ID)")
	cmd.MarkFlagRequired("symbols")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

func runBackfill(symbolsCSV, timeframesCSV, startStr, endStr string, wait bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	symbols := splitCSV(symbolsCSV)
	if len(symbols) == 0 || len(symbols) > 100 {
		return fmt.Errorf("symbols must contain between 1 and 100 entries")
	}
	var tfs []model.Timeframe
	for _, raw := range splitCSV(timeframesCSV) {
		tf := model.Timeframe(raw)
		if !model.ValidTimeframes[tf] {
			return fmt.Errorf("timeframe %s is not in the supported set", raw)
		}
		tfs = append(tfs, tf)
	}
	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		return fmt.Errorf("start must be YYYY-MM-DD: %w", err)
	}
	end, err := time.Parse("2006-01-02", endStr)
	if err != nil {
		return fmt.Errorf("end must be YYYY-MM-DD: %w", err)
	}
	if !end.After(start) {
		return fmt.Errorf("end must be after start")
	}

	ctx := context.Background()
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	metrics := observability.NewRegistry(prometheus.NewRegistry())
	th := validate.Thresholds{QualityThreshold: cfg.QualityThreshold}

	symbolReg := symbol.New(db, 10*time.Second)
	candles := candle.New(db, 30*time.Second)
	jobs := job.New(db, 10*time.Second)

	r := buildRouter(cfg, metrics, th, log.Logger)
	w := worker.New(jobs, candles, symbolReg, r, th, cfg.UnitTimeout, log.Logger)

	jobID, err := jobs.CreateJob(ctx, symbols, tfs, start, end)
	if err != nil {
		return fmt.Errorf("create_job: %w", err)
	}
	log.Info().Str("job_id", jobID).Int("symbols", len(symbols)).Msg("backfill job queued")

	if !wait {
		fmt.Println(jobID)
		return nil
	}

	if err := w.Run(ctx, jobID); err != nil {
		return fmt.Errorf("run job %s: %w", jobID, err)
	}
	status, units, err := jobs.GetStatus(ctx, jobID)
	if err != nil {
		return err
	}
	log.Info().Str("job_id", jobID).Str("status", string(status.Status)).
		Int("progress_pct", status.ProgressPct).
		Int64("records_inserted", status.TotalRecordsInserted).
		Int("units", len(units)).Msg("backfill job finished")
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
