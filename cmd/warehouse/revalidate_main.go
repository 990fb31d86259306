package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/warehouse/internal/model"
	"github.com/sawpanic/warehouse/internal/repair"
	"github.com/sawpanic/warehouse/internal/store/candle"
	"github.com/sawpanic/warehouse/internal/validate"
)

func newRevalidateCmd() *cobra.Command {
	var symbolFlag, timeframeFlag, classFlag, outFlag string
	var limit, batchSize int
	var commit bool
	cmd := &cobra.Command{
		Use:   "revalidate",
		Short: "Rescore validated=false candles via the Validator (spec §4.9 revalidation repair)",
		Long: `Scans the Candle Store for rows with validated=false, recomputes
quality_score and validated via the Validator using a per-(symbol,timeframe)
median volume over the scanned window, and emits a JSON summary. Defaults to
a dry run: scoring happens but nothing commits. Pass --commit to persist.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRevalidate(symbolFlag, timeframeFlag, classFlag, outFlag, limit, batchSize, commit)
		},
	}
	cmd.Flags().StringVar(&symbolFlag, "symbol", "", "restrict to one symbol (default: all)")
	cmd.Flags().StringVar(&timeframeFlag, "timeframe", "", "restrict to one timeframe (default: all)")
	cmd.Flags().StringVar(&classFlag, "asset-class", "crypto", "asset class to score against (stock|crypto|etf)")
	cmd.Flags().IntVar(&limit, "limit", 1000, "maximum rows to scan")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "DB round-trip batch size for the write-back (1-5000)")
	cmd.Flags().BoolVar(&commit, "commit", false, "persist the recomputed scores; omit for a dry run")
	cmd.Flags().StringVar(&outFlag, "out", "", "write the JSON summary to this path instead of stdout")
	return cmd
}

func runRevalidate(symbolFlag, timeframeFlag, classFlag, outFlag string, limit, batchSize int, commit bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	class := model.AssetClass(classFlag)
	switch class {
	case model.AssetClassStock, model.AssetClassCrypto, model.AssetClassETF:
	default:
		return fmt.Errorf("asset-class must be one of stock|crypto|etf")
	}

	ctx := context.Background()
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	th := validate.Thresholds{QualityThreshold: cfg.QualityThreshold}
	candles := candle.New(db, 30*time.Second)
	driver := repair.New(candles, nil, th, log.Logger)

	opts := repair.RevalidateOpts{
		Symbol:    symbolFlag,
		Timeframe: model.Timeframe(timeframeFlag),
		Limit:     limit,
		BatchSize: batchSize,
		DryRun:    !commit,
		Class:     class,
	}
	summary, err := driver.Revalidate(ctx, opts)
	if err != nil {
		return fmt.Errorf("revalidate: %w", err)
	}

	if outFlag != "" {
		if err := repair.WriteSummary(outFlag, summary); err != nil {
			return err
		}
		log.Info().Str("path", outFlag).Msg("revalidation summary written")
		return nil
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
