// Command warehouse is the market-data warehouse's single binary: it
// serves the HTTP API, drives the hourly Scheduler, applies schema
// migrations, and runs one-off backfill/revalidation scripts — all as
// subcommands of one cobra root, grounded on the teacher's
// cmd/cryptorun/main.go (console-writer logger bootstrap, cobra root with
// Run-based subcommands, TTY-aware default behavior). Each subcommand
// lives in its own file, following the teacher's cmd/cryptorun layout
// (scheduler_main.go, backtest_main.go, …).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/warehouse/internal/cache"
	"github.com/sawpanic/warehouse/internal/config"
	"github.com/sawpanic/warehouse/internal/observability"
	"github.com/sawpanic/warehouse/internal/router"
	"github.com/sawpanic/warehouse/internal/validate"
	"github.com/sawpanic/warehouse/internal/vendor"
	"github.com/sawpanic/warehouse/internal/vendor/binance"
	"github.com/sawpanic/warehouse/internal/vendor/kraken"
)

const version = "v1.0.0"

var configFile string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	// A non-interactive process (the common case for this binary — a
	// container or a cron invocation) gets plain JSON lines; an operator's
	// terminal gets the console writer, matching the teacher's
	// term.IsTerminal gate in cmd/cryptorun/main.go.
	if term.IsTerminal(int(os.Stdout.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	root := &cobra.Command{
		Use:     "warehouse",
		Short:   "Market-data warehouse: OHLCV ingestion, validation, and serving",
		Version: version,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML file overlaying ambient tunables (scheduler/vendor/repair)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newBackfillCmd())
	root.AddCommand(newRevalidateCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("warehouse exited with error")
	}
}

// loadConfig resolves configuration and sets the global log level, shared
// by every subcommand.
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadWithFile(configFile)
	if err != nil {
		return cfg, err
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}

// openDB opens and pings the warehouse's Postgres connection, sized to the
// spec's small pool (5-10 connections; no long-running transactions are
// held across HTTP calls per spec §5).
func openDB(ctx context.Context, cfg config.Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// buildRouter wires the primary (Binance) and, when enabled, secondary
// (Kraken) Vendor Clients behind the Multi-Source Router.
func buildRouter(cfg config.Config, metrics *observability.Registry, th validate.Thresholds, log zerolog.Logger) *router.Router {
	retry := vendor.RetryPolicy{MaxAttempts: cfg.VendorMaxRetries, Base: cfg.VendorRetryBase, Cap: cfg.VendorRetryCap}

	primary := binance.NewClient(binance.Config{Retry: retry, Logger: log, APIKey: cfg.VendorAPIKey})
	primary.WithMetrics(metrics)

	var secondary vendor.Client
	if cfg.EnableFallback {
		k := kraken.NewClient(kraken.Config{Retry: retry, Logger: log})
		k.WithMetrics(metrics)
		secondary = k
	}

	return router.New(primary, secondary, cfg.EnableFallback, th, log).WithCache(cache.NewAuto())
}
