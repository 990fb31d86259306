// Package model defines the core entities persisted and exchanged by the
// warehouse: symbols, candles, backfill jobs and their per-unit progress,
// scheduler execution logs, and detected gaps.
package model

import "time"

// AssetClass is the closed set of instrument classes the Validator and
// calendar logic treat differently.
type AssetClass string

const (
	AssetClassStock  AssetClass = "stock"
	AssetClassCrypto AssetClass = "crypto"
	AssetClassETF    AssetClass = "etf"
)

// Timeframe is the closed set of candle bucket codes.
type Timeframe string

const (
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
	Timeframe1w  Timeframe = "1w"
)

// OrderedTimeframes is the fixed processing order the Worker walks units in:
// finer (typically slower, rate-limit-sensitive) timeframes first so that
// vendor slowdowns degrade the coarser timeframes last.
var OrderedTimeframes = []Timeframe{
	Timeframe5m, Timeframe15m, Timeframe30m, Timeframe1h, Timeframe4h, Timeframe1d, Timeframe1w,
}

// ValidTimeframes is the closed set used to validate caller input.
var ValidTimeframes = map[Timeframe]bool{
	Timeframe5m: true, Timeframe15m: true, Timeframe30m: true,
	Timeframe1h: true, Timeframe4h: true, Timeframe1d: true, Timeframe1w: true,
}

// BackfillStatus is the Symbol's last-backfill lifecycle state.
type BackfillStatus string

const (
	BackfillPending    BackfillStatus = "pending"
	BackfillInProgress BackfillStatus = "in_progress"
	BackfillCompleted  BackfillStatus = "completed"
	BackfillFailed     BackfillStatus = "failed"
)

// Symbol is a tracked instrument.
type Symbol struct {
	Symbol         string         `json:"symbol" db:"symbol"`
	AssetClass     AssetClass     `json:"asset_class" db:"asset_class"`
	Active         bool           `json:"active" db:"active"`
	Timeframes     []Timeframe    `json:"timeframes" db:"-"`
	DateAdded      time.Time      `json:"date_added" db:"date_added"`
	LastBackfill   *time.Time     `json:"last_backfill,omitempty" db:"last_backfill"`
	BackfillStatus BackfillStatus `json:"backfill_status" db:"backfill_status"`
	BackfillError  string         `json:"backfill_error,omitempty" db:"backfill_error"`
}

// IsCrypto is a convenience predicate used throughout the Vendor Client and
// Validator, both of which branch on crypto-vs-equity behavior.
func (s Symbol) IsCrypto() bool {
	return s.AssetClass == AssetClassCrypto
}

// Candle is one OHLCV observation, keyed by (Symbol, Timeframe, Time).
type Candle struct {
	Symbol          string    `json:"symbol" db:"symbol"`
	Timeframe       Timeframe `json:"timeframe" db:"timeframe"`
	Time            time.Time `json:"time" db:"time"`
	Open            float64   `json:"open" db:"open"`
	High            float64   `json:"high" db:"high"`
	Low             float64   `json:"low" db:"low"`
	Close           float64   `json:"close" db:"close"`
	Volume          float64   `json:"volume" db:"volume"`
	VWAP            *float64  `json:"vwap,omitempty" db:"vwap"`
	TradeCount      *int64    `json:"trade_count,omitempty" db:"trade_count"`
	Source          string    `json:"source" db:"source"`
	QualityScore    float64   `json:"quality_score" db:"quality_score"`
	Validated       bool      `json:"validated" db:"validated"`
	ValidationNotes string    `json:"validation_notes,omitempty" db:"validation_notes"`
	GapDetected     bool      `json:"gap_detected" db:"gap_detected"`
	VolumeAnomaly   bool      `json:"volume_anomaly" db:"volume_anomaly"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Key identifies a candle's unique (symbol, timeframe, time) triple.
type Key struct {
	Symbol    string
	Timeframe Timeframe
	Time      time.Time
}

// JobStatus is the BackfillJob lifecycle: queued -> running -> {completed, failed}.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// UnitStatus is a single (symbol, timeframe) progress row's lifecycle.
type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitRunning   UnitStatus = "running"
	UnitCompleted UnitStatus = "completed"
	UnitFailed    UnitStatus = "failed"
)

// BackfillJob is one user- or scheduler-initiated ingestion request.
type BackfillJob struct {
	ID                   string     `json:"id" db:"id"`
	Symbols              []string   `json:"symbols" db:"-"`
	Timeframes           []Timeframe `json:"timeframes" db:"-"`
	StartDate            time.Time  `json:"start_date" db:"start_date"`
	EndDate              time.Time  `json:"end_date" db:"end_date"`
	Status               JobStatus  `json:"status" db:"status"`
	ProgressPct          int        `json:"progress_pct" db:"progress_pct"`
	SymbolsCompleted      int        `json:"symbols_completed" db:"symbols_completed"`
	SymbolsTotal         int        `json:"symbols_total" db:"symbols_total"`
	CurrentSymbol        string     `json:"current_symbol,omitempty" db:"current_symbol"`
	CurrentTimeframe     string     `json:"current_timeframe,omitempty" db:"current_timeframe"`
	TotalRecordsFetched  int64      `json:"total_records_fetched" db:"total_records_fetched"`
	TotalRecordsInserted int64      `json:"total_records_inserted" db:"total_records_inserted"`
	ErrorMessage         string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	StartedAt            *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// JobProgress is a per-(job, symbol, timeframe) unit of work.
type JobProgress struct {
	JobID           string     `json:"job_id" db:"job_id"`
	Symbol          string     `json:"symbol" db:"symbol"`
	Timeframe       Timeframe  `json:"timeframe" db:"timeframe"`
	Status          UnitStatus `json:"status" db:"status"`
	RecordsFetched  int64      `json:"records_fetched" db:"records_fetched"`
	RecordsInserted int64      `json:"records_inserted" db:"records_inserted"`
	ErrorMessage    string     `json:"error_message,omitempty" db:"error_message"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationSeconds float64    `json:"duration_seconds,omitempty" db:"duration_seconds"`
}

// SchedulerExecutionLog is an observability entry for one scheduler tick.
type SchedulerExecutionLog struct {
	ExecutionID            string     `json:"execution_id" db:"execution_id"`
	StartedAt              time.Time  `json:"started_at" db:"started_at"`
	CompletedAt            *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	SuccessfulSymbols      int        `json:"successful_symbols" db:"successful_symbols"`
	FailedSymbols          int        `json:"failed_symbols" db:"failed_symbols"`
	TotalRecordsProcessed  int64      `json:"total_records_processed" db:"total_records_processed"`
	DurationSeconds        float64    `json:"duration_seconds" db:"duration_seconds"`
	Status                 string     `json:"status" db:"status"`
	ErrorMessage           string     `json:"error_message,omitempty" db:"error_message"`
}

// Gap is a contiguous range of expected-but-missing timestamps for one
// (symbol, timeframe). It is derived at request time, not persisted.
type Gap struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// GlobalStats is the warehouse-wide aggregate exposed by GET /status.
type GlobalStats struct {
	TotalRecords    int64      `json:"total_records"`
	ValidatedCount  int64      `json:"validated_count"`
	ValidationRate  float64    `json:"validation_rate"`
	LatestTimestamp *time.Time `json:"latest_timestamp,omitempty"`
}

// SymbolStats is the per-symbol aggregate exposed by the Candle Store.
type SymbolStats struct {
	Symbol          string      `json:"symbol"`
	RecordCount     int64       `json:"record_count"`
	ValidationRate  float64     `json:"validation_rate"`
	LatestTimestamp *time.Time  `json:"latest_timestamp,omitempty"`
	Timeframes      []Timeframe `json:"timeframes"`
	DataAge         *float64    `json:"data_age_seconds,omitempty"`
}
