package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sawpanic/warehouse/internal/model"
	"github.com/sawpanic/warehouse/internal/store/candle"
	"github.com/sawpanic/warehouse/internal/validate"
)

const defaultRevalidateBatch = 100

// RevalidateOpts configures one revalidation repair run.
type RevalidateOpts struct {
	Symbol    string
	Timeframe model.Timeframe
	Limit     int
	BatchSize int
	DryRun    bool
	Class     model.AssetClass
}

// ScoreBucket is one bucket of the revalidation summary's score distribution.
type ScoreBucket struct {
	Range string `json:"range"`
	Count int    `json:"count"`
}

// Summary is the JSON artifact emitted by a revalidation run, grounded on
// the scheduler's os.Create+json.NewEncoder artifact-writing pattern.
type Summary struct {
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      time.Time     `json:"completed_at"`
	DryRun           bool          `json:"dry_run"`
	Scanned          int           `json:"scanned"`
	ValidatedCount   int           `json:"validated_count"`
	RejectedCount    int           `json:"rejected_count"`
	ScoreDistribution []ScoreBucket `json:"score_distribution"`
	Errors           []string      `json:"errors,omitempty"`
}

// Revalidate scans candles with validated=false (optionally filtered by
// symbol/timeframe, up to Limit), recomputes quality_score via the
// Validator using a per-(symbol,timeframe) median volume over the scanned
// window, and batches writes back through UpdateValidation — unless DryRun
// is set, in which case scoring runs but nothing commits.
func (d *Driver) Revalidate(ctx context.Context, opts RevalidateOpts) (Summary, error) {
	started := time.Now()
	summary := Summary{StartedAt: started, DryRun: opts.DryRun}

	rows, err := d.candles.UnvalidatedBatch(ctx, opts.Symbol, opts.Timeframe, opts.Limit)
	if err != nil {
		return summary, fmt.Errorf("revalidate: load unvalidated batch: %w", err)
	}
	summary.Scanned = len(rows)
	if len(rows) == 0 {
		summary.CompletedAt = time.Now()
		return summary, nil
	}

	byUnit := groupByUnit(rows)
	buckets := newScoreBuckets()

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultRevalidateBatch
	}

	var updates []candle.CandleValidationUpdate
	for _, unit := range byUnit {
		scored := validate.ScoreRange(unit.candles, opts.Class, d.th)
		for _, c := range scored {
			if c.Validated {
				summary.ValidatedCount++
			} else {
				summary.RejectedCount++
			}
			buckets.add(c.QualityScore)
			updates = append(updates, candle.CandleValidationUpdate{
				Symbol:          c.Symbol,
				Timeframe:       c.Timeframe,
				Time:            c.Time,
				QualityScore:    c.QualityScore,
				Validated:       c.Validated,
				ValidationNotes: c.ValidationNotes,
				GapDetected:     c.GapDetected,
				VolumeAnomaly:   c.VolumeAnomaly,
			})
		}
	}
	summary.ScoreDistribution = buckets.toSlice()

	if !opts.DryRun {
		if err := d.candles.UpdateValidation(ctx, updates, batchSize); err != nil {
			summary.Errors = append(summary.Errors, err.Error())
			summary.CompletedAt = time.Now()
			return summary, err
		}
	}

	summary.CompletedAt = time.Now()
	return summary, nil
}

// WriteSummary persists the revalidation summary as indented JSON, matching
// the scheduler's artifact-writing convention.
func WriteSummary(path string, summary Summary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create revalidation summary file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("encode revalidation summary: %w", err)
	}
	return nil
}

type unitCandles struct {
	candles []model.Candle
}

func groupByUnit(rows []model.Candle) map[string]*unitCandles {
	out := make(map[string]*unitCandles)
	for _, c := range rows {
		key := c.Symbol + "|" + string(c.Timeframe)
		u, ok := out[key]
		if !ok {
			u = &unitCandles{}
			out[key] = u
		}
		u.candles = append(u.candles, c)
	}
	return out
}

type scoreBuckets struct {
	edges  []float64
	labels []string
	counts []int
}

func newScoreBuckets() *scoreBuckets {
	return &scoreBuckets{
		edges:  []float64{0.2, 0.4, 0.6, 0.8, 1.01},
		labels: []string{"0.0-0.2", "0.2-0.4", "0.4-0.6", "0.6-0.8", "0.8-1.0"},
		counts: make([]int, 5),
	}
}

func (b *scoreBuckets) add(score float64) {
	for i, edge := range b.edges {
		if score < edge {
			b.counts[i]++
			return
		}
	}
	b.counts[len(b.counts)-1]++
}

func (b *scoreBuckets) toSlice() []ScoreBucket {
	out := make([]ScoreBucket, len(b.labels))
	for i, label := range b.labels {
		out[i] = ScoreBucket{Range: label, Count: b.counts[i]}
	}
	return out
}
