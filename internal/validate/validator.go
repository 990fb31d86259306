// Package validate scores OHLCV candles for quality, using asset-class-aware
// thresholds so that crypto's legitimate 24/7 low-volume intervals are not
// flagged the same way an equity's would be.
package validate

import (
	"fmt"
	"math"
	"sort"

	"github.com/sawpanic/warehouse/internal/model"
)

// Thresholds bundles the tunable knobs used by score_candle. Callers get
// DefaultThresholds() and may override QualityThreshold down to 0.80 per spec §4.2/§9.
type Thresholds struct {
	QualityThreshold float64
}

// DefaultThresholds returns the spec's documented default of 0.85.
func DefaultThresholds() Thresholds {
	return Thresholds{QualityThreshold: 0.85}
}

// gapThreshold is the asset-class-tuned "gap vs previous close" trigger.
func gapThreshold(class model.AssetClass) float64 {
	switch class {
	case model.AssetClassCrypto:
		return 0.30
	case model.AssetClassETF:
		return 0.12
	default: // stock
		return 0.15
	}
}

// volumeLowRatio is the asset-class-tuned low-volume-anomaly trigger.
func volumeLowRatio(class model.AssetClass) float64 {
	switch class {
	case model.AssetClassCrypto:
		return 0.001
	case model.AssetClassETF:
		return 0.15
	default: // stock
		return 0.20
	}
}

const (
	extremeMoveThreshold = 5.0  // |close-open|/open >= 500%
	volumeHighMultiplier = 10.0 // volume > 10x median
)

// ScoreCandle scores a single candle against its predecessor (if any) and a
// median volume for its (symbol, timeframe). It mutates a copy of candle and
// returns it; callers assign the result back into their working set.
func ScoreCandle(prev *model.Candle, candle model.Candle, class model.AssetClass, medianVolume float64, th Thresholds) model.Candle {
	score := 1.0
	var notes []string

	// OHLCV constraint check.
	if candle.High < math.Max(candle.Open, candle.Close) ||
		candle.Low > math.Min(candle.Open, candle.Close) ||
		candle.High < candle.Low ||
		candle.Open <= 0 || candle.High <= 0 || candle.Low <= 0 || candle.Close <= 0 ||
		candle.Volume < 0 {
		score -= 0.5
		notes = append(notes, "constraint_violation")
	}

	// Extreme price move.
	if candle.Open > 0 {
		move := math.Abs(candle.Close-candle.Open) / candle.Open
		if move >= extremeMoveThreshold {
			score -= 0.3
			notes = append(notes, "extreme_move")
		}
	}

	// Gap vs previous close.
	if prev != nil && prev.Close > 0 {
		gap := math.Abs(candle.Open-prev.Close) / prev.Close
		threshold := gapThreshold(class)
		if isMondayOpenGap(class, prev, &candle) {
			// Monday-open gaps on equities are tolerated up to the equity threshold.
			threshold = math.Max(threshold, gapThreshold(model.AssetClassStock))
		}
		if gap > threshold {
			score -= 0.2
			candle.GapDetected = true
			notes = append(notes, "gap_detected")
		}
	}

	// Volume anomaly.
	if medianVolume > 0 {
		if candle.Volume > volumeHighMultiplier*medianVolume {
			score -= 0.15
			candle.VolumeAnomaly = true
			notes = append(notes, "volume_high")
		} else if candle.Volume < volumeLowRatio(class)*medianVolume {
			score -= 0.10
			candle.VolumeAnomaly = true
			notes = append(notes, "volume_low")
		}
	}

	score = clamp01(score)
	candle.QualityScore = score
	candle.Validated = score >= th.QualityThreshold
	candle.ValidationNotes = joinNotes(notes)
	return candle
}

// isMondayOpenGap reports whether candle opens on a Monday following a
// Friday close for a non-crypto (calendar-gapped) asset class — the one
// exception the spec carves out of the gap-detected penalty.
func isMondayOpenGap(class model.AssetClass, prev, candle *model.Candle) bool {
	if class == model.AssetClassCrypto {
		return false
	}
	return candle.Time.Weekday().String() == "Monday" && prev.Time.Weekday().String() == "Friday"
}

// ScoreRange derives a median volume from the input sequence and applies
// ScoreCandle in order, carrying prev_candle across the window.
func ScoreRange(candles []model.Candle, class model.AssetClass, th Thresholds) []model.Candle {
	if len(candles) == 0 {
		return candles
	}
	volumes := make([]float64, len(candles))
	for i, c := range candles {
		volumes[i] = c.Volume
	}
	median := medianOf(volumes)

	out := make([]model.Candle, len(candles))
	var prev *model.Candle
	for i, c := range candles {
		scored := ScoreCandle(prev, c, class, median, th)
		out[i] = scored
		prev = &out[i]
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func joinNotes(notes []string) string {
	if len(notes) == 0 {
		return ""
	}
	out := notes[0]
	for _, n := range notes[1:] {
		out = fmt.Sprintf("%s,%s", out, n)
	}
	return out
}

// medianOf computes the median of a float64 slice without mutating the input.
func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
