package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/warehouse/internal/model"
)

func TestScoreCandle_Clean(t *testing.T) {
	th := DefaultThresholds()
	c := model.Candle{
		Open: 100, High: 105, Low: 99, Close: 102, Volume: 1000,
		Time: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
	}
	scored := ScoreCandle(nil, c, model.AssetClassCrypto, 1000, th)
	assert.Equal(t, 1.0, scored.QualityScore)
	assert.True(t, scored.Validated)
	assert.Empty(t, scored.ValidationNotes)
}

func TestScoreCandle_ConstraintViolation(t *testing.T) {
	th := DefaultThresholds()
	c := model.Candle{Open: 0, High: 10, Low: 5, Close: 8, Volume: 100}
	scored := ScoreCandle(nil, c, model.AssetClassStock, 100, th)
	assert.False(t, scored.Validated)
	assert.Contains(t, scored.ValidationNotes, "constraint_violation")
}

func TestScoreCandle_ExtremeMove(t *testing.T) {
	th := DefaultThresholds()
	c := model.Candle{Open: 10, High: 70, Low: 10, Close: 65, Volume: 100}
	scored := ScoreCandle(nil, c, model.AssetClassCrypto, 100, th)
	assert.Contains(t, scored.ValidationNotes, "extreme_move")
}

func TestScoreCandle_GapDetectedCrypto(t *testing.T) {
	th := DefaultThresholds()
	prev := model.Candle{Close: 100, Time: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)}
	c := model.Candle{Open: 140, High: 145, Low: 138, Close: 142, Volume: 100,
		Time: time.Date(2025, 6, 2, 1, 0, 0, 0, time.UTC)}
	scored := ScoreCandle(&prev, c, model.AssetClassCrypto, 100, th)
	assert.True(t, scored.GapDetected)
	assert.Contains(t, scored.ValidationNotes, "gap_detected")
}

func TestScoreCandle_VolumeHighAnomaly(t *testing.T) {
	th := DefaultThresholds()
	c := model.Candle{Open: 10, High: 11, Low: 9, Close: 10, Volume: 20000}
	scored := ScoreCandle(nil, c, model.AssetClassStock, 100, th)
	assert.True(t, scored.VolumeAnomaly)
	assert.Contains(t, scored.ValidationNotes, "volume_high")
}

func TestScoreCandle_VolumeLowAnomalyCryptoTolerant(t *testing.T) {
	th := DefaultThresholds()
	// Crypto low-volume ratio is 0.001; volume at 1% of median should NOT trip it,
	// while the same ratio would trip a stock (0.20 threshold).
	c := model.Candle{Open: 10, High: 11, Low: 9, Close: 10, Volume: 1}
	scoredCrypto := ScoreCandle(nil, c, model.AssetClassCrypto, 100, th)
	assert.False(t, scoredCrypto.VolumeAnomaly)

	scoredStock := ScoreCandle(nil, c, model.AssetClassStock, 100, th)
	assert.True(t, scoredStock.VolumeAnomaly)
}

func TestScoreRange_CarriesPrev(t *testing.T) {
	th := DefaultThresholds()
	candles := []model.Candle{
		{Open: 100, High: 101, Low: 99, Close: 100, Volume: 100, Time: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		{Open: 100, High: 101, Low: 99, Close: 100, Volume: 100, Time: time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC)},
	}
	scored := ScoreRange(candles, model.AssetClassCrypto, th)
	assert.Len(t, scored, 2)
	for _, c := range scored {
		assert.True(t, c.Validated)
	}
}

func TestDefaultThresholds_Value(t *testing.T) {
	assert.Equal(t, 0.85, DefaultThresholds().QualityThreshold)
}
