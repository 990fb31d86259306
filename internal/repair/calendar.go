// Package repair implements the Gap Detector & Repair Driver: post-ingest
// gap detection against an asset-class-aware calendar, bounded-retry
// targeted re-fetch, and a revalidation pass over previously-unvalidated
// candles. No teacher precedent exists for the calendar logic itself; the
// JSON-summary writer and bounded-retry backoff are grounded on the
// scheduler's artifact-writing pattern (os.Create + json.NewEncoder) and
// the Vendor Client's own backoff-sequence style, respectively.
package repair

import (
	"time"

	"github.com/sawpanic/warehouse/internal/model"
)

// ExpectedDates returns the calendar of dates on which candles are expected
// for the given asset class between start and end (inclusive, UTC days).
// Crypto trades 24/7; equities and ETFs trade only on weekdays (a stand-in
// for a full market-holiday calendar, which the spec does not require).
func ExpectedDates(class model.AssetClass, start, end time.Time) []time.Time {
	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC().Truncate(24 * time.Hour)

	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if class == model.AssetClassCrypto || isTradingDay(d) {
			out = append(out, d)
		}
	}
	return out
}

func isTradingDay(d time.Time) bool {
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	default:
		return true
	}
}

// FindGaps diffs the expected calendar against the dates actually present
// and coalesces missing dates into contiguous ranges.
func FindGaps(symbol string, tf model.Timeframe, class model.AssetClass, start, end time.Time, present []time.Time) []model.Gap {
	have := make(map[time.Time]bool, len(present))
	for _, d := range present {
		have[d.UTC().Truncate(24*time.Hour)] = true
	}

	expected := ExpectedDates(class, start, end)

	var gaps []model.Gap
	var cur *model.Gap
	for _, d := range expected {
		if have[d] {
			if cur != nil {
				gaps = append(gaps, *cur)
				cur = nil
			}
			continue
		}
		if cur == nil {
			cur = &model.Gap{Symbol: symbol, Timeframe: tf, Start: d, End: d}
		} else {
			cur.End = d
		}
	}
	if cur != nil {
		gaps = append(gaps, *cur)
	}
	return gaps
}
