// Package budget tracks each vendor source's daily request allowance. A
// free-tier API key has a hard daily cap; without tracking it locally the
// warehouse only discovers the cap once the vendor starts returning 429s,
// by which point a whole backfill group has already wasted its retry
// budget against a source that was never going to answer. Tracking usage
// locally lets the Router degrade a source to unavailable before that
// happens and warn well before the hard limit.
//
// Grounded on the teacher's hand-rolled daily tracker (internal/net/budget),
// restructured around a single mutex (the original's atomic-counter-plus-
// RWMutex split added no safety the mutex alone doesn't already give) and
// trimmed to the calls the Router actually makes: AddProvider once at
// startup, Consume per request, Stats for the /status endpoint.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrExhausted is wrapped by BudgetExhaustedError; kept for callers that only
// want to errors.Is against the sentinel without the per-provider detail.
var ErrExhausted = errors.New("daily request budget exhausted")

// BudgetExhaustedError reports that a provider's daily cap has been reached
// and when it resets.
type BudgetExhaustedError struct {
	Provider string
	Used     int64
	Limit    int64
	ResetsAt time.Time
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("%s: daily budget exhausted (%d/%d used, resets %s)",
		e.Provider, e.Used, e.Limit, e.ResetsAt.Format("15:04 UTC"))
}

func (e *BudgetExhaustedError) Unwrap() error { return ErrExhausted }

// BudgetWarningError reports that a provider has crossed its warn threshold
// but has not yet exhausted its daily cap; Consume still succeeds.
type BudgetWarningError struct {
	Provider  string
	Used      int64
	Limit     int64
	Threshold float64
}

func (e *BudgetWarningError) Error() string {
	return fmt.Sprintf("%s: %.0f%% of daily budget used (%d/%d), warn threshold %.0f%%",
		e.Provider, 100*float64(e.Used)/float64(e.Limit), e.Used, e.Limit, e.Threshold*100)
}

// tracker is one provider's daily counter, reset at resetHour UTC.
type tracker struct {
	mu            sync.Mutex
	limit         int64
	used          int64
	resetHour     int
	warnThreshold float64
	windowStart   time.Time
}

func newTracker(limit int64, resetHour int, warnThreshold float64) *tracker {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	if warnThreshold <= 0 || warnThreshold > 1 {
		warnThreshold = 0.8
	}
	return &tracker{
		limit:         limit,
		resetHour:     resetHour,
		warnThreshold: warnThreshold,
		windowStart:   windowStart(time.Now().UTC(), resetHour),
	}
}

// windowStart returns the most recent resetHour:00 UTC at or before now.
func windowStart(now time.Time, resetHour int) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), resetHour, 0, 0, 0, time.UTC)
	if now.Before(today) {
		return today.AddDate(0, 0, -1)
	}
	return today
}

// rolloverLocked resets the counter if the current window has elapsed.
// Caller must hold t.mu.
func (t *tracker) rolloverLocked(now time.Time) {
	if !now.Before(t.windowStart.Add(24 * time.Hour)) {
		t.used = 0
		t.windowStart = windowStart(now, t.resetHour)
	}
}

func (t *tracker) consume(provider string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	t.rolloverLocked(now)

	if t.used >= t.limit {
		return &BudgetExhaustedError{Provider: provider, Used: t.used, Limit: t.limit, ResetsAt: t.windowStart.Add(24 * time.Hour)}
	}
	t.used++

	if t.used < t.limit && float64(t.used)/float64(t.limit) >= t.warnThreshold {
		return &BudgetWarningError{Provider: provider, Used: t.used, Limit: t.limit, Threshold: t.warnThreshold}
	}
	return nil
}

func (t *tracker) stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rolloverLocked(time.Now().UTC())
	util := float64(t.used) / float64(t.limit)
	return Stats{
		Limit:       t.limit,
		Used:        t.used,
		Remaining:   t.limit - t.used,
		Utilization: util,
		ResetsAt:    t.windowStart.Add(24 * time.Hour),
		IsWarning:   util >= t.warnThreshold,
		IsExhausted: t.used >= t.limit,
	}
}

// Stats is a point-in-time snapshot of one provider's daily usage.
type Stats struct {
	Limit       int64     `json:"limit"`
	Used        int64     `json:"used"`
	Remaining   int64     `json:"remaining"`
	Utilization float64   `json:"utilization"`
	ResetsAt    time.Time `json:"resets_at"`
	IsWarning   bool      `json:"is_warning"`
	IsExhausted bool      `json:"is_exhausted"`
}

// Manager tracks daily budgets for every configured vendor source.
type Manager struct {
	mu       sync.RWMutex
	trackers map[string]*tracker
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{trackers: make(map[string]*tracker)}
}

// AddProvider registers a daily budget for provider. limit is the daily
// request cap, resetHour the UTC hour the counter rolls over, warnThreshold
// the utilization fraction (0, 1] at which Consume starts returning
// BudgetWarningError instead of nil.
func (m *Manager) AddProvider(provider string, limit int64, resetHour int, warnThreshold float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackers[provider] = newTracker(limit, resetHour, warnThreshold)
}

// Consume records one request against provider's daily budget. It returns
// nil for an untracked provider (no budget configured), *BudgetWarningError
// once utilization crosses the warn threshold while requests remain (the
// request still counted; the request that uses the last unit returns nil),
// or *BudgetExhaustedError once the daily cap is reached (the request did
// not count).
func (m *Manager) Consume(provider string) error {
	m.mu.RLock()
	t, ok := m.trackers[provider]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return t.consume(provider)
}

// Stats returns a snapshot for every tracked provider, keyed by provider name.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.trackers))
	for provider, t := range m.trackers {
		out[provider] = t.stats()
	}
	return out
}

// Warnings returns "provider (NN% used)" strings for every tracked provider
// currently at or above its warn threshold.
func (m *Manager) Warnings() []string {
	var warnings []string
	for provider, s := range m.Stats() {
		if s.IsWarning {
			warnings = append(warnings, fmt.Sprintf("%s (%.0f%% used)", provider, s.Utilization*100))
		}
	}
	return warnings
}
