package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/sawpanic/warehouse/internal/apierr"
	"github.com/sawpanic/warehouse/internal/model"
	"github.com/sawpanic/warehouse/internal/net/budget"
	"github.com/sawpanic/warehouse/internal/net/circuit"
	"github.com/sawpanic/warehouse/internal/store/candle"
	"github.com/sawpanic/warehouse/internal/store/job"
	"github.com/sawpanic/warehouse/internal/store/symbol"
	"github.com/sawpanic/warehouse/internal/worker"
)

const maxBackfillSymbols = 100

// SchedulerStatus is the narrow view Health needs; *scheduler.Scheduler
// satisfies it without httpapi importing the scheduler package's full
// dependency set.
type SchedulerStatus interface {
	Running() bool
}

// Handlers holds every collaborator the API surface needs and implements
// one method per spec §6.1 route, grounded on the teacher's Handlers
// struct (internal/interfaces/http/handlers/handlers.go).
type Handlers struct {
	symbols   *symbol.Registry
	candles   *candle.Store
	jobs      *job.Store
	w         *worker.Worker
	scheduler SchedulerStatus
	log       zerolog.Logger
}

// NewHandlers constructs the Handlers collection. scheduler may be nil if
// the serving process doesn't also run the scheduler loop.
func NewHandlers(symbols *symbol.Registry, candles *candle.Store, jobs *job.Store, w *worker.Worker, scheduler SchedulerStatus, log zerolog.Logger) *Handlers {
	return &Handlers{symbols: symbols, candles: candles, jobs: jobs, w: w, scheduler: scheduler, log: log}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("json encoding failed")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, errBody apierr.Error) {
	h.writeJSON(w, status, errBody)
}

func (h *Handlers) badRequest(w http.ResponseWriter, r *http.Request, code, message string) {
	status, body := apierr.BadRequest(code, message, requestIDFrom(r.Context()))
	h.writeError(w, r, status, body)
}

func (h *Handlers) notFound(w http.ResponseWriter, r *http.Request, code, message string) {
	status, body := apierr.NotFound(code, message, requestIDFrom(r.Context()))
	h.writeError(w, r, status, body)
}

func (h *Handlers) internal(w http.ResponseWriter, r *http.Request, code, message string) {
	status, body := apierr.Internal(code, message, requestIDFrom(r.Context()))
	h.writeError(w, r, status, body)
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.notFound(w, r, "endpoint_not_found", "the requested endpoint does not exist")
}

type healthResponse struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	SchedulerRunning bool      `json:"scheduler_running"`
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	running := false
	if h.scheduler != nil {
		running = h.scheduler.Running()
	}
	h.writeJSON(w, http.StatusOK, healthResponse{
		Status:           "healthy",
		Timestamp:        time.Now().UTC(),
		SchedulerRunning: running,
	})
}

// Status handles GET /status: warehouse-wide aggregate metrics.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	syms, err := h.symbols.List(r.Context(), false, "")
	if err != nil {
		h.internal(w, r, "list_symbols_failed", err.Error())
		return
	}
	stats, err := h.candles.GlobalStats(r.Context())
	if err != nil {
		h.internal(w, r, "global_stats_failed", err.Error())
		return
	}

	var budgets map[string]budget.Stats
	var breaker circuit.Stats
	if h.w != nil {
		if r := h.w.Router(); r != nil {
			budgets = r.BudgetStats()
			breaker = r.PrimaryBreakerStats()
		}
	}

	h.writeJSON(w, http.StatusOK, struct {
		SymbolCount      int                    `json:"symbol_count"`
		TotalRecords     int64                  `json:"total_records"`
		ValidatedCount   int64                  `json:"validated_count"`
		ValidationRate   float64                `json:"validation_rate"`
		LatestTimestamp  *time.Time             `json:"latest_timestamp,omitempty"`
		VendorBudgets    map[string]budget.Stats `json:"vendor_budgets,omitempty"`
		PrimaryBreaker   circuit.Stats          `json:"primary_circuit_breaker"`
	}{
		SymbolCount:     len(syms),
		TotalRecords:    stats.TotalRecords,
		ValidatedCount:  stats.ValidatedCount,
		ValidationRate:  stats.ValidationRate,
		LatestTimestamp: stats.LatestTimestamp,
		VendorBudgets:   budgets,
		PrimaryBreaker:  breaker,
	})
}

// Symbols handles GET /symbols: active symbols only.
func (h *Handlers) Symbols(w http.ResponseWriter, r *http.Request) {
	syms, err := h.symbols.List(r.Context(), true, "")
	if err != nil {
		h.internal(w, r, "list_symbols_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		Symbols []model.Symbol `json:"symbols"`
	}{Symbols: syms})
}

// SymbolsDetailed handles GET /symbols/detailed: active symbols plus their
// Candle Store stats.
func (h *Handlers) SymbolsDetailed(w http.ResponseWriter, r *http.Request) {
	syms, err := h.symbols.List(r.Context(), true, "")
	if err != nil {
		h.internal(w, r, "list_symbols_failed", err.Error())
		return
	}

	type detailed struct {
		model.Symbol
		Stats model.SymbolStats `json:"stats"`
	}
	out := make([]detailed, 0, len(syms))
	for _, s := range syms {
		stats, err := h.candles.SymbolStats(r.Context(), s.Symbol)
		if err != nil {
			h.internal(w, r, "symbol_stats_failed", err.Error())
			return
		}
		stats.Timeframes = s.Timeframes
		out = append(out, detailed{Symbol: s, Stats: stats})
	}
	h.writeJSON(w, http.StatusOK, struct {
		Symbols []detailed `json:"symbols"`
	}{Symbols: out})
}

// Historical handles GET /historical/{symbol}.
func (h *Handlers) Historical(w http.ResponseWriter, r *http.Request) {
	sym := mux.Vars(r)["symbol"]
	q := r.URL.Query()

	tf := model.Timeframe(q.Get("timeframe"))
	if tf == "" || !model.ValidTimeframes[tf] {
		h.badRequest(w, r, "invalid_timeframe", "timeframe is required and must be one of the supported codes")
		return
	}

	start, end, err := parseRange(q.Get("start"), q.Get("end"))
	if err != nil {
		h.badRequest(w, r, "invalid_date_range", err.Error())
		return
	}

	opts := candle.FetchRangeOpts{}
	if v := q.Get("validated_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.badRequest(w, r, "invalid_validated_only", "validated_only must be a bool")
			return
		}
		opts.ValidatedOnly = &b
	}
	if v := q.Get("min_quality"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			h.badRequest(w, r, "invalid_min_quality", "min_quality must be in [0,1]")
			return
		}
		opts.MinQuality = &f
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.badRequest(w, r, "invalid_limit", "limit must be a positive integer")
			return
		}
		opts.Limit = n
	}

	candles, err := h.candles.FetchRange(r.Context(), sym, tf, start, end, opts)
	if err != nil {
		h.internal(w, r, "fetch_range_failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, struct {
		Symbol    string         `json:"symbol"`
		Timeframe model.Timeframe `json:"timeframe"`
		Candles   []model.Candle `json:"candles"`
	}{Symbol: sym, Timeframe: tf, Candles: candles})
}

// dateOnlyLayout is the spec's boundary date format for POST /backfill,
// distinct from the full-timestamp RFC3339 the historical query params use.
const dateOnlyLayout = "2006-01-02"

type createBackfillRequest struct {
	Symbols    []string          `json:"symbols"`
	StartDate  string            `json:"start_date"`
	EndDate    string            `json:"end_date"`
	Timeframes []model.Timeframe `json:"timeframes"`
}

// CreateBackfill handles POST /backfill: creates a job and dispatches the
// Worker asynchronously, returning immediately with status "queued".
func (h *Handlers) CreateBackfill(w http.ResponseWriter, r *http.Request) {
	var req createBackfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, r, "invalid_json_body", "request body must be valid JSON")
		return
	}

	if len(req.Symbols) == 0 || len(req.Symbols) > maxBackfillSymbols {
		h.badRequest(w, r, "invalid_symbols", "symbols must contain between 1 and 100 entries")
		return
	}
	if len(req.Timeframes) == 0 {
		h.badRequest(w, r, "invalid_timeframes", "timeframes must not be empty")
		return
	}
	for _, tf := range req.Timeframes {
		if !model.ValidTimeframes[tf] {
			h.badRequest(w, r, "invalid_timeframes", "timeframe "+string(tf)+" is not in the supported set")
			return
		}
	}

	start, err := time.Parse(dateOnlyLayout, req.StartDate)
	if err != nil {
		h.badRequest(w, r, "invalid_start_date", "start_date must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse(dateOnlyLayout, req.EndDate)
	if err != nil {
		h.badRequest(w, r, "invalid_end_date", "end_date must be YYYY-MM-DD")
		return
	}
	if !end.After(start) {
		h.badRequest(w, r, "invalid_date_range", "end_date must be after start_date")
		return
	}

	jobID, err := h.jobs.CreateJob(r.Context(), req.Symbols, req.Timeframes, start, end)
	if err != nil {
		h.internal(w, r, "create_job_failed", err.Error())
		return
	}

	go func(jobID string) {
		if err := h.w.Run(context.Background(), jobID); err != nil {
			h.log.Error().Err(err).Str("job_id", jobID).Msg("dispatched backfill job failed")
		}
	}(jobID)

	h.writeJSON(w, http.StatusAccepted, struct {
		JobID        string            `json:"job_id"`
		Status       model.JobStatus   `json:"status"`
		SymbolsCount int               `json:"symbols_count"`
		DateRange    [2]time.Time      `json:"date_range"`
		Timeframes   []model.Timeframe `json:"timeframes"`
		Timestamp    time.Time         `json:"timestamp"`
	}{
		JobID:        jobID,
		Status:       model.JobQueued,
		SymbolsCount: len(req.Symbols),
		DateRange:    [2]time.Time{start, end},
		Timeframes:   req.Timeframes,
		Timestamp:    time.Now().UTC(),
	})
}

// BackfillStatus handles GET /backfill/status/{job_id}.
func (h *Handlers) BackfillStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	j, units, err := h.jobs.GetStatus(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			h.notFound(w, r, "job_not_found", "no job with that id")
			return
		}
		h.internal(w, r, "get_status_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		Job   *model.BackfillJob  `json:"job"`
		Units []model.JobProgress `json:"units"`
	}{Job: j, Units: units})
}

// BackfillRecent handles GET /backfill/recent.
func (h *Handlers) BackfillRecent(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			h.badRequest(w, r, "invalid_limit", "limit must be a positive integer <= 100")
			return
		}
		limit = n
	}
	jobs, err := h.jobs.Recent(r.Context(), limit)
	if err != nil {
		h.internal(w, r, "recent_jobs_failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		Jobs []model.BackfillJob `json:"jobs"`
	}{Jobs: jobs})
}

func parseRange(startRaw, endRaw string) (time.Time, time.Time, error) {
	if startRaw == "" || endRaw == "" {
		return time.Time{}, time.Time{}, errors.New("start and end are required (ISO 8601)")
	}
	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("start must be ISO 8601")
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("end must be ISO 8601")
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	return start, end, nil
}
