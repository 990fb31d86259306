package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/warehouse/internal/model"
)

// fakeScheduler is a fake SchedulerStatus, grounded on the teacher's
// fake-collaborator test style.
type fakeScheduler struct{ running bool }

func (f fakeScheduler) Running() bool { return f.running }

func TestHealth_ReportsSchedulerRunning(t *testing.T) {
	h := NewHandlers(nil, nil, nil, nil, fakeScheduler{running: true}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.True(t, body.SchedulerRunning)
}

func TestHealth_NilSchedulerReportsNotRunning(t *testing.T) {
	h := NewHandlers(nil, nil, nil, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.Health(w, req)

	var body healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.SchedulerRunning)
}

func TestHistorical_RejectsMissingTimeframe(t *testing.T) {
	h := NewHandlers(nil, nil, nil, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/historical/AAPL", nil)
	req = mux.SetURLVars(req, map[string]string{"symbol": "AAPL"})
	w := httptest.NewRecorder()
	h.Historical(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistorical_RejectsInvalidDateFormat(t *testing.T) {
	h := NewHandlers(nil, nil, nil, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/historical/AAPL?timeframe=1d&start=not-a-date&end=2025-01-02T00:00:00Z", nil)
	req = mux.SetURLVars(req, map[string]string{"symbol": "AAPL"})
	w := httptest.NewRecorder()
	h.Historical(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateBackfill_RejectsTooManySymbols(t *testing.T) {
	h := NewHandlers(nil, nil, nil, nil, nil, zerolog.Nop())

	symbols := make([]string, 101)
	for i := range symbols {
		symbols[i] = "SYM"
	}
	body, _ := json.Marshal(createBackfillRequest{
		Symbols:    symbols,
		StartDate:  "2025-01-01",
		EndDate:    "2025-01-02",
		Timeframes: []model.Timeframe{model.Timeframe1d},
	})

	req := httptest.NewRequest(http.MethodPost, "/backfill", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.CreateBackfill(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateBackfill_RejectsInvalidDateRange(t *testing.T) {
	h := NewHandlers(nil, nil, nil, nil, nil, zerolog.Nop())

	body, _ := json.Marshal(createBackfillRequest{
		Symbols:    []string{"AAPL"},
		StartDate:  "2025-01-02",
		EndDate:    "2025-01-01",
		Timeframes: []model.Timeframe{model.Timeframe1d},
	})

	req := httptest.NewRequest(http.MethodPost, "/backfill", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.CreateBackfill(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNotFound_ReturnsApierrEnvelope(t *testing.T) {
	h := NewHandlers(nil, nil, nil, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	w := httptest.NewRecorder()
	h.NotFound(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "code")
	assert.Contains(t, body, "request_id")
}
