package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantrade/edgerun/internal/domain"
	"github.com/vantrade/edgerun/internal/gates"
	"github.com/vantrade/edgerun/internal/persistence"
	"github.com/vantrade/edgerun/internal/regime"
)

type stubEngine struct {
	heartbeat time.Time
	scores    []domain.CompositeScore
	verdicts  []gates.Verdict
	positions []domain.Position
	cycles    []persistence.CycleRecord
}

func (s *stubEngine) LatestScores() []domain.CompositeScore { return s.scores }
func (s *stubEngine) RecentVerdicts(int) []gates.Verdict    { return s.verdicts }
func (s *stubEngine) OpenPositions() []domain.Position      { return s.positions }
func (s *stubEngine) LastHeartbeat() time.Time              { return s.heartbeat }
func (s *stubEngine) CurrentRegime() (regime.Regime, time.Time) {
	return regime.Panic, time.Now().Add(-2 * time.Hour)
}
func (s *stubEngine) RecentCycles(context.Context, int) ([]persistence.CycleRecord, error) {
	return s.cycles, nil
}

func newTestServer(engine Engine) *Server {
	return NewServer(DefaultServerConfig(), engine, nil, nil)
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHealthFreshHeartbeat(t *testing.T) {
	s := newTestServer(&stubEngine{heartbeat: time.Now()})
	rec, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestHealthStaleHeartbeat(t *testing.T) {
	s := newTestServer(&stubEngine{heartbeat: time.Now().Add(-10 * time.Minute)})
	rec, body := get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "stale", body["status"])
}

func TestScoresEndpoint(t *testing.T) {
	s := newTestServer(&stubEngine{scores: []domain.CompositeScore{
		{Symbol: "NVDA", FinalScore: 3.2, Regime: "risk_on"},
		{Symbol: "TSLA", FinalScore: 1.4, Regime: "risk_on"},
	}})
	rec, body := get(t, s, "/api/v1/scores")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestDecisionsEndpoint(t *testing.T) {
	s := newTestServer(&stubEngine{verdicts: []gates.Verdict{
		{Symbol: "NVDA", Outcome: gates.OutcomeAdmit},
	}})
	rec, body := get(t, s, "/api/v1/decisions?limit=10")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestPositionsEndpoint(t *testing.T) {
	s := newTestServer(&stubEngine{positions: []domain.Position{
		{Symbol: "NVDA", Side: domain.SideLong, Qty: 10},
	}})
	rec, body := get(t, s, "/api/v1/positions")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestRegimeEndpoint(t *testing.T) {
	s := newTestServer(&stubEngine{})
	rec, body := get(t, s, "/api/v1/regime")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "panic", body["regime"])
	assert.Greater(t, body["duration_hours"].(float64), 1.9)
}

func TestCyclesEndpoint(t *testing.T) {
	s := newTestServer(&stubEngine{cycles: []persistence.CycleRecord{
		{ID: "abc", Regime: "mixed", Admitted: 2},
	}})
	rec, body := get(t, s, "/api/v1/cycles")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
}

func TestRequestIDHeaderSet(t *testing.T) {
	s := newTestServer(&stubEngine{heartbeat: time.Now()})
	rec, _ := get(t, s, "/health")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHubBroadcastDropsSlowClients(t *testing.T) {
	h := NewHub()
	// No clients connected: broadcast must not block or panic.
	h.Broadcast(persistence.CycleRecord{ID: "x"})
	assert.Equal(t, 0, h.ClientCount())
}
