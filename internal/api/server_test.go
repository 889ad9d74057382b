package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"Go2NetStreamer/internal/metrics"
	"Go2NetStreamer/pkg/streamer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedStats struct{}

func (fixedStats) Stats() streamer.Stats {
	return streamer.Stats{PacketsProcessed: 42, FlowsCreated: 7, FlowsEmitted: 5, LiveFlows: 2}
}

func (fixedStats) Stages() []string { return []string{"dissector"} }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatsEndpoint(t *testing.T) {
	router := NewServer(":0", fixedStats{}).Router()

	rec := get(t, router, "/api/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 42, body["packets_processed"])
	assert.EqualValues(t, 2, body["live_flows"])
	assert.Equal(t, []any{"dissector"}, body["stages"])
}

func TestHealthAndMetrics(t *testing.T) {
	router := NewServer(":0", fixedStats{}).Router()

	rec := get(t, router, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	metrics.PacketsProcessed.Add(1)
	rec = get(t, router, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ns_streamer_packets_processed_total")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/stats", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer("127.0.0.1:0", fixedStats{})
	addr, err := s.Start()
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/api/v1/health")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
}
