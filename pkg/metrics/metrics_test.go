package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	rec := newPrometheusRecorder("alice", prometheus.NewRegistry())

	rec.ObserveRequest("claude-sonnet-4-5", true, "", 120*time.Millisecond)
	rec.ObserveRequest("claude-sonnet-4-5", false, "rate_limit", 80*time.Millisecond)
	rec.IncRetry("claude-sonnet-4-5", "rate_limit")
	rec.ObserveRound("solo", 2*time.Second)
	rec.ObserveRound("solo", time.Second)
	rec.ObserveRound("synthesis", 4*time.Second)
	rec.IncRoundExpired("deadline")
	rec.IncDispatch("held")
	rec.IncDedupHit("content")
	rec.IncInbound("fast")
	rec.AddQuarantined(3)
	rec.ObserveSemaphoreWait("coordination", 10*time.Millisecond)
	rec.IncReconnect()

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.requestsTotal.WithLabelValues("claude-sonnet-4-5", "success", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.requestsTotal.WithLabelValues("claude-sonnet-4-5", "error", "rate_limit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.retriesTotal.WithLabelValues("claude-sonnet-4-5", "rate_limit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.roundsTotal.WithLabelValues("solo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.roundsTotal.WithLabelValues("synthesis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.roundsExpired.WithLabelValues("deadline")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.dispatchesTotal.WithLabelValues("held")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.dedupHitsTotal.WithLabelValues("content")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.inboundTotal.WithLabelValues("fast")))
	assert.Equal(t, 3.0, testutil.ToFloat64(rec.quarantinedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.reconnectsTotal))

	// Histograms collect one series per observed label set.
	assert.Equal(t, 1, testutil.CollectAndCount(rec.requestDuration))
	assert.Equal(t, 2, testutil.CollectAndCount(rec.roundDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(rec.semaphoreWait))
}

func TestPrometheusRecorderIgnoresNonPositiveQuarantine(t *testing.T) {
	rec := newPrometheusRecorder("alice", prometheus.NewRegistry())

	rec.AddQuarantined(0)
	rec.AddQuarantined(-2)

	assert.Equal(t, 0.0, testutil.ToFloat64(rec.quarantinedTotal))
}

func TestNopRecorder(t *testing.T) {
	rec := Nop()
	require.NotNil(t, rec)

	rec.ObserveRequest("claude-sonnet-4-5", true, "", time.Second)
	rec.IncRetry("claude-sonnet-4-5", "rate_limit")
	rec.ObserveRound("parallel", time.Second)
	rec.IncRoundExpired("deadline")
	rec.IncDispatch("dropped")
	rec.IncDedupHit("id")
	rec.IncInbound("poll")
	rec.AddQuarantined(1)
	rec.ObserveSemaphoreWait("layer2", time.Millisecond)
	rec.IncReconnect()
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(_ context.Context) error {
	return f.err
}

func newTestListener(t *testing.T, pinger Pinger) *httptest.Server {
	t.Helper()

	srv := NewServer("alice", pinger)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestListener(t, &fakePinger{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "alice", body["agent"])
	assert.NotEmpty(t, body["version"])
}

func TestHealthEndpointDegradedStore(t *testing.T) {
	ts := newTestListener(t, &fakePinger{err: errors.New("connection refused")})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body["status"])
	assert.Contains(t, body["error"], "connection refused")
}

func TestHealthEndpointRejectsPost(t *testing.T) {
	ts := newTestListener(t, nil)

	resp, err := http.Post(ts.URL+"/healthz", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpointServesDefaultRegistry(t *testing.T) {
	ts := newTestListener(t, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}
