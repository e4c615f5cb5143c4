package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberhq/ember/schedulerd/analytics"
	"github.com/emberhq/ember/schedulerd/config"
	"github.com/emberhq/ember/schedulerd/coordination"
	"github.com/emberhq/ember/schedulerd/engine"
	"github.com/emberhq/ember/schedulerd/store"
)

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, topic, key string, headers map[string]string, body []byte) error {
	return nil
}

type apiFixture struct {
	api     *API
	srv     *httptest.Server
	hot     *store.MemoryHotStore
	cold    *store.MemoryColdStore
	hotLoop *engine.HotLoop
	hub     *StreamHub
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.Defaults()
	cfg.NodeID = "node-test"
	cfg.ColdBackend = "memory"

	hot := store.NewMemoryHotStore()
	cold := store.NewMemoryColdStore(7 * 24 * time.Hour)
	locks := coordination.NewLockManager(client, cfg.NodeID, zerolog.Nop())

	engCfg := engine.Config{NodeID: cfg.NodeID}
	eng := engine.NewEngine(hot, cold, engCfg, nil, zerolog.Nop())
	breaker := engine.NewBreaker("api-test-publish", 100, 30*time.Second, nil)
	hotBreaker := engine.NewBreaker("api-test-hot", 100, 30*time.Second, nil)
	coldBreaker := engine.NewBreaker("api-test-cold", 100, 30*time.Second, nil)
	sink := analytics.NewSink(nil, nil, analytics.SinkConfig{}, zerolog.Nop())
	hotLoop := engine.NewHotLoop(hot, cold, nopPublisher{}, sink, breaker, hotBreaker, engCfg, nil, zerolog.Nop())
	transfer := engine.NewTransferLoop(hot, cold, locks, coldBreaker, engCfg, nil, zerolog.Nop())

	hub := NewStreamHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	api := NewAPI(cfg, eng, hot, cold, locks, hotLoop, transfer, hub, nil, zerolog.Nop())
	srv := httptest.NewServer(api.Routes())
	t.Cleanup(srv.Close)

	return &apiFixture{api: api, srv: srv, hot: hot, cold: cold, hotLoop: hotLoop, hub: hub}
}

func (f *apiFixture) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthReflectsHotLoop(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "no tick yet")
	body := decodeBody(t, resp)
	assert.Equal(t, "degraded", body["status"])

	f.hotLoop.Tick(context.Background())

	resp, err = http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	body = decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "node-test", body["node"])
}

func TestScheduleLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postJSON(t, "/schedules", map[string]interface{}{
		"topic":        "orders.events",
		"scheduled_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"body":         []byte(`{"order_id":1}`),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody(t, resp)
	id, _ := created["schedule_id"].(string)
	require.NotEmpty(t, id)

	resp, err := http.Get(f.srv.URL + "/schedules/" + id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody(t, resp)
	assert.Equal(t, "orders.events", got["topic"])
	assert.Equal(t, "pending", got["status"])

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/schedules/"+id, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", decodeBody(t, resp)["status"])

	// A second cancel finds nothing cancellable left.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeBody(t, resp)["status"])
}

func TestScheduleNotFoundResponses(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.srv.URL + "/schedules/no-such-id")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, f.srv.URL+"/schedules/no-such-id", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decodeBody(t, resp)["status"])
}

func TestScheduleConflictOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	first := map[string]interface{}{"schedule_id": "dup-1", "topic": "t", "scheduled_at": at}
	resp := f.postJSON(t, "/schedules", first)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = f.postJSON(t, "/schedules", first)
	assert.Equal(t, http.StatusCreated, resp.StatusCode, "equivalent replay succeeds")
	resp.Body.Close()

	divergent := map[string]interface{}{"schedule_id": "dup-1", "topic": "other", "scheduled_at": at}
	resp = f.postJSON(t, "/schedules", divergent)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestScheduleValidationOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.postJSON(t, "/schedules", map[string]interface{}{
		"scheduled_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "topic required")
	resp.Body.Close()

	resp, err := http.Post(f.srv.URL+"/schedules", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestListSchedules(t *testing.T) {
	f := newAPIFixture(t)

	for i := 0; i < 3; i++ {
		resp := f.postJSON(t, "/schedules", map[string]interface{}{
			"topic":        "t",
			"scheduled_at": time.Now().Add(48 * time.Hour).Add(time.Duration(i) * time.Minute).UTC().Format(time.RFC3339),
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(f.srv.URL + "/schedules?status=pending&limit=2")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])
}

func TestStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	resp := f.postJSON(t, "/schedules", map[string]interface{}{
		"topic":        "t",
		"scheduled_at": time.Now().Add(time.Minute).UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()
	f.hotLoop.Tick(ctx)

	resp, err := http.Get(f.srv.URL + "/stats")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["pending_hot"])
	assert.Equal(t, "node-test", body["node_id"])
	assert.Contains(t, body, "last_tick_at")
	assert.Contains(t, body, "counters")
}

func TestSyncEndpointForcesTransfer(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	evt := &store.ScheduledEvent{
		ScheduleID:      "cold-due",
		Topic:           "t",
		ScheduledAt:     time.Now().Add(30 * time.Minute).UTC(),
		MaxDelaySeconds: 86400,
	}
	require.NoError(t, f.cold.Insert(ctx, evt))

	resp, err := http.Post(f.srv.URL+"/sync", "application/json", nil)
	require.NoError(t, err)
	body := decodeBody(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, float64(1), body["promoted"])

	promoted, err := f.hot.Get(ctx, "cold-due")
	require.NoError(t, err)
	assert.Equal(t, store.OriginTransfer, promoted.Origin)

	resp, err = http.Get(f.srv.URL + "/sync")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	resp.Body.Close()
}

func TestCleanupEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Post(f.srv.URL+"/cleanup", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", decodeBody(t, resp)["status"])
}

func TestAnalyticsEndpointsWithoutBackend(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{"/analytics/executions", "/analytics/stats"} {
		resp, err := http.Get(f.srv.URL + path)
		require.NoError(t, err, path)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
		resp.Body.Close()
	}
}

func TestStreamDeliversExecutionRecords(t *testing.T) {
	f := newAPIFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration goes through the hub loop; wait for it to land before
	// broadcasting.
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	rec := analytics.ExecutionRecord{
		ExecutionID: "exec-1",
		ScheduleID:  "sched-1",
		Topic:       "orders.events",
		Status:      analytics.ExecSuccess,
		ExecutedAt:  time.Now().UTC(),
	}
	f.hub.Broadcast(rec)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got analytics.ExecutionRecord
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, analytics.ExecSuccess, got.Status)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "ember_")
}

func TestRateLimiterOnMutations(t *testing.T) {
	f := newAPIFixture(t)
	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	limited := false
	for i := 0; i < 300; i++ {
		resp := f.postJSON(t, "/schedules", map[string]interface{}{
			"schedule_id":  fmt.Sprintf("burst-%d", i),
			"topic":        "t",
			"scheduled_at": at,
		})
		if resp.StatusCode == http.StatusTooManyRequests {
			assert.NotEmpty(t, resp.Header.Get("Retry-After"))
			limited = true
			resp.Body.Close()
			break
		}
		resp.Body.Close()
	}
	assert.True(t, limited, "a burst beyond the limiter rate gets 429")
}
