package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/emberhq/ember/schedulerd/config"
	"github.com/emberhq/ember/schedulerd/coordination"
	"github.com/emberhq/ember/schedulerd/engine"
	"github.com/emberhq/ember/schedulerd/store"
)

// API is the HTTP operational surface: health, stats, schedule CRUD,
// analytics queries and the live execution stream.
type API struct {
	cfg      config.Config
	log      zerolog.Logger
	engine   *engine.Engine
	hot      store.HotStore
	cold     store.ColdStore
	locks    *coordination.LockManager
	hotLoop  *engine.HotLoop
	transfer *engine.TransferLoop
	hub      *StreamHub

	// executions is nil when no analytics backend is configured; the
	// analytics endpoints then answer 503.
	executions ExecutionReader

	upgrader websocket.Upgrader

	// Storm protection on mutating endpoints.
	mutateLimiter *rate.Limiter
}

func NewAPI(cfg config.Config, eng *engine.Engine, hot store.HotStore, cold store.ColdStore,
	locks *coordination.LockManager, hotLoop *engine.HotLoop, transfer *engine.TransferLoop,
	hub *StreamHub, executions ExecutionReader, log zerolog.Logger) *API {
	return &API{
		cfg:        cfg,
		log:        log.With().Str("component", "api").Logger(),
		engine:     eng,
		hot:        hot,
		cold:       cold,
		locks:      locks,
		hotLoop:    hotLoop,
		transfer:   transfer,
		hub:        hub,
		executions: executions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		// 50 mutations/sec with burst 100 is far above normal ingest; the
		// limiter only bites during client retry storms.
		mutateLimiter: rate.NewLimiter(rate.Limit(50), 100),
	}
}

// Routes builds the full handler mux.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/stats", a.handleStats)
	mux.HandleFunc("/sync", a.handleSync)
	mux.HandleFunc("/cleanup", a.handleCleanup)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/schedules", a.handleSchedules)
	mux.HandleFunc("/schedules/", a.handleScheduleByID)
	mux.HandleFunc("/analytics/executions", a.handleExecutions)
	mux.HandleFunc("/analytics/stats", a.handleAnalyticsStats)
	mux.HandleFunc("/stream", a.handleStream)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeRateLimited answers 429 with a jittered Retry-After so a retry storm
// does not re-synchronize.
func (a *API) writeRateLimited(w http.ResponseWriter) {
	retryAfter := 1 + rand.Intn(2)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many requests")
}

func (a *API) storeError(w http.ResponseWriter, err error) {
	if store.IsTransient(err) {
		writeError(w, http.StatusServiceUnavailable, "backing store unavailable")
		return
	}
	a.log.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	detail := map[string]string{}
	healthy := true

	if err := a.hot.Ping(ctx); err != nil {
		detail["hot_store"] = err.Error()
		healthy = false
	}
	if err := a.cold.Ping(ctx); err != nil {
		detail["cold_store"] = err.Error()
		healthy = false
	}
	if err := a.locks.Ping(ctx); err != nil {
		detail["locks"] = err.Error()
		healthy = false
	}

	lastTick := a.hotLoop.LastTick()
	maxAge := 3 * a.cfg.ProcessingInterval.Std()
	if lastTick.IsZero() {
		detail["hot_loop"] = "has not ticked yet"
		healthy = false
	} else if age := time.Since(lastTick); age > maxAge {
		detail["hot_loop"] = fmt.Sprintf("last tick %s ago", age.Truncate(time.Millisecond))
		healthy = false
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"node":   a.cfg.NodeID,
		"detail": detail,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	stats := map[string]interface{}{
		"node_id":        a.cfg.NodeID,
		"stream_clients": a.hub.ClientCount(),
	}
	if n, err := a.hot.CountPending(ctx); err == nil {
		stats["pending_hot"] = n
	}
	if n, err := a.cold.CountPending(ctx); err == nil {
		stats["pending_cold"] = n
	}
	if n, err := a.hot.CountProcessing(ctx); err == nil {
		stats["processing"] = n
	}
	if n, err := a.hot.CountDue(ctx, now); err == nil {
		stats["due_now"] = n
	}
	if counters, err := a.hot.Counters(ctx); err == nil {
		stats["counters"] = counters
	}
	if t := a.hotLoop.LastTick(); !t.IsZero() {
		stats["last_tick_at"] = t
	}
	if t := a.transfer.LastTransfer(); !t.IsZero() {
		stats["last_transfer_at"] = t
	}
	if holder, err := a.transfer.LeaseHolder(ctx); err == nil && holder != "" {
		stats["transfer_lease_holder"] = holder
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !a.mutateLimiter.Allow() {
		a.writeRateLimited(w)
		return
	}

	promoted, err := a.transfer.TransferPass(r.Context())
	if errors.Is(err, engine.ErrBreakerOpen) {
		writeError(w, http.StatusServiceUnavailable, "transfers paused: cold store breaker open")
		return
	}
	if errors.Is(err, engine.ErrLeaseHeld) {
		holder, _ := a.transfer.LeaseHolder(r.Context())
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"status": "lease_held",
			"holder": holder,
		})
		return
	}
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "completed",
		"promoted": promoted,
	})
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !a.mutateLimiter.Allow() {
		a.writeRateLimited(w)
		return
	}

	err := a.transfer.CleanupPass(r.Context())
	if errors.Is(err, engine.ErrLeaseHeld) {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "lease_held"})
		return
	}
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (a *API) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleCreateSchedule(w, r)
	case http.MethodGet:
		a.handleListSchedules(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *API) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	if !a.mutateLimiter.Allow() {
		a.writeRateLimited(w)
		return
	}

	var evt store.ScheduledEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := a.engine.Schedule(r.Context(), &evt)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			writeError(w, http.StatusConflict, "schedule_id already exists with different content")
		case store.IsTransient(err):
			writeError(w, http.StatusServiceUnavailable, "backing store unavailable")
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"schedule_id": id})
}

func (a *API) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	status := store.Status(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 100, 1000)

	events, err := a.cold.List(r.Context(), status, limit)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if events == nil {
		events = []*store.ScheduledEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": events,
		"count":     len(events),
	})
}

func (a *API) handleScheduleByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/schedules/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		evt, err := a.engine.Lookup(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown schedule_id")
			return
		}
		if err != nil {
			a.storeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, evt)

	case http.MethodDelete:
		if !a.mutateLimiter.Allow() {
			a.writeRateLimited(w)
			return
		}
		res, err := a.engine.Cancel(r.Context(), id)
		if err != nil {
			a.storeError(w, err)
			return
		}
		switch res {
		case engine.CancelCancelled:
			writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		case engine.CancelTooLate:
			writeJSON(w, http.StatusConflict, map[string]string{"status": "too_late"})
		default:
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		}

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	a.hub.Register(conn)

	// Read pump: the stream is push-only, reads only surface disconnects.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				a.hub.Unregister(conn)
				return
			}
		}
	}()
}

func queryInt(r *http.Request, key string, def, max int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
