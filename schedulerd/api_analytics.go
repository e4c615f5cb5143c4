package main

import (
	"context"
	"net/http"

	"github.com/emberhq/ember/schedulerd/analytics"
)

// ExecutionReader serves the analytics query endpoints. Implemented by the
// ClickHouse analytics store.
type ExecutionReader interface {
	RecentExecutions(ctx context.Context, scheduleID string, limit int) ([]analytics.ExecutionRecord, error)
	AggregateStats(ctx context.Context, windowHours int) (*analytics.Stats, error)
}

func (a *API) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if a.executions == nil {
		writeError(w, http.StatusServiceUnavailable, "analytics backend not configured")
		return
	}

	scheduleID := r.URL.Query().Get("schedule_id")
	limit := queryInt(r, "limit", 100, 1000)

	records, err := a.executions.RecentExecutions(r.Context(), scheduleID, limit)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if records == nil {
		records = []analytics.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": records,
		"count":      len(records),
	})
}

func (a *API) handleAnalyticsStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if a.executions == nil {
		writeError(w, http.StatusServiceUnavailable, "analytics backend not configured")
		return
	}

	hours := queryInt(r, "hours", 24, 24*90)
	stats, err := a.executions.AggregateStats(r.Context(), hours)
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
