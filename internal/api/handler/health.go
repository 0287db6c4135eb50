package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/albapepper/slotwatch/internal/api/respond"
	"github.com/albapepper/slotwatch/internal/cache"
)

const statsCacheKey = "stats"

// HealthCheck returns basic health status.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": h.clock().UTC().Format(time.RFC3339),
	})
}

// HealthCheckDB verifies database connectivity and reports the last
// successful observation cycle.
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	live := h.reporter.Liveness(r.Context())
	status, code := "healthy", http.StatusOK
	if !live.Healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	body := map[string]any{
		"status":    status,
		"database":  live.Database,
		"timestamp": live.CheckedAt.UTC().Format(time.RFC3339),
	}
	if live.LastCycle != nil {
		body["last_cycle"] = live.LastCycle.UTC().Format(time.RFC3339)
	}
	respond.WriteJSONObject(w, code, body)
}

// HealthCheckCache returns response cache statistics.
func (h *Handler) HealthCheckCache(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"cache":     h.cache.Stats(),
		"timestamp": h.clock().UTC().Format(time.RFC3339),
	})
}

// GetStats returns the health report. Metrics that failed to load are
// marked unavailable rather than zeroed.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	if data, etag, ok := h.cache.Get(statsCacheKey); ok {
		if cache.CheckETagMatch(r.Header.Get("If-None-Match"), etag) {
			respond.WriteNotModified(w, etag)
			return
		}
		respond.WriteJSON(w, data, etag, cache.TTLStats, true)
		return
	}

	data, err := json.Marshal(h.reporter.Report(r.Context()))
	if err != nil {
		respond.WriteDomainError(w, h.logger, err)
		return
	}
	etag := h.cache.Set(statsCacheKey, data, cache.TTLStats)
	respond.WriteJSON(w, data, etag, cache.TTLStats, false)
}
