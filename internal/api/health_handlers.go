package api

import (
	"net/http"
	"time"

	"mediafetch/internal/scheduler"
	"mediafetch/internal/scratch"
)

type healthResponse struct {
	Status      string `json:"status"`
	Service     string `json:"service"`
	Version     string `json:"version"`
	Uptime      int64  `json:"uptime"`
	Environment string `json:"environment"`
	Timestamp   string `json:"timestamp"`
}

func (h *Handler) health() healthResponse {
	return healthResponse{
		Status:      "ok",
		Service:     h.Service.Name,
		Version:     h.Service.Version,
		Uptime:      int64(h.uptime().Seconds()),
		Environment: h.Service.Environment,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

// Health routes the /api/health subtree.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	switch r.URL.Path {
	case "/api/health", "/api/health/":
		writeJSON(w, http.StatusOK, h.health())
	case "/api/health/detailed":
		h.healthDetailed(w, r)
	case "/api/health/dependencies":
		h.Dependencies(w, r)
	case "/api/health/stats":
		h.healthStats(w, r)
	default:
		h.NotFound(w, r)
	}
}

func (h *Handler) healthDetailed(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		healthResponse
		Scratch scratchDirStats `json:"scratch"`
		Runtime runtimeStats    `json:"runtime"`
	}{
		healthResponse: h.health(),
		Scratch:        h.scratchDirectory(),
		Runtime:        readRuntimeStats(),
	})
}

// Dependencies checks every collaborator and answers 503 when any of them
// is unhealthy. It also serves /healthz.
func (h *Handler) Dependencies(w http.ResponseWriter, r *http.Request) {
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"components": components,
	})
}

type statsResponse struct {
	Timestamp   string           `json:"timestamp"`
	Uptime      int64            `json:"uptime"`
	Jobs        *scheduler.Stats `json:"jobs,omitempty"`
	Scratch     *scratch.Stats   `json:"scratch,omitempty"`
	Transcoders int64            `json:"activeTranscoders"`
	Runtime     runtimeStats     `json:"runtime"`
}

func (h *Handler) healthStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    int64(h.uptime().Seconds()),
		Runtime:   readRuntimeStats(),
	}
	if h.Scheduler != nil {
		stats := h.Scheduler.Stats()
		resp.Jobs = &stats
	}
	if h.Scratch != nil {
		stats := h.Scratch.Stats()
		resp.Scratch = &stats
	}
	if h.Metrics != nil {
		resp.Transcoders = h.Metrics.ActiveTranscoders()
	}
	writeJSON(w, http.StatusOK, resp)
}
