package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"mediafetch/internal/delivery"
	"mediafetch/internal/history"
	"mediafetch/internal/observability/logging"
	"mediafetch/internal/observability/metrics"
	"mediafetch/internal/pipeline"
	"mediafetch/internal/progress"
	"mediafetch/internal/scheduler"
	"mediafetch/internal/scratch"
	"mediafetch/internal/source"
	"mediafetch/internal/transcode"
)

const (
	defaultResolveTimeout = 30 * time.Second
	dependencyTimeout     = 5 * time.Second
)

// ServiceInfo names the running service in descriptors and health output.
type ServiceInfo struct {
	Name        string
	Version     string
	Environment string
}

// Pinger is anything health checks can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Executor    *pipeline.Executor
	Scheduler   *scheduler.Scheduler
	Resolver    source.Resolver
	Transcoder  transcode.Transcoder
	Scratch     *scratch.Manager
	Progress    *progress.Hub
	History     history.Store
	RateLimiter Pinger
	Metrics     *metrics.Recorder
	Logger      *slog.Logger
	Service     ServiceInfo

	// ResolveTimeout bounds metadata lookups made by the info endpoints.
	ResolveTimeout time.Duration
	// ClientKey identifies the caller for per-client quotas.
	ClientKey func(*http.Request) string

	startedAt time.Time
}

// NewHandler builds a handler around the executor. Progress comes from the
// executor; the remaining collaborators are optional fields.
func NewHandler(exec *pipeline.Executor, resolver source.Resolver, transcoder transcode.Transcoder) *Handler {
	h := &Handler{
		Executor:       exec,
		Resolver:       resolver,
		Transcoder:     transcoder,
		ResolveTimeout: defaultResolveTimeout,
		Service:        ServiceInfo{Name: "mediafetch", Version: "dev", Environment: "development"},
		startedAt:      time.Now(),
	}
	if exec != nil {
		h.Progress = exec.Progress()
	}
	return h
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.FromContext(r.Context(), base)
}

func (h *Handler) clientKey(r *http.Request) string {
	if h.ClientKey != nil {
		if key := h.ClientKey(r); key != "" {
			return key
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) uptime() time.Duration {
	if h.startedAt.IsZero() {
		return 0
	}
	return time.Since(h.startedAt)
}

type endpointList struct {
	Health   string `json:"health"`
	Info     string `json:"info"`
	Download string `json:"download"`
	Progress string `json:"progress"`
	History  string `json:"history"`
}

type rootResponse struct {
	Name      string       `json:"name"`
	Version   string       `json:"version"`
	Status    string       `json:"status"`
	Endpoints endpointList `json:"endpoints"`
}

// Root describes the service at "/" and answers every unmatched path with
// a JSON 404.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		h.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, r, "GET, HEAD")
		return
	}
	writeJSON(w, http.StatusOK, rootResponse{
		Name:    h.Service.Name,
		Version: h.Service.Version,
		Status:  "running",
		Endpoints: endpointList{
			Health:   "/api/health",
			Info:     "/api/info/{videoId}",
			Download: "/api/download",
			Progress: "/api/download/progress/{jobId}",
			History:  "/api/history",
		},
	})
}

func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, delivery.ErrorBody{
		Error:   "NotFound",
		Message: "the requested endpoint does not exist",
		Path:    r.URL.Path,
	})
}
