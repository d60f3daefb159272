package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mediafetch/internal/delivery"
	"mediafetch/internal/errs"
	"mediafetch/internal/observability/logging"
	"mediafetch/internal/validate"
)

const progressHeartbeat = 15 * time.Second

type downloadRequest struct {
	URL     string `json:"url"`
	Type    string `json:"type"`
	Quality string `json:"quality"`
}

// Download validates the request, admits it and streams the transcoded
// output. POST takes a JSON body, GET the same fields as query parameters.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	switch r.Method {
	case http.MethodPost:
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	case http.MethodGet:
		q := r.URL.Query()
		req = downloadRequest{URL: q.Get("url"), Type: q.Get("type"), Quality: q.Get("quality")}
	default:
		methodNotAllowed(w, r, "GET, POST")
		return
	}

	spec, err := validate.Validate(validate.Input{URL: req.URL, Type: req.Type, Quality: req.Quality})
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.Executor.Submit(r.Context(), spec, h.clientKey(r))
	if err != nil {
		if e := errs.As(err); e.Kind == errs.RateLimited && h.Scheduler != nil {
			delivery.RateLimitHeaders(w.Header(), h.Scheduler.ClientLimit(), 0, e.RetryAfter)
		}
		h.logger(r).Info("download rejected", "video_id", spec.Locator.ID, "error_kind", errs.KindOf(err), "error", err)
		writeError(w, err)
		return
	}

	logging.SetJobID(r.Context(), res.Meta.JobID)
	delivery.Deliver(w, r, res, h.logger(r))
}

// DownloadSubtree routes /api/download/progress/{jobId} and rejects anything else
// below /api/download/.
func (h *Handler) DownloadSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/download/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] != "progress" || parts[1] == "" {
		h.NotFound(w, r)
		return
	}
	h.downloadProgress(w, r, parts[1])
}

// downloadProgress streams a job's progress as server-sent events until the
// job reaches a terminal state or the client leaves.
func (h *Handler) downloadProgress(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	if h.Progress == nil {
		h.NotFound(w, r)
		return
	}
	updates, ok := h.Progress.Subscribe(r.Context(), jobID)
	if !ok {
		writeJSON(w, http.StatusNotFound, delivery.ErrorBody{
			Error:   "NotFound",
			Message: fmt.Sprintf("job %s is unknown", jobID),
			Path:    r.URL.Path,
		})
		return
	}

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	heartbeat := time.NewTicker(progressHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case u, open := <-updates:
			if !open {
				return
			}
			payload, err := json.Marshal(u)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			_ = rc.Flush()
			if u.Terminal {
				return
			}
		}
	}
}
