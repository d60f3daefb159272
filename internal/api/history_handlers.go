package api

import (
	"net/http"
	"strconv"
	"strings"

	"mediafetch/internal/errs"
	"mediafetch/internal/history"
)

type historyResponse struct {
	Entries []history.Entry `json:"entries"`
	Limit   int             `json:"limit"`
}

// ListHistory lists the most recent terminal jobs, newest first.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, errs.Invalid("limit", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	limit = history.ClampLimit(limit)

	resp := historyResponse{Entries: []history.Entry{}, Limit: limit}
	if h.History != nil {
		entries, err := h.History.Recent(r.Context(), limit)
		if err != nil {
			h.logger(r).Error("history read failed", "error", err)
			writeError(w, errs.Wrap(errs.InternalError, "history is unavailable", err))
			return
		}
		if entries != nil {
			resp.Entries = entries
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
