package delivery

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"mediafetch/internal/errs"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	Path       string `json:"path,omitempty"`
}

// WriteError renders err with the status its kind maps to. Messages of
// errors outside the taxonomy are not exposed.
func WriteError(w http.ResponseWriter, err error) {
	e := errs.As(err)
	body := ErrorBody{Error: string(e.Kind), Message: e.Message, Field: e.Field}
	if body.Message == "" {
		body.Message = string(e.Kind)
	}
	if e.RetryAfter > 0 {
		body.RetryAfter = seconds(e.RetryAfter)
		w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
	}
	WriteJSON(w, errs.HTTPStatus(e.Kind), body)
}

// RateLimitHeaders describes the caller's bucket.
func RateLimitHeaders(h http.Header, limit, remaining int, reset time.Duration) {
	if remaining < 0 {
		remaining = 0
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	h.Set("X-RateLimit-Reset", strconv.Itoa(seconds(reset)))
}

func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
