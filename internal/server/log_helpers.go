package server

import (
	"log/slog"
	"net/http"

	"mediafetch/internal/observability/logging"
)

// loggingWithRequest returns the request's logger annotated with the path,
// the resolved client IP and where that IP came from.
func loggingWithRequest(base *slog.Logger, resolver *clientIPResolver, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return nil
	}

	logger := logging.FromContext(r.Context(), base)
	ip, source := resolveClientIP(r, resolver)
	return logger.With(
		"path", r.URL.Path,
		"remote_ip", ip,
		"ip_source", source,
	)
}
