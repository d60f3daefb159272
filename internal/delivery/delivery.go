// Package delivery turns a running job into an HTTP response: descriptive
// headers first, then the transcoder output as it is produced. Failures
// before the first byte become JSON errors; later ones abort the connection.
package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"mediafetch/internal/observability/logging"
	"mediafetch/internal/pipeline"
)

const copyBufferSize = 32 << 10

// Headers writes the response headers for meta. now stamps the filename.
func Headers(h http.Header, meta pipeline.Meta, now time.Time) {
	name := NewFilename(meta.Title, meta.Quality.Label, meta.Type.Extension(), now)
	h.Set("Content-Type", meta.Type.ContentType())
	h.Set("Content-Disposition", name.ContentDisposition())
	h.Set("X-Video-Title", url.PathEscape(meta.Title))
	h.Set("X-Video-Duration", strconv.Itoa(meta.DurationSeconds))
	h.Set("X-Video-Author", url.PathEscape(meta.Author))
	h.Set("X-Job-Id", meta.JobID)
	h.Set("Cache-Control", "no-store")
	if meta.Quota.Limit > 0 {
		RateLimitHeaders(h, meta.Quota.Limit, meta.Quota.Remaining, meta.Quota.RetryAfter)
	}
}

// Deliver streams res to w and closes it. A failure after the status line
// has gone out cannot be reported, so the connection is aborted instead.
func Deliver(w http.ResponseWriter, r *http.Request, res *pipeline.Result, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	rc := http.NewResponseController(w)
	// Downloads outlive the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	Headers(w.Header(), res.Meta, time.Now())
	w.WriteHeader(http.StatusOK)

	written, err := copyFlushing(w, rc, res)
	if err != nil && r.Context().Err() != nil {
		err = context.Cause(r.Context())
	}
	res.Close(err)

	if id, ok := logging.JobIDFromContext(r.Context()); !ok || id != res.Meta.JobID {
		logger = logger.With("job_id", res.Meta.JobID)
	}
	logger = logger.With("bytes", written)
	if err != nil {
		logger.Warn("delivery aborted", "error", err)
		panic(http.ErrAbortHandler)
	}
	logger.Info("delivery completed", "approx_size", res.Meta.ApproxSize)
}

func copyFlushing(w io.Writer, rc *http.ResponseController, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return written, err
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
