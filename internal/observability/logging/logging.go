package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"mediafetch/internal/observability/metrics"
)

type Config struct {
	Level  string
	Writer io.Writer
	Format string
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init creates a slog.Logger using the provided configuration and installs it
// as the process-wide default logger.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New creates a structured slog.Logger using the provided configuration.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	handler := newHandler(cfg, writer)
	return slog.New(handler)
}

func newHandler(cfg Config, writer io.Writer) slog.Handler {
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	switch LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) {
	case FormatText:
		return slog.NewTextHandler(writer, options)
	default:
		return slog.NewJSONHandler(writer, options)
	}
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		l := slog.LevelDebug
		return &l
	case "warn", "warning":
		l := slog.LevelWarn
		return &l
	case "error":
		l := slog.LevelError
		return &l
	case "info", "":
		fallthrough
	default:
		l := slog.LevelInfo
		return &l
	}
}

// WithComponent returns a logger annotated with the provided component field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	jobIDKey     contextKey = "job_id"
	jobSlotKey   contextKey = "job_id_slot"
	loggerKey    contextKey = "logger"
)

// ContextWithRequestID adds the provided request ID to the context when it is non-empty.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, trimmed)
}

// RequestIDFromContext extracts the request ID previously stored on the context.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(requestIDKey).(string)
	return value, ok && value != ""
}

// ContextWithJobID adds the provided job ID to the context when it is non-empty.
func ContextWithJobID(ctx context.Context, id string) context.Context {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, jobIDKey, trimmed)
}

// JobIDFromContext extracts the job ID previously stored on the context,
// either directly or through SetJobID.
func JobIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if value, ok := ctx.Value(jobIDKey).(string); ok && value != "" {
		return value, true
	}
	if slot, ok := ctx.Value(jobSlotKey).(*jobIDSlot); ok {
		value := slot.get()
		return value, value != ""
	}
	return "", false
}

// jobIDSlot lets a handler publish the job it started to middleware that
// only sees the request context it created.
type jobIDSlot struct {
	mu sync.Mutex
	id string
}

func (s *jobIDSlot) get() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *jobIDSlot) set(id string) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

// ContextWithJobIDSlot prepares ctx to receive a job ID via SetJobID.
func ContextWithJobIDSlot(ctx context.Context) context.Context {
	if _, ok := ctx.Value(jobSlotKey).(*jobIDSlot); ok {
		return ctx
	}
	return context.WithValue(ctx, jobSlotKey, &jobIDSlot{})
}

// SetJobID records id in the slot installed by ContextWithJobIDSlot and
// reports whether a slot was present.
func SetJobID(ctx context.Context, id string) bool {
	trimmed := strings.TrimSpace(id)
	if ctx == nil || trimmed == "" {
		return false
	}
	slot, ok := ctx.Value(jobSlotKey).(*jobIDSlot)
	if !ok {
		return false
	}
	slot.set(trimmed)
	return true
}

// ContextWithLogger attaches a logger to the context when available.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves a logger previously stored on the context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// FromContext returns the context logger annotated with request and job IDs,
// falling back to fallback and then slog.Default.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	logger := LoggerFromContext(ctx)
	if logger == nil {
		logger = fallback
	}
	if logger == nil {
		logger = slog.Default()
	}
	return WithContext(ctx, logger)
}

// WithContext returns a logger annotated with request and job IDs held in the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	if requestID, ok := RequestIDFromContext(ctx); ok {
		logger = logger.With("request_id", requestID)
	}
	if jobID, ok := JobIDFromContext(ctx); ok {
		logger = logger.With("job_id", jobID)
	}
	return logger
}

// RequestLoggerConfig configures the HTTP request logging middleware.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	AdditionalFields  func(*http.Request, int, time.Duration) []any
}

// RequestLogger returns middleware that logs HTTP requests using the provided
// configuration. Server errors log at error level and client errors at warn.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	baseLogger := cfg.Logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewResponseRecorder(w)
			r = r.WithContext(ContextWithJobIDSlot(r.Context()))
			start := time.Now()
			// Deferred so aborted deliveries still produce an access line.
			defer func() {
				logRequest(cfg, baseLogger, r, recorder, time.Since(start))
			}()
			next.ServeHTTP(recorder, r)
		})
	}
}

func logRequest(cfg RequestLoggerConfig, baseLogger *slog.Logger, r *http.Request, recorder *metrics.ResponseRecorder, duration time.Duration) {
	requestLogger := WithContext(r.Context(), baseLogger)
	if requestLogger == nil {
		return
	}

	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", recorder.Status(),
		"bytes", recorder.BytesWritten(),
		"duration_ms", duration.Milliseconds(),
	}

	if !cfg.DisableRemoteAddr {
		attrs = append(attrs, "remote_addr", r.RemoteAddr)
	}

	if cfg.AdditionalFields != nil {
		attrs = append(attrs, cfg.AdditionalFields(r, recorder.Status(), duration)...)
	}

	level := slog.LevelInfo
	switch status := recorder.Status(); {
	case status >= http.StatusInternalServerError:
		level = slog.LevelError
	case status >= http.StatusBadRequest:
		level = slog.LevelWarn
	}
	requestLogger.Log(r.Context(), level, "request completed", attrs...)
}
