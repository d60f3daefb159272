package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"mediafetch/internal/api"
	"mediafetch/internal/observability/logging"
	"mediafetch/internal/observability/metrics"
)

// TimeoutConfig holds the listener timeouts. Downloads and progress streams
// lift the write deadline for themselves.
type TimeoutConfig struct {
	ReadHeader time.Duration
	Read       time.Duration
	Write      time.Duration
	Idle       time.Duration
}

type Config struct {
	Addr      string
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Timeouts  TimeoutConfig
	ClientIP  ClientIPConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Server owns the configured http.Server; serverutil.Run drives its
// listener lifecycle.
type Server struct {
	httpServer *http.Server
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, fmt.Errorf("configure cors: %w", err)
	}

	ips, err := newClientIPResolver(cfg.ClientIP)
	if err != nil {
		return nil, fmt.Errorf("configure client ip resolution: %w", err)
	}
	if handler.ClientKey == nil {
		handler.ClientKey = ips.clientKey
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Dependencies)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/api/health", handler.Health)
	mux.HandleFunc("/api/health/", handler.Health)
	mux.HandleFunc("/api/download", handler.Download)
	mux.HandleFunc("/api/download/", handler.DownloadSubtree)
	mux.HandleFunc("/api/info/", handler.Info)
	mux.HandleFunc("/api/history", handler.ListHistory)
	mux.HandleFunc("/", handler.Root)

	rl := newRateLimiter(cfg.RateLimit)
	handlerChain := http.Handler(mux)
	handlerChain = rateLimitMiddleware(rl, cfg.Logger, ips, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = corsMiddleware(policy, cfg.Logger, ips, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = loggingMiddleware(cfg.Logger, ips, handlerChain)
	handlerChain = requestIDMiddleware(cfg.Logger, handlerChain)

	timeouts := cfg.Timeouts.withDefaults()
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: timeouts.ReadHeader,
		ReadTimeout:       timeouts.Read,
		WriteTimeout:      timeouts.Write,
		IdleTimeout:       timeouts.Idle,
	}
	if cfg.Logger != nil {
		httpServer.ErrorLog = slog.NewLogLogger(cfg.Logger.Handler(), slog.LevelWarn)
	}

	httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	return &Server{httpServer: httpServer}, nil
}

func (t TimeoutConfig) withDefaults() TimeoutConfig {
	if t.ReadHeader <= 0 {
		t.ReadHeader = 5 * time.Second
	}
	if t.Read <= 0 {
		t.Read = 15 * time.Second
	}
	if t.Write <= 0 {
		t.Write = 15 * time.Second
	}
	if t.Idle <= 0 {
		t.Idle = 60 * time.Second
	}
	return t
}

// Handler exposes the assembled middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer returns the server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

func loggingMiddleware(logger *slog.Logger, ips *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			ip, source := resolveClientIP(r, ips)
			return []any{"remote_ip", ip, "ip_source", source}
		},
	})(next)
}
