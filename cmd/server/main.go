// Command server starts the mediafetch HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mediafetch/internal/api"
	"mediafetch/internal/history"
	"mediafetch/internal/observability/logging"
	"mediafetch/internal/observability/metrics"
	"mediafetch/internal/pipeline"
	"mediafetch/internal/progress"
	"mediafetch/internal/scheduler"
	"mediafetch/internal/scratch"
	"mediafetch/internal/server"
	"mediafetch/internal/serverutil"
	"mediafetch/internal/source"
	"mediafetch/internal/transcode"
)

var version = "dev"

const (
	defaultClientRate      = 10
	defaultClientBurst     = 10
	defaultSweepInterval   = 15 * time.Second
	defaultProgressRetain  = 5 * time.Minute
	defaultHistoryCapacity = 500
)

type config struct {
	Mode            string
	Addr            string
	TLSCert         string
	TLSKey          string
	LogLevel        string
	LogFormat       string
	ScratchDir      string
	ScratchGrace    time.Duration
	SweepInterval   time.Duration
	MaxConcurrent   int
	ClientRate      float64
	ClientBurst     int
	RedisAddr       string
	RedisPassword   string
	RedisTimeout    time.Duration
	RedisTLSCA      string
	GlobalRPS       float64
	GlobalBurst     int
	TrustForwarded  bool
	TrustedProxies  []string
	ResolveTimeout  time.Duration
	StallTimeout    time.Duration
	FFmpegPath      string
	MaxOutputBytes  int64
	HistoryDriver   string
	HistoryDSN      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

// loadDotEnv populates the environment from path without overriding values
// that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func parseConfig(fset *flag.FlagSet, args []string) (config, error) {
	addr := fset.String("addr", "", "HTTP listen address")
	mode := fset.String("mode", "", "runtime mode (development or production)")
	tlsCert := fset.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fset.String("tls-key", "", "path to TLS private key file")
	logLevel := fset.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fset.String("log-format", "", "log format (json or text)")
	scratchDir := fset.String("scratch-dir", "", "directory for in-flight output files")
	scratchGrace := fset.Duration("scratch-grace", 0, "how long a released scratch file may linger while still held")
	sweepInterval := fset.Duration("scratch-sweep-interval", 0, "interval between scratch sweeps")
	maxConcurrent := fset.Int("max-concurrent", 0, "maximum jobs running at once")
	clientRate := fset.Float64("client-rate", 0, "download requests per minute allowed for one client")
	clientBurst := fset.Int("client-burst", 0, "burst allowance of the per-client bucket")
	redisAddr := fset.String("redis-addr", "", "Redis address for a client budget shared across replicas")
	redisPassword := fset.String("redis-password", "", "Redis password")
	redisTimeout := fset.Duration("redis-timeout", 0, "timeout for Redis operations")
	redisTLSCA := fset.String("redis-tls-ca", "", "path to a CA bundle enabling TLS to Redis")
	globalRPS := fset.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := fset.Int("rate-global-burst", 0, "global rate limit burst allowance")
	trustForwarded := fset.Bool("trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	trustedProxies := fset.String("trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	resolveTimeout := fset.Duration("resolve-timeout", 0, "deadline for resolving a video")
	stallTimeout := fset.Duration("stall-timeout", 0, "maximum time without output progress")
	ffmpegPath := fset.String("ffmpeg", "", "path to the ffmpeg binary")
	maxOutput := fset.Int("max-output-bytes", 0, "largest output a single job may produce")
	historyDriver := fset.String("history-driver", "", "job history store (memory, sqlite or postgres)")
	historyDSN := fset.String("history-dsn", "", "job history DSN or SQLite path")
	origins := fset.String("cors-origins", "", "comma separated origins allowed to call the API")
	shutdownTimeout := fset.Duration("shutdown-timeout", 0, "graceful shutdown deadline")
	if err := fset.Parse(args); err != nil {
		return config{}, err
	}

	cfg := config{
		Mode:            modeValue(*mode, os.Getenv("MEDIAFETCH_ENV")),
		TLSCert:         firstNonEmpty(*tlsCert, os.Getenv("MEDIAFETCH_TLS_CERT")),
		TLSKey:          firstNonEmpty(*tlsKey, os.Getenv("MEDIAFETCH_TLS_KEY")),
		LogLevel:        firstNonEmpty(*logLevel, os.Getenv("MEDIAFETCH_LOG_LEVEL"), "info"),
		LogFormat:       firstNonEmpty(*logFormat, os.Getenv("MEDIAFETCH_LOG_FORMAT"), "json"),
		ScratchDir:      firstNonEmpty(*scratchDir, os.Getenv("MEDIAFETCH_SCRATCH_DIR")),
		ScratchGrace:    resolveDuration(*scratchGrace, "MEDIAFETCH_SCRATCH_GRACE", scratch.DefaultGrace),
		SweepInterval:   resolveDuration(*sweepInterval, "MEDIAFETCH_SCRATCH_SWEEP_INTERVAL", defaultSweepInterval),
		MaxConcurrent:   resolveInt(*maxConcurrent, "MEDIAFETCH_MAX_CONCURRENT"),
		ClientRate:      resolveFloat(*clientRate, "MEDIAFETCH_CLIENT_RATE"),
		ClientBurst:     resolveInt(*clientBurst, "MEDIAFETCH_CLIENT_BURST"),
		RedisAddr:       firstNonEmpty(*redisAddr, os.Getenv("MEDIAFETCH_REDIS_ADDR")),
		RedisPassword:   firstNonEmpty(*redisPassword, os.Getenv("MEDIAFETCH_REDIS_PASSWORD")),
		RedisTimeout:    resolveDuration(*redisTimeout, "MEDIAFETCH_REDIS_TIMEOUT", 0),
		RedisTLSCA:      firstNonEmpty(*redisTLSCA, os.Getenv("MEDIAFETCH_REDIS_TLS_CA")),
		GlobalRPS:       resolveFloat(*globalRPS, "MEDIAFETCH_RATE_GLOBAL_RPS"),
		GlobalBurst:     resolveInt(*globalBurst, "MEDIAFETCH_RATE_GLOBAL_BURST"),
		TrustForwarded:  resolveBool(*trustForwarded, "MEDIAFETCH_TRUST_FORWARDED_HEADERS"),
		TrustedProxies:  splitAndTrim(firstNonEmpty(*trustedProxies, os.Getenv("MEDIAFETCH_TRUSTED_PROXIES"))),
		ResolveTimeout:  resolveDuration(*resolveTimeout, "MEDIAFETCH_RESOLVE_TIMEOUT", pipeline.DefaultResolveTimeout),
		StallTimeout:    resolveDuration(*stallTimeout, "MEDIAFETCH_STALL_TIMEOUT", pipeline.DefaultStallTimeout),
		FFmpegPath:      firstNonEmpty(*ffmpegPath, os.Getenv("MEDIAFETCH_FFMPEG_PATH")),
		MaxOutputBytes:  int64(resolveInt(*maxOutput, "MEDIAFETCH_MAX_OUTPUT_BYTES")),
		HistoryDriver:   strings.ToLower(firstNonEmpty(*historyDriver, os.Getenv("MEDIAFETCH_HISTORY_DRIVER"), "memory")),
		HistoryDSN:      firstNonEmpty(*historyDSN, os.Getenv("MEDIAFETCH_HISTORY_DSN"), os.Getenv("DATABASE_URL")),
		AllowedOrigins:  splitAndTrim(firstNonEmpty(*origins, os.Getenv("MEDIAFETCH_CORS_ORIGINS"))),
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "MEDIAFETCH_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
	}
	cfg.Addr = resolveListenAddr(*addr, cfg.Mode, os.Getenv("MEDIAFETCH_ADDR"))
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = scheduler.DefaultMaxConcurrent
	}
	if cfg.ClientRate <= 0 {
		cfg.ClientRate = defaultClientRate
	}
	if cfg.ClientBurst <= 0 {
		cfg.ClientBurst = defaultClientBurst
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = pipeline.DefaultMaxOutputBytes
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = defaultScratchDir()
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("both TLS cert and key must be provided")
	}
	switch c.HistoryDriver {
	case "memory":
	case "sqlite", "postgres", "postgresql":
		if strings.TrimSpace(c.HistoryDSN) == "" {
			return fmt.Errorf("history driver %q requires a DSN", c.HistoryDriver)
		}
	default:
		return fmt.Errorf("unsupported history driver %q", c.HistoryDriver)
	}
	if c.Mode == "production" && c.HistoryDriver == "memory" {
		return fmt.Errorf("production mode requires a persistent history driver")
	}
	return nil
}

func main() {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	recorder := metrics.Default()

	scratchMgr, err := scratch.NewManager(scratch.Config{Dir: cfg.ScratchDir, Grace: cfg.ScratchGrace, Logger: logger, Metrics: recorder})
	if err != nil {
		return fmt.Errorf("scratch: %w", err)
	}
	defer scratchMgr.Close()
	if removed, err := scratchMgr.PurgeStale(); err != nil {
		logger.Warn("failed to purge stale scratch files", "dir", cfg.ScratchDir, "error", err)
	} else if removed > 0 {
		logger.Info("purged stale scratch files", "dir", cfg.ScratchDir, "count", removed)
	}
	stopSweeper := startScratchSweepWorker(ctx, logging.WithComponent(logger, "scratch-sweeper"), scratchMgr, cfg.SweepInterval)
	defer stopSweeper()

	ledger, err := history.Open(ctx, history.Config{
		Driver:   cfg.HistoryDriver,
		DSN:      cfg.HistoryDSN,
		Capacity: defaultHistoryCapacity,
		Postgres: history.PostgresConfig{ApplicationName: "mediafetch"},
	})
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ledger.Close(closeCtx); err != nil {
			logger.Warn("failed to close history store", "error", err)
		}
	}()

	clients, redisLimiter, err := configureClientLimiter(cfg)
	if err != nil {
		return fmt.Errorf("client limiter: %w", err)
	}
	if redisLimiter != nil {
		defer redisLimiter.Close()
	}

	sched := scheduler.New(scheduler.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		Clients:       clients,
		Logger:        logger,
		Metrics:       recorder,
	})
	resolver := source.NewYouTube(source.YouTubeConfig{Logger: logger, Metrics: recorder})
	transcoder := transcode.NewFFmpeg(transcode.FFmpegConfig{Path: cfg.FFmpegPath, Logger: logger, Metrics: recorder})
	if err := transcoder.Check(ctx); err != nil {
		logger.Warn("ffmpeg is not usable, downloads will fail", "error", err)
	}

	exec, err := pipeline.New(pipeline.Config{
		Scheduler:      sched,
		Resolver:       resolver,
		Transcoder:     transcoder,
		Scratch:        scratchMgr,
		Progress:       progress.NewHub(defaultProgressRetain),
		History:        ledger,
		ResolveTimeout: cfg.ResolveTimeout,
		StallTimeout:   cfg.StallTimeout,
		MaxOutputBytes: cfg.MaxOutputBytes,
		Logger:         logger,
		Metrics:        recorder,
	})
	if err != nil {
		return err
	}

	handler := api.NewHandler(exec, resolver, transcoder)
	handler.Scheduler = sched
	handler.Scratch = scratchMgr
	handler.History = ledger
	handler.Metrics = recorder
	handler.Logger = logger
	handler.ResolveTimeout = cfg.ResolveTimeout
	handler.Service = api.ServiceInfo{Name: "mediafetch", Version: version, Environment: cfg.Mode}
	if redisLimiter != nil {
		handler.RateLimiter = redisLimiter
	}

	srv, err := server.New(handler, server.Config{
		Addr:      cfg.Addr,
		RateLimit: server.RateLimitConfig{GlobalRPS: cfg.GlobalRPS, GlobalBurst: cfg.GlobalBurst},
		CORS:      server.CORSConfig{AllowedOrigins: cfg.AllowedOrigins},
		ClientIP:  server.ClientIPConfig{TrustForwardedHeaders: cfg.TrustForwarded, TrustedProxies: cfg.TrustedProxies},
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		return err
	}

	logger.Info("starting mediafetch",
		"addr", cfg.Addr,
		"mode", cfg.Mode,
		"max_concurrent", cfg.MaxConcurrent,
		"history_driver", cfg.HistoryDriver,
		"distributed_limiter", redisLimiter != nil,
	)
	return serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	})
}

// configureClientLimiter returns the Redis limiter as its concrete type as
// well so the caller can close it and health-check it.
func configureClientLimiter(cfg config) (scheduler.ClientLimiter, *scheduler.RedisLimiter, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return scheduler.NewMemoryLimiter(scheduler.MemoryConfig{PerMinute: cfg.ClientRate, Burst: cfg.ClientBurst}), nil, nil
	}
	tlsCfg, err := scheduler.LoadRedisTLS(cfg.RedisTLSCA)
	if err != nil {
		return nil, nil, err
	}
	limiter, err := scheduler.NewRedisLimiter(scheduler.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Timeout:  cfg.RedisTimeout,
		TLS:      tlsCfg,
		Limit:    cfg.ClientBurst,
		Window:   time.Duration(float64(cfg.ClientBurst) / cfg.ClientRate * float64(time.Minute)),
	})
	if err != nil {
		return nil, nil, err
	}
	return limiter, limiter, nil
}

func defaultScratchDir() string {
	return filepath.Join(os.TempDir(), "mediafetch-scratch")
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := parseFloat(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := parseInt(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

func parseFloat(value string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(value), 64)
}

func parseInt(value string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	return v, nil
}
