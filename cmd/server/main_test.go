package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mediafetch/internal/pipeline"
	"mediafetch/internal/scheduler"
	"mediafetch/internal/scratch"
)

func newFlagSet() *flag.FlagSet {
	fset := flag.NewFlagSet("server", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	return fset
}

func TestParseConfigDefaults(t *testing.T) {
	t.Setenv("MEDIAFETCH_ENV", "")
	t.Setenv("MEDIAFETCH_ADDR", "")
	t.Setenv("MEDIAFETCH_HISTORY_DRIVER", "")

	cfg, err := parseConfig(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("parseConfig returned error: %v", err)
	}
	if cfg.Mode != "development" {
		t.Fatalf("expected development mode, got %q", cfg.Mode)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("expected :8080, got %q", cfg.Addr)
	}
	if cfg.MaxConcurrent != scheduler.DefaultMaxConcurrent {
		t.Fatalf("expected max concurrent %d, got %d", scheduler.DefaultMaxConcurrent, cfg.MaxConcurrent)
	}
	if cfg.ClientRate != defaultClientRate || cfg.ClientBurst != defaultClientBurst {
		t.Fatalf("unexpected client budget %v/%d", cfg.ClientRate, cfg.ClientBurst)
	}
	if cfg.ScratchGrace != scratch.DefaultGrace {
		t.Fatalf("expected scratch grace %v, got %v", scratch.DefaultGrace, cfg.ScratchGrace)
	}
	if cfg.ResolveTimeout != pipeline.DefaultResolveTimeout || cfg.StallTimeout != pipeline.DefaultStallTimeout {
		t.Fatalf("unexpected timeouts %v %v", cfg.ResolveTimeout, cfg.StallTimeout)
	}
	if cfg.MaxOutputBytes != pipeline.DefaultMaxOutputBytes {
		t.Fatalf("expected max output %d, got %d", pipeline.DefaultMaxOutputBytes, cfg.MaxOutputBytes)
	}
	if cfg.HistoryDriver != "memory" {
		t.Fatalf("expected memory history, got %q", cfg.HistoryDriver)
	}
	if cfg.ScratchDir == "" {
		t.Fatal("expected a default scratch dir")
	}
}

func TestParseConfigFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("MEDIAFETCH_ADDR", ":9000")
	t.Setenv("MEDIAFETCH_MAX_CONCURRENT", "8")
	t.Setenv("MEDIAFETCH_STALL_TIMEOUT", "90s")
	t.Setenv("MEDIAFETCH_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("MEDIAFETCH_TRUST_FORWARDED_HEADERS", "true")

	cfg, err := parseConfig(newFlagSet(), []string{"-addr", ":7000", "-max-concurrent", "2"})
	if err != nil {
		t.Fatalf("parseConfig returned error: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("expected flag addr, got %q", cfg.Addr)
	}
	if cfg.MaxConcurrent != 2 {
		t.Fatalf("expected flag max concurrent, got %d", cfg.MaxConcurrent)
	}
	if cfg.StallTimeout != 90*time.Second {
		t.Fatalf("expected env stall timeout, got %v", cfg.StallTimeout)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
	if !cfg.TrustForwarded {
		t.Fatal("expected forwarded headers to be trusted from env")
	}
}

func TestParseConfigValidation(t *testing.T) {
	t.Setenv("MEDIAFETCH_ENV", "")
	t.Setenv("MEDIAFETCH_HISTORY_DRIVER", "")
	t.Setenv("MEDIAFETCH_HISTORY_DSN", "")
	t.Setenv("DATABASE_URL", "")

	cases := map[string][]string{
		"tls cert without key":   {"-tls-cert", "cert.pem"},
		"sqlite without dsn":     {"-history-driver", "sqlite"},
		"unknown history driver": {"-history-driver", "mongo"},
		"production in memory":   {"-mode", "production"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseConfig(newFlagSet(), args); err == nil {
				t.Fatalf("expected parseConfig to reject %v", args)
			}
		})
	}
}

func TestResolveListenAddrUsesModeDefault(t *testing.T) {
	if addr := resolveListenAddr("", "production", ""); addr != ":80" {
		t.Fatalf("expected :80 in production, got %q", addr)
	}
	if addr := resolveListenAddr("", "development", " :9090 "); addr != ":9090" {
		t.Fatalf("expected env addr, got %q", addr)
	}
}

func TestResolveHelpers(t *testing.T) {
	t.Setenv("MEDIAFETCH_TEST_INT", " 12 ")
	t.Setenv("MEDIAFETCH_TEST_FLOAT", "2.5")
	t.Setenv("MEDIAFETCH_TEST_DURATION", "bogus")
	t.Setenv("MEDIAFETCH_TEST_BOOL", "nope")

	if got := resolveInt(0, "MEDIAFETCH_TEST_INT"); got != 12 {
		t.Fatalf("resolveInt = %d", got)
	}
	if got := resolveInt(3, "MEDIAFETCH_TEST_INT"); got != 3 {
		t.Fatalf("resolveInt flag = %d", got)
	}
	if got := resolveFloat(0, "MEDIAFETCH_TEST_FLOAT"); got != 2.5 {
		t.Fatalf("resolveFloat = %v", got)
	}
	if got := resolveDuration(0, "MEDIAFETCH_TEST_DURATION", time.Second); got != time.Second {
		t.Fatalf("resolveDuration fallback = %v", got)
	}
	if resolveBool(false, "MEDIAFETCH_TEST_BOOL") {
		t.Fatal("resolveBool accepted an invalid value")
	}
	if got := splitAndTrim(" a, ,b "); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("splitAndTrim = %v", got)
	}
	if got := firstNonEmpty("", "  ", " x "); got != "x" {
		t.Fatalf("firstNonEmpty = %q", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := loadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing .env should be ignored, got %v", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("MEDIAFETCH_DOTENV_LOAD=from-file\nMEDIAFETCH_DOTENV_KEEP=from-file\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("MEDIAFETCH_DOTENV_KEEP", "from-env")
	t.Setenv("MEDIAFETCH_DOTENV_LOAD", "")
	os.Unsetenv("MEDIAFETCH_DOTENV_LOAD")

	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv returned error: %v", err)
	}
	if got := os.Getenv("MEDIAFETCH_DOTENV_LOAD"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("MEDIAFETCH_DOTENV_KEEP"); got != "from-env" {
		t.Fatalf("expected existing env to win, got %q", got)
	}
}

func TestConfigureClientLimiter(t *testing.T) {
	limiter, redisLimiter, err := configureClientLimiter(config{ClientRate: 10, ClientBurst: 5})
	if err != nil {
		t.Fatalf("configureClientLimiter returned error: %v", err)
	}
	if redisLimiter != nil {
		t.Fatal("expected no redis limiter without an address")
	}
	if limiter.Limit() != 5 {
		t.Fatalf("expected burst 5, got %d", limiter.Limit())
	}

	limiter, redisLimiter, err = configureClientLimiter(config{ClientRate: 10, ClientBurst: 5, RedisAddr: "127.0.0.1:6379"})
	if err != nil {
		t.Fatalf("configureClientLimiter returned error: %v", err)
	}
	defer redisLimiter.Close()
	if limiter.Limit() != 5 {
		t.Fatalf("expected redis limit 5, got %d", limiter.Limit())
	}

	if _, _, err := configureClientLimiter(config{ClientRate: 10, ClientBurst: 5, RedisAddr: "127.0.0.1:6379", RedisTLSCA: filepath.Join(t.TempDir(), "missing.pem")}); err == nil {
		t.Fatal("expected error for a missing redis CA bundle")
	}
}
