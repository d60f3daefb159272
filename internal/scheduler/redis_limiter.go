package scheduler

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const defaultKeyPrefix = "mediafetch:ratelimit:"

// RedisConfig configures a fixed window counter shared by every replica.
type RedisConfig struct {
	Addr      string
	Password  string
	Timeout   time.Duration
	TLS       *tls.Config
	Limit     int
	Window    time.Duration
	KeyPrefix string
}

// RedisLimiter counts requests per client in fixed windows stored in Redis,
// so replicas behind a load balancer share one budget per client.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	prefix string
}

func NewRedisLimiter(cfg RedisConfig) (*RedisLimiter, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("redis limit must be positive")
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{addr},
		Password:     cfg.Password,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		TLSConfig:    cfg.TLS,
	})
	return &RedisLimiter{client: client, limit: cfg.Limit, window: window, prefix: prefix}, nil
}

func (l *RedisLimiter) Limit() int { return l.limit }

func (l *RedisLimiter) Take(ctx context.Context, clientKey string) (Decision, error) {
	key := l.key(clientKey)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis incr: %w", err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("redis expire: %w", err)
		}
	}
	if count > int64(l.limit) {
		ttl, err := l.client.PTTL(ctx, key).Result()
		if err != nil {
			return Decision{}, fmt.Errorf("redis pttl: %w", err)
		}
		if ttl <= 0 {
			// A key without expiry would block the client forever.
			if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
				return Decision{}, fmt.Errorf("redis expire: %w", err)
			}
			ttl = l.window
		}
		return Decision{Limit: l.limit, RetryAfter: ttl}, nil
	}
	return Decision{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - int(count),
		refund: func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			_ = l.client.Decr(ctx, key).Err()
		},
	}, nil
}

func (l *RedisLimiter) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

// key hashes the client key so raw addresses never land in Redis.
func (l *RedisLimiter) key(clientKey string) string {
	sum := blake2b.Sum256([]byte(clientKey))
	return l.prefix + hex.EncodeToString(sum[:16])
}

// LoadRedisTLS builds a client TLS config trusting the PEM bundle at caFile.
// An empty path yields nil, meaning plain TCP.
func LoadRedisTLS(caFile string) (*tls.Config, error) {
	caFile = strings.TrimSpace(caFile)
	if caFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read redis ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("redis ca %s contains no certificates", caFile)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}
