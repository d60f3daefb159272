package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds the total request rate the server accepts across
// all callers. Zero GlobalRPS disables the guard.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
}

type rateLimiter struct {
	global *rate.Limiter
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.GlobalRPS <= 0 {
		return nil
	}
	burst := cfg.GlobalBurst
	if burst <= 0 {
		burst = int(cfg.GlobalRPS)
		if burst < 1 {
			burst = 1
		}
	}
	return &rateLimiter{global: rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)}
}

// allowRequest takes a token when one is available. When it is not, the
// returned duration is how long until one will be.
func (r *rateLimiter) allowRequest(now time.Time) (bool, time.Duration) {
	if r == nil || r.global == nil {
		return true, 0
	}
	res := r.global.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, ips *clientIPResolver, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := rl.allowRequest(time.Now())
		if !allowed {
			seconds := int(retryAfter.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			if reqLogger := loggingWithRequest(logger, ips, r); reqLogger != nil {
				reqLogger.Warn("global rate limit exceeded", "retry_after_s", seconds)
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeMiddlewareError(w, http.StatusTooManyRequests, "RateLimited", "global rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
