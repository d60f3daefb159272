package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of charging one token to a client bucket.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	refund     func()
}

// Refund hands the token back, for admissions that were later turned away
// for reasons outside the client's control.
func (d Decision) Refund() {
	if d.refund != nil {
		d.refund()
	}
}

// ClientLimiter charges requests against a per-client budget.
type ClientLimiter interface {
	Take(ctx context.Context, clientKey string) (Decision, error)
	Limit() int
}

// MemoryConfig sizes the in-process token bucket. PerMinute is the refill
// rate and Burst the bucket capacity.
type MemoryConfig struct {
	PerMinute float64
	Burst     int
	// IdleTTL evicts buckets untouched for this long. Defaults to ten refill
	// periods.
	IdleTTL time.Duration
	Now     func() time.Time
}

// MemoryLimiter keeps one token bucket per client in process memory.
type MemoryLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	now       func() time.Time
	clients   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemoryLimiter(cfg MemoryConfig) *MemoryLimiter {
	perMinute := cfg.PerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(perMinute)
		if burst < 1 {
			burst = 1
		}
	}
	limit := rate.Limit(perMinute / 60)
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = 10 * time.Duration(float64(time.Second)/float64(limit))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		limit:   limit,
		burst:   burst,
		idleTTL: idle,
		now:     now,
		clients: make(map[string]*clientBucket),
	}
}

func (l *MemoryLimiter) Limit() int { return l.burst }

// Take never blocks. A denied request reports how long until the next token
// accrues; waiting that long and retrying succeeds.
func (l *MemoryLimiter) Take(_ context.Context, clientKey string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.cleanupLocked(now)

	bucket, ok := l.clients[clientKey]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[clientKey] = bucket
	}
	bucket.lastSeen = now

	res := bucket.limiter.ReserveN(now, 1)
	if !res.OK() {
		return Decision{Limit: l.burst, RetryAfter: l.idleTTL}, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Decision{
			Limit:      l.burst,
			RetryAfter: (delay + time.Millisecond).Round(time.Millisecond),
		}, nil
	}

	remaining := int(bucket.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   true,
		Limit:     l.burst,
		Remaining: remaining,
		refund: func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			res.CancelAt(now)
		},
	}, nil
}

// Clients reports how many buckets are currently tracked.
func (l *MemoryLimiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *MemoryLimiter) cleanupLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	for key, bucket := range l.clients {
		if now.Sub(bucket.lastSeen) >= l.idleTTL {
			delete(l.clients, key)
		}
	}
	l.lastSweep = now
}
