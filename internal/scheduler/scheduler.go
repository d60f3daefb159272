// Package scheduler admits validated jobs against a per-client rate budget
// and a global concurrency bound, and tracks them until they finish.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"mediafetch/internal/errs"
	"mediafetch/internal/observability/logging"
	"mediafetch/internal/observability/metrics"
	"mediafetch/internal/validate"
)

const DefaultMaxConcurrent = 4

type Config struct {
	MaxConcurrent int
	Clients       ClientLimiter
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
	Now           func() time.Time
}

// Stats summarises admission activity since start.
type Stats struct {
	Active        int            `json:"active"`
	MaxConcurrent int            `json:"maxConcurrent"`
	Admitted      uint64         `json:"admitted"`
	Completed     uint64         `json:"completed"`
	Failed        uint64         `json:"failed"`
	Rejected      map[string]int `json:"rejected"`
}

type Scheduler struct {
	max     int
	slots   *semaphore.Weighted
	clients ClientLimiter
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	mu       sync.RWMutex
	active   map[string]*Job
	rejected map[errs.Kind]int

	admitted  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

func New(cfg Config) *Scheduler {
	maxJobs := cfg.MaxConcurrent
	if maxJobs <= 0 {
		maxJobs = DefaultMaxConcurrent
	}
	clients := cfg.Clients
	if clients == nil {
		clients = NewMemoryLimiter(MemoryConfig{})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		max:      maxJobs,
		slots:    semaphore.NewWeighted(int64(maxJobs)),
		clients:  clients,
		logger:   logging.WithComponent(logger, "scheduler"),
		metrics:  recorder,
		now:      now,
		active:   make(map[string]*Job),
		rejected: make(map[errs.Kind]int),
	}
}

// Admit charges the client's bucket and claims a global slot. A client
// whose bucket is empty gets RateLimited whatever the global load; a client
// with budget left gets Overloaded when every slot is taken, and keeps its
// token.
func (s *Scheduler) Admit(ctx context.Context, spec validate.JobSpec, clientKey string) (*Job, error) {
	decision, err := s.clients.Take(ctx, clientKey)
	if err != nil {
		s.reject(errs.Overloaded)
		return nil, errs.Wrap(errs.Overloaded, "rate limiter unavailable", err)
	}
	if !decision.Allowed {
		s.reject(errs.RateLimited)
		return nil, errs.Limited(decision.RetryAfter)
	}
	if !s.slots.TryAcquire(1) {
		decision.Refund()
		s.reject(errs.Overloaded)
		return nil, &errs.Error{
			Kind:       errs.Overloaded,
			Message:    "server is at capacity",
			RetryAfter: time.Second,
		}
	}

	now := s.now()
	s.mu.Lock()
	id := s.newIDLocked()
	job := newJob(id, spec, clientKey, now)
	job.Quota = decision
	s.active[id] = job
	s.mu.Unlock()

	s.admitted.Add(1)
	s.metrics.JobAdmitted(string(spec.Type))
	s.logger.Info("job admitted",
		"job_id", id,
		"video_id", spec.Locator.ID,
		"type", spec.Type,
		"quality", spec.Quality.Label)
	return job, nil
}

// Finish ends job with err (nil meaning success) and frees its slot. Only
// the first call for a job has any effect.
func (s *Scheduler) Finish(job *Job, err error) {
	if job == nil {
		return
	}
	if !job.terminate(err, s.now()) {
		return
	}

	s.mu.Lock()
	delete(s.active, job.ID)
	s.mu.Unlock()
	s.slots.Release(1)

	mediaType := string(job.Spec.Type)
	if err != nil {
		s.failed.Add(1)
		kind := errs.KindOf(err)
		s.metrics.JobFailed(mediaType, string(kind))
		s.logger.Warn("job failed", "job_id", job.ID, "error_kind", kind, "error", err)
		return
	}
	s.completed.Add(1)
	s.metrics.JobCompleted(mediaType)
	s.logger.Info("job completed", "job_id", job.ID,
		"duration_ms", s.now().Sub(job.StartedAt).Milliseconds())
}

// Lookup finds an in-flight job.
func (s *Scheduler) Lookup(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.active[id]
	return job, ok
}

func (s *Scheduler) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

func (s *Scheduler) MaxConcurrent() int { return s.max }

// ClientLimit is the size of each client's budget.
func (s *Scheduler) ClientLimit() int { return s.clients.Limit() }

func (s *Scheduler) Clients() ClientLimiter { return s.clients }

func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	rejected := make(map[string]int, len(s.rejected))
	for kind, n := range s.rejected {
		rejected[string(kind)] = n
	}
	active := len(s.active)
	s.mu.RUnlock()
	return Stats{
		Active:        active,
		MaxConcurrent: s.max,
		Admitted:      s.admitted.Load(),
		Completed:     s.completed.Load(),
		Failed:        s.failed.Load(),
		Rejected:      rejected,
	}
}

func (s *Scheduler) reject(kind errs.Kind) {
	s.mu.Lock()
	s.rejected[kind]++
	s.mu.Unlock()
	s.metrics.AdmissionRejected(string(kind))
}

func (s *Scheduler) newIDLocked() string {
	for {
		id, err := uuid.NewV7()
		if err != nil {
			id = uuid.New()
		}
		if _, taken := s.active[id.String()]; !taken {
			return id.String()
		}
	}
}
