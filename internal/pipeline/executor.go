// Package pipeline runs admitted jobs: it resolves the source, selects the
// renditions, feeds them through the transcoder into a scratch file and
// hands the caller a reader that follows the output as it is produced.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"mediafetch/internal/errs"
	"mediafetch/internal/history"
	"mediafetch/internal/media"
	"mediafetch/internal/observability/logging"
	"mediafetch/internal/observability/metrics"
	"mediafetch/internal/progress"
	"mediafetch/internal/scheduler"
	"mediafetch/internal/scratch"
	"mediafetch/internal/source"
	"mediafetch/internal/transcode"
	"mediafetch/internal/validate"
)

const (
	DefaultResolveTimeout = 30 * time.Second
	DefaultStallTimeout   = 60 * time.Second
	DefaultMaxOutputBytes = 500 << 20

	ledgerTimeout = 2 * time.Second
)

type Config struct {
	Scheduler      *scheduler.Scheduler
	Resolver       source.Resolver
	Transcoder     transcode.Transcoder
	Scratch        *scratch.Manager
	Progress       *progress.Hub
	History        history.Store
	ResolveTimeout time.Duration
	StallTimeout   time.Duration
	MaxOutputBytes int64
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

type Executor struct {
	sched          *scheduler.Scheduler
	resolver       source.Resolver
	transcoder     transcode.Transcoder
	scratch        *scratch.Manager
	progress       *progress.Hub
	history        history.Store
	resolveTimeout time.Duration
	stallTimeout   time.Duration
	maxOutput      int64
	logger         *slog.Logger
	metrics        *metrics.Recorder
}

func New(cfg Config) (*Executor, error) {
	switch {
	case cfg.Scheduler == nil:
		return nil, fmt.Errorf("pipeline: scheduler is required")
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("pipeline: resolver is required")
	case cfg.Transcoder == nil:
		return nil, fmt.Errorf("pipeline: transcoder is required")
	case cfg.Scratch == nil:
		return nil, fmt.Errorf("pipeline: scratch manager is required")
	}
	e := &Executor{
		sched:          cfg.Scheduler,
		resolver:       cfg.Resolver,
		transcoder:     cfg.Transcoder,
		scratch:        cfg.Scratch,
		progress:       cfg.Progress,
		history:        cfg.History,
		resolveTimeout: cfg.ResolveTimeout,
		stallTimeout:   cfg.StallTimeout,
		maxOutput:      cfg.MaxOutputBytes,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
	}
	if e.progress == nil {
		e.progress = progress.NewHub(0)
	}
	if e.resolveTimeout <= 0 {
		e.resolveTimeout = DefaultResolveTimeout
	}
	if e.stallTimeout <= 0 {
		e.stallTimeout = DefaultStallTimeout
	}
	if e.maxOutput <= 0 {
		e.maxOutput = DefaultMaxOutputBytes
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = logging.WithComponent(e.logger, "pipeline")
	if e.metrics == nil {
		e.metrics = metrics.Default()
	}
	return e, nil
}

// Progress exposes the hub jobs publish to.
func (e *Executor) Progress() *progress.Hub { return e.progress }

// Meta describes the output before any byte of it is sent.
type Meta struct {
	JobID           string
	VideoID         string
	Title           string
	Author          string
	DurationSeconds int
	ApproxSize      int64
	Type            media.Type
	Quality         media.Quality
	StartedAt       time.Time
	Quota           scheduler.Decision
}

// Submit admits spec for clientKey and runs it. Admission failures come
// back before any external call is made.
func (e *Executor) Submit(ctx context.Context, spec validate.JobSpec, clientKey string) (*Result, error) {
	job, err := e.sched.Admit(ctx, spec, clientKey)
	if err != nil {
		return nil, err
	}
	e.publish(job, scheduler.Admitted, 0, nil)
	return e.Run(ctx, job)
}

// Run drives an admitted job up to its first output byte. On success the
// caller owns the Result and must Close it; on failure the job has already
// been finished and every resource released.
func (e *Executor) Run(ctx context.Context, job *scheduler.Job) (*Result, error) {
	jobCtx, cancel := context.WithCancelCause(ctx)
	r := &run{
		exec:   e,
		job:    job,
		ctx:    jobCtx,
		cancel: cancel,
		logger: e.logger.With("job_id", job.ID, "video_id", job.Spec.Locator.ID),
		done:   make(chan struct{}),
	}

	if err := job.Advance(scheduler.Resolving); err != nil {
		return nil, r.abort(errs.Wrap(errs.InternalError, "job cannot start", err))
	}
	e.publish(job, scheduler.Resolving, 0, nil)
	r.logger.Info("job resolving")

	timer := time.AfterFunc(e.resolveTimeout, func() {
		cancel(errs.Newf(errs.ResolutionTimeout, "source did not resolve within %s", e.resolveTimeout))
	})
	err := r.resolve()
	if !timer.Stop() && err == nil {
		// The deadline fired as resolution finished; its cancel is in flight.
		<-jobCtx.Done()
		err = context.Cause(jobCtx)
	}
	if err != nil {
		return nil, r.abort(err)
	}

	if err := job.Advance(scheduler.Streaming); err != nil {
		return nil, r.abort(errs.Wrap(errs.InternalError, "job cannot stream", err))
	}
	e.publish(job, scheduler.Streaming, 0, nil)
	r.logger.Info("job streaming", "inputs", r.inputLabels())

	r.stream()

	body, err := r.scratch.NewReader(jobCtx)
	if err != nil {
		return nil, r.abort(errs.Wrap(errs.ScratchAllocationError, "open scratch reader", err))
	}
	r.body = body
	if err := r.scratch.WaitFirstByte(jobCtx); err != nil {
		return nil, r.abort(err)
	}
	return &Result{Meta: r.meta(), run: r}, nil
}

// Result is a running job's output. Read follows the transcoder; Close
// ends the job.
type Result struct {
	Meta Meta
	run  *run

	mu    sync.Mutex
	bytes int64
	eof   bool
	once  sync.Once
}

func (res *Result) Read(p []byte) (int, error) {
	n, err := res.run.body.Read(p)
	res.mu.Lock()
	res.bytes += int64(n)
	if err == io.EOF {
		res.eof = true
	}
	res.mu.Unlock()
	return n, err
}

// Close finishes the job. deliveryErr is the reason delivery stopped, nil
// when the caller believes the whole stream went out. Only the first call
// counts.
func (res *Result) Close(deliveryErr error) {
	res.once.Do(func() {
		res.mu.Lock()
		bytes, eof := res.bytes, res.eof
		res.mu.Unlock()

		r := res.run
		if deliveryErr == nil && !eof {
			deliveryErr = errDeliveryIncomplete
		}
		if deliveryErr != nil {
			r.cancel(errs.Wrap(errs.InternalError, "delivery stopped", deliveryErr))
		}
		<-r.done

		final := r.transcodeErr
		if final == nil && deliveryErr != nil {
			final = r.classify(deliveryErr)
		}
		r.exec.metrics.BytesDelivered(string(r.job.Spec.Type), bytes)
		r.bytes = bytes
		r.finish(final)
	})
}

var errDeliveryIncomplete = errors.New("delivery ended before the stream did")
