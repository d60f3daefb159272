package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"mediafetch/internal/errs"
	"mediafetch/internal/history"
	"mediafetch/internal/media"
	"mediafetch/internal/progress"
	"mediafetch/internal/scheduler"
	"mediafetch/internal/scratch"
	"mediafetch/internal/source"
	"mediafetch/internal/transcode"
)

// run is the state of one job inside the executor.
type run struct {
	exec   *Executor
	job    *scheduler.Job
	ctx    context.Context
	cancel context.CancelCauseFunc
	logger *slog.Logger

	info      *source.Info
	selection media.Selection
	sources   []io.ReadCloser
	closeSrc  sync.Once
	scratch   *scratch.Resource
	body      *scratch.Reader

	done         chan struct{}
	started      bool
	transcodeErr error
	bytes        int64
}

// resolve looks the video up, picks renditions, allocates scratch space
// and opens the source streams, in that order.
func (r *run) resolve() error {
	spec := r.job.Spec
	info, err := r.exec.resolver.Resolve(r.ctx, spec.Locator)
	if err != nil {
		return err
	}
	r.info = info

	sel, err := media.Select(info.Renditions, spec.Type, spec.Quality)
	if err != nil {
		return err
	}
	r.selection = sel

	res, err := r.exec.scratch.Allocate(r.job.ID, spec.Type.Extension())
	if err != nil {
		return err
	}
	r.scratch = res

	for _, rendition := range sel.Inputs() {
		body, err := r.exec.resolver.Open(r.ctx, rendition)
		if err != nil {
			return err
		}
		r.sources = append(r.sources, body)
	}
	return nil
}

// stream starts the transcoder in the background. Its output lands in the
// scratch file; the outcome is recorded before done is closed.
func (r *run) stream() {
	r.started = true
	stopClosing := context.AfterFunc(r.ctx, r.closeSources)

	inputs := make([]io.Reader, len(r.sources))
	for i, src := range r.sources {
		inputs[i] = src
	}
	wd := startWatchdog(r.exec.stallTimeout, func() {
		r.cancel(errs.Newf(errs.StreamingStalled, "no output for %s", r.exec.stallTimeout))
	})
	duration := r.info.Duration

	go func() {
		defer close(r.done)
		err := r.exec.transcoder.Transcode(r.ctx, transcode.Request{
			JobID:          r.job.ID,
			Inputs:         inputs,
			Target:         transcode.Target{Type: r.job.Spec.Type, AudioKbps: r.targetKbps()},
			Output:         touchWriter{w: r.scratch, touch: wd.touch},
			MaxOutputBytes: r.exec.maxOutput,
			OnProgress: func(at time.Duration) {
				wd.touch()
				if duration > 0 {
					pct := float64(at) / float64(duration) * 100
					if pct > 99 {
						pct = 99
					}
					r.exec.publish(r.job, scheduler.Streaming, pct, nil)
				}
			},
		})
		wd.stop()
		stopClosing()
		r.closeSources()
		if err != nil {
			err = r.classify(err)
			r.logger.Warn("transcode failed", "error_kind", errs.KindOf(err), "error", err)
		}
		r.transcodeErr = err
		_ = r.scratch.CloseWrite(err)
	}()
}

func (r *run) targetKbps() int {
	if r.job.Spec.Type == media.Audio {
		return r.job.Spec.Quality.OutputKbps()
	}
	return 192
}

func (r *run) closeSources() {
	r.closeSrc.Do(func() {
		for _, src := range r.sources {
			_ = src.Close()
		}
	})
}

// classify prefers the reason the job context ended, which carries
// timeouts and stalls, over whatever error surfaced from the work itself.
func (r *run) classify(err error) error {
	if r.ctx.Err() != nil {
		cause := context.Cause(r.ctx)
		var e *errs.Error
		if errors.As(cause, &e) {
			return e
		}
		return errs.Wrap(errs.InternalError, "job canceled", cause)
	}
	if errors.Is(err, scratch.ErrNoOutput) {
		return errs.Wrap(errs.TranscodeError, "transcoder produced no output", err)
	}
	return err
}

// abort fails a job that never produced output and releases everything it
// holds. The classified error is returned for the caller.
func (r *run) abort(err error) error {
	err = r.classify(err)
	r.cancel(err)
	if r.started {
		<-r.done
	} else {
		r.closeSources()
		if r.scratch != nil {
			_ = r.scratch.CloseWrite(err)
		}
	}
	r.finish(err)
	return err
}

// finish releases job resources and records the outcome. It runs once per
// job, from abort or Result.Close.
func (r *run) finish(err error) {
	if r.body != nil {
		_ = r.body.Close()
	}
	if r.scratch != nil {
		r.scratch.Release()
	}
	r.cancel(context.Canceled)
	r.exec.sched.Finish(r.job, err)

	state := scheduler.Completed
	pct := 100.0
	if err != nil {
		state = scheduler.Failed
		pct = 0
	}
	r.exec.publish(r.job, state, pct, err)
	r.record(state, err)
}

func (r *run) record(state scheduler.State, err error) {
	if r.exec.history == nil {
		return
	}
	snap := r.job.Snapshot()
	entry := history.Entry{
		ID:         r.job.ID,
		VideoID:    r.job.Spec.Locator.ID,
		Type:       string(r.job.Spec.Type),
		Quality:    r.job.Spec.Quality.Label,
		State:      string(state),
		Bytes:      r.bytes,
		StartedAt:  snap.StartedAt,
		FinishedAt: snap.FinishedAt,
	}
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = time.Now()
	}
	if r.info != nil {
		entry.Title = r.info.Title
	}
	if err != nil {
		entry.ErrorKind = string(errs.KindOf(err))
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), ledgerTimeout)
	defer cancel()
	if werr := r.exec.history.Record(ctx, entry); werr != nil {
		r.logger.Warn("history write failed", "error", werr)
	}
}

func (r *run) meta() Meta {
	spec := r.job.Spec
	m := Meta{
		JobID:           r.job.ID,
		VideoID:         spec.Locator.ID,
		Title:           r.info.Title,
		Author:          r.info.Author,
		DurationSeconds: r.info.DurationSeconds(),
		Type:            spec.Type,
		Quality:         spec.Quality,
		StartedAt:       r.job.StartedAt,
		Quota:           r.job.Quota,
	}
	if spec.Type == media.Audio {
		m.ApproxSize = int64(spec.Quality.OutputKbps()) * 1000 / 8 * int64(m.DurationSeconds)
	} else {
		m.ApproxSize = r.selection.DeclaredSize()
	}
	return m
}

func (r *run) inputLabels() []string {
	inputs := r.selection.Inputs()
	labels := make([]string, len(inputs))
	for i, in := range inputs {
		labels[i] = media.Label(in)
	}
	return labels
}

func (e *Executor) publish(job *scheduler.Job, state scheduler.State, pct float64, err error) {
	u := progress.Update{
		JobID:    job.ID,
		State:    string(state),
		Progress: pct,
		Terminal: state.Terminal(),
	}
	if err != nil {
		u.Error = string(errs.KindOf(err))
	}
	e.progress.Publish(u)
}
