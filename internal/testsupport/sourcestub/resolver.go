// Package sourcestub is an in-memory source.Resolver for tests. Renditions
// carry their payload in the stream handle.
package sourcestub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"mediafetch/internal/errs"
	"mediafetch/internal/media"
	"mediafetch/internal/source"
	"mediafetch/internal/validate"
)

// Payload is what Open streams for a rendition.
type Payload struct {
	Data []byte
	// FailAfter makes the stream fail once Data is exhausted.
	FailAfter error
	// Hang blocks after Data until the reader is closed or the context ends.
	Hang bool
	// OpenErr makes Open itself fail.
	OpenErr error
}

func Combined(height int, p Payload) media.Combined {
	return media.Combined{Stream: stream(p), Height: height}
}

func VideoOnly(height int, p Payload) media.VideoOnly {
	return media.VideoOnly{Stream: stream(p), Height: height}
}

func AudioOnly(kbps int, p Payload) media.AudioOnly {
	return media.AudioOnly{Stream: stream(p), Kbps: kbps}
}

func stream(p Payload) media.Stream {
	return media.Stream{Handle: &p, MimeType: "application/octet-stream", Size: int64(len(p.Data))}
}

type Resolver struct {
	mu       sync.Mutex
	videos   map[string]*source.Info
	failures map[string]error
	delay    time.Duration
	pingErr  error

	resolved atomic.Int32
	opened   atomic.Int32
	open     atomic.Int32
}

func New() *Resolver {
	return &Resolver{videos: make(map[string]*source.Info), failures: make(map[string]error)}
}

// Add registers info under info.ID.
func (r *Resolver) Add(info *source.Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.videos[info.ID] = info
}

// Fail makes Resolve for id return err.
func (r *Resolver) Fail(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[id] = err
}

// SetDelay slows every Resolve down, honouring cancellation.
func (r *Resolver) SetDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay = d
}

func (r *Resolver) SetPingError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pingErr = err
}

// Resolved counts Resolve calls.
func (r *Resolver) Resolved() int { return int(r.resolved.Load()) }

// Opened counts successful Open calls.
func (r *Resolver) Opened() int { return int(r.opened.Load()) }

// OpenStreams counts streams opened and not yet closed.
func (r *Resolver) OpenStreams() int { return int(r.open.Load()) }

func (r *Resolver) Resolve(ctx context.Context, loc validate.Locator) (*source.Info, error) {
	r.resolved.Add(1)
	r.mu.Lock()
	delay := r.delay
	info, ok := r.videos[loc.ID]
	failure := r.failures[loc.ID]
	r.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if failure != nil {
		return nil, failure
	}
	if !ok {
		return nil, errs.New(errs.ContentUnavailable, fmt.Sprintf("video %s is unavailable", loc.ID))
	}
	clone := *info
	return &clone, nil
}

func (r *Resolver) Open(ctx context.Context, rend media.Rendition) (io.ReadCloser, error) {
	p, ok := rend.Source().Handle.(*Payload)
	if !ok {
		return nil, errors.New("sourcestub: foreign rendition")
	}
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	r.opened.Add(1)
	r.open.Add(1)
	return &reader{ctx: ctx, p: p, owner: r, closed: make(chan struct{})}, nil
}

func (r *Resolver) Ping(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pingErr
}

type reader struct {
	ctx   context.Context
	p     *Payload
	owner *Resolver
	off   int

	once   sync.Once
	closed chan struct{}
}

func (rd *reader) Read(b []byte) (int, error) {
	if rd.off < len(rd.p.Data) {
		n := copy(b, rd.p.Data[rd.off:])
		rd.off += n
		return n, nil
	}
	if rd.p.FailAfter != nil {
		return 0, rd.p.FailAfter
	}
	if rd.p.Hang {
		select {
		case <-rd.ctx.Done():
			return 0, rd.ctx.Err()
		case <-rd.closed:
			return 0, errors.New("sourcestub: read on closed stream")
		}
	}
	return 0, io.EOF
}

func (rd *reader) Close() error {
	rd.once.Do(func() {
		close(rd.closed)
		rd.owner.open.Add(-1)
	})
	return nil
}
