package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediafetch/internal/errs"
	"mediafetch/internal/history"
	"mediafetch/internal/media"
	"mediafetch/internal/observability/metrics"
	"mediafetch/internal/progress"
	"mediafetch/internal/scheduler"
	"mediafetch/internal/scratch"
	"mediafetch/internal/source"
	"mediafetch/internal/testsupport/sourcestub"
	"mediafetch/internal/transcode"
	"mediafetch/internal/validate"
)

const videoID = "dQw4w9WgXcQ"

// fakeTranscoder concatenates its inputs into the output, reporting source
// failures the way the ffmpeg wrapper does.
type fakeTranscoder struct {
	mu       sync.Mutex
	requests []transcode.Request
	fn       func(ctx context.Context, req transcode.Request) error
}

func (f *fakeTranscoder) Transcode(ctx context.Context, req transcode.Request) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	for _, in := range req.Inputs {
		if _, err := io.Copy(req.Output, in); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errs.Wrap(errs.ContentUnavailable, "source stream failed", err)
		}
		if req.OnProgress != nil {
			req.OnProgress(time.Second)
		}
	}
	return nil
}

func (f *fakeTranscoder) Check(context.Context) error { return nil }

func (f *fakeTranscoder) last() transcode.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type harness struct {
	exec     *Executor
	sched    *scheduler.Scheduler
	resolver *sourcestub.Resolver
	trans    *fakeTranscoder
	scratch  *scratch.Manager
	hub      *progress.Hub
	ledger   *history.Memory
}

type harnessOption func(*Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := scratch.NewManager(scratch.Config{Dir: t.TempDir(), Logger: logger})
	require.NoError(t, err)
	h := &harness{
		sched: scheduler.New(scheduler.Config{
			MaxConcurrent: 2,
			Clients:       scheduler.NewMemoryLimiter(scheduler.MemoryConfig{PerMinute: 600, Burst: 100}),
			Logger:        logger,
			Metrics:       metrics.New(),
		}),
		resolver: sourcestub.New(),
		trans:    &fakeTranscoder{},
		scratch:  mgr,
		hub:      progress.NewHub(time.Minute),
		ledger:   history.NewMemory(10),
	}
	cfg := Config{
		Scheduler:      h.sched,
		Resolver:       h.resolver,
		Transcoder:     h.trans,
		Scratch:        mgr,
		Progress:       h.hub,
		History:        h.ledger,
		ResolveTimeout: time.Second,
		StallTimeout:   time.Second,
		Logger:         logger,
		Metrics:        metrics.New(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.exec, err = New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { h.assertNoLeaks(t) })
	return h
}

func (h *harness) assertNoLeaks(t *testing.T) {
	t.Helper()
	assert.Equal(t, 0, h.sched.Active(), "jobs still active")
	assert.Equal(t, 0, h.resolver.OpenStreams(), "source streams still open")
	stats := h.scratch.Stats()
	assert.Equal(t, 0, stats.Active, "scratch resources still tracked")
	assert.Equal(t, stats.Allocated, stats.Released)
	entries, err := os.ReadDir(h.scratch.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files left behind")
}

func spec(t *testing.T, typ, quality string) validate.JobSpec {
	t.Helper()
	s, err := validate.Validate(validate.Input{URL: "https://youtu.be/" + videoID, Type: typ, Quality: quality})
	require.NoError(t, err)
	return s
}

func sampleInfo(rs ...media.Rendition) *source.Info {
	return &source.Info{
		ID:         videoID,
		Title:      "Never Gonna Give You Up",
		Author:     "Rick Astley",
		Duration:   213 * time.Second,
		ViewCount:  42,
		Renditions: rs,
	}
}

func TestVideoOnlyPlusAudioIsCombined(t *testing.T) {
	h := newHarness(t)
	h.resolver.Add(sampleInfo(
		sourcestub.Combined(720, sourcestub.Payload{Data: []byte("C720")}),
		sourcestub.VideoOnly(1080, sourcestub.Payload{Data: []byte("V1080")}),
		sourcestub.AudioOnly(192, sourcestub.Payload{Data: []byte("A192")}),
	))

	res, err := h.exec.Submit(context.Background(), spec(t, "video", "1080p"), "client")
	require.NoError(t, err)

	assert.Equal(t, "Never Gonna Give You Up", res.Meta.Title)
	assert.Equal(t, "Rick Astley", res.Meta.Author)
	assert.Equal(t, 213, res.Meta.DurationSeconds)
	assert.Equal(t, int64(len("V1080")+len("A192")), res.Meta.ApproxSize)

	body, err := io.ReadAll(res)
	require.NoError(t, err)
	res.Close(nil)
	assert.Equal(t, "V1080A192", string(body))

	req := h.trans.last()
	assert.Len(t, req.Inputs, 2)
	assert.Equal(t, media.Video, req.Target.Type)

	update, ok := h.hub.Last(res.Meta.JobID)
	require.True(t, ok)
	assert.Equal(t, "completed", update.State)
	assert.Equal(t, 100.0, update.Progress)

	entries, err := h.ledger.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "completed", entries[0].State)
	assert.Equal(t, int64(9), entries[0].Bytes)
	assert.Equal(t, "Never Gonna Give You Up", entries[0].Title)
}

func TestAudioJobUsesRequestedBitrate(t *testing.T) {
	h := newHarness(t)
	h.resolver.Add(sampleInfo(
		sourcestub.AudioOnly(128, sourcestub.Payload{Data: []byte("A128")}),
		sourcestub.AudioOnly(256, sourcestub.Payload{Data: []byte("A256")}),
	))

	res, err := h.exec.Submit(context.Background(), spec(t, "audio", "320k"), "client")
	require.NoError(t, err)
	body, err := io.ReadAll(res)
	require.NoError(t, err)
	res.Close(nil)

	assert.Equal(t, "A256", string(body))
	assert.Equal(t, 320, h.trans.last().Target.AudioKbps)
	assert.Equal(t, int64(320*1000/8*213), res.Meta.ApproxSize)
}

func TestUnavailableAllocatesNoScratch(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec.Submit(context.Background(), spec(t, "video", "720p"), "client")
	require.Error(t, err)
	assert.Equal(t, errs.ContentUnavailable, errs.KindOf(err))
	assert.Equal(t, 404, errs.HTTPStatus(errs.KindOf(err)))
	assert.Equal(t, uint64(0), h.scratch.Stats().Allocated)

	entries, err := h.ledger.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "failed", entries[0].State)
	assert.Equal(t, "ContentUnavailable", entries[0].ErrorKind)
}

func TestNoMatchingRendition(t *testing.T) {
	h := newHarness(t)
	h.resolver.Add(sampleInfo(sourcestub.VideoOnly(720, sourcestub.Payload{Data: []byte("v")})))

	_, err := h.exec.Submit(context.Background(), spec(t, "audio", "128k"), "client")
	assert.Equal(t, errs.NoMatchingRendition, errs.KindOf(err))
	assert.Equal(t, uint64(0), h.scratch.Stats().Allocated)
}

func TestResolutionTimeout(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.ResolveTimeout = 50 * time.Millisecond })
	h.resolver.Add(sampleInfo(sourcestub.Combined(720, sourcestub.Payload{Data: []byte("c")})))
	h.resolver.SetDelay(time.Second)

	start := time.Now()
	_, err := h.exec.Submit(context.Background(), spec(t, "video", "720p"), "client")
	assert.Equal(t, errs.ResolutionTimeout, errs.KindOf(err))
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestOpenFailureReleasesScratch(t *testing.T) {
	h := newHarness(t)
	h.resolver.Add(sampleInfo(
		sourcestub.VideoOnly(1080, sourcestub.Payload{Data: []byte("v")}),
		sourcestub.AudioOnly(128, sourcestub.Payload{OpenErr: errs.New(errs.ContentUnavailable, "stream gone")}),
	))

	_, err := h.exec.Submit(context.Background(), spec(t, "video", "1080p"), "client")
	assert.Equal(t, errs.ContentUnavailable, errs.KindOf(err))
	assert.Equal(t, uint64(1), h.scratch.Stats().Allocated)
}

func TestSourceFailureBeforeFirstByte(t *testing.T) {
	h := newHarness(t)
	h.resolver.Add(sampleInfo(
		sourcestub.Combined(720, sourcestub.Payload{FailAfter: errors.New("connection reset")}),
	))

	_, err := h.exec.Submit(context.Background(), spec(t, "video", "720p"), "client")
	assert.Equal(t, errs.ContentUnavailable, errs.KindOf(err))
}

func TestTranscoderWithoutOutput(t *testing.T) {
	h := newHarness(t)
	h.resolver.Add(sampleInfo(sourcestub.AudioOnly(128, sourcestub.Payload{Data: []byte("a")})))
	h.trans.fn = func(context.Context, transcode.Request) error { return nil }

	_, err := h.exec.Submit(context.Background(), spec(t, "audio", "128k"), "client")
	assert.Equal(t, errs.TranscodeError, errs.KindOf(err))
}

func TestTranscoderFailure(t *testing.T) {
	h := newHarness(t)
	h.resolver.Add(sampleInfo(sourcestub.AudioOnly(128, sourcestub.Payload{Data: []byte("a")})))
	h.trans.fn = func(context.Context, transcode.Request) error {
		return errs.New(errs.TranscodeError, "ffmpeg failed: Invalid data found")
	}

	_, err := h.exec.Submit(context.Background(), spec(t, "audio", "128k"), "client")
	assert.Equal(t, errs.TranscodeError, errs.KindOf(err))
	update, ok := h.hub.Last(h.trans.last().JobID)
	require.True(t, ok)
	assert.Equal(t, "failed", update.State)
	assert.Equal(t, "TranscodeError", update.Error)
}

func TestStallBeforeFirstByte(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.StallTimeout = 80 * time.Millisecond })
	h.resolver.Add(sampleInfo(sourcestub.AudioOnly(128, sourcestub.Payload{Hang: true})))

	_, err := h.exec.Submit(context.Background(), spec(t, "audio", "128k"), "client")
	assert.Equal(t, errs.StreamingStalled, errs.KindOf(err))
}

func TestStallAfterFirstByte(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.StallTimeout = 80 * time.Millisecond })
	h.resolver.Add(sampleInfo(sourcestub.AudioOnly(128, sourcestub.Payload{Data: []byte("abc"), Hang: true})))

	res, err := h.exec.Submit(context.Background(), spec(t, "audio", "128k"), "client")
	require.NoError(t, err)

	body, err := io.ReadAll(res)
	assert.Equal(t, "abc", string(body))
	assert.Equal(t, errs.StreamingStalled, errs.KindOf(err))
	res.Close(err)

	entries, lerr := h.ledger.Recent(context.Background(), 1)
	require.NoError(t, lerr)
	assert.Equal(t, "StreamingStalled", entries[0].ErrorKind)
	assert.Equal(t, int64(3), entries[0].Bytes)
}

func TestClientDisconnectStopsJob(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.StallTimeout = time.Minute })
	h.resolver.Add(sampleInfo(sourcestub.AudioOnly(128, sourcestub.Payload{Data: []byte("abc"), Hang: true})))

	ctx, cancel := context.WithCancel(context.Background())
	res, err := h.exec.Submit(ctx, spec(t, "audio", "128k"), "client")
	require.NoError(t, err)

	buf := make([]byte, 3)
	_, err = io.ReadFull(res, buf)
	require.NoError(t, err)

	cancel()
	res.Close(context.Canceled)
	res.Close(nil)

	update, ok := h.hub.Last(res.Meta.JobID)
	require.True(t, ok)
	assert.Equal(t, "failed", update.State)
	assert.Equal(t, uint64(1), h.sched.Stats().Failed)
}

func TestCloseWithoutReadingFailsJob(t *testing.T) {
	h := newHarness(t)
	h.resolver.Add(sampleInfo(sourcestub.AudioOnly(128, sourcestub.Payload{Data: []byte("abc"), Hang: true})))

	res, err := h.exec.Submit(context.Background(), spec(t, "audio", "128k"), "client")
	require.NoError(t, err)
	res.Close(nil)
	assert.Equal(t, uint64(1), h.sched.Stats().Failed)
}

func TestOverloadedBeforeAnyExternalCall(t *testing.T) {
	h := newHarness(t)
	h.resolver.Add(sampleInfo(sourcestub.AudioOnly(128, sourcestub.Payload{Data: []byte("abc"), Hang: true})))

	first, err := h.exec.Submit(context.Background(), spec(t, "audio", "128k"), "a")
	require.NoError(t, err)
	second, err := h.exec.Submit(context.Background(), spec(t, "audio", "128k"), "b")
	require.NoError(t, err)

	resolvedBefore := h.resolver.Resolved()
	_, err = h.exec.Submit(context.Background(), spec(t, "audio", "128k"), "c")
	assert.Equal(t, errs.Overloaded, errs.KindOf(err))
	assert.Equal(t, resolvedBefore, h.resolver.Resolved())

	first.Close(errors.New("test done"))
	second.Close(errors.New("test done"))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
