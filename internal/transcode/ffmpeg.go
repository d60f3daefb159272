package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mediafetch/internal/errs"
	"mediafetch/internal/media"
	"mediafetch/internal/observability/logging"
	"mediafetch/internal/observability/metrics"
)

const (
	defaultBinary    = "ffmpeg"
	defaultWaitDelay = 5 * time.Second
	defaultAudioKbps = 192
)

var errOutputTooLarge = errors.New("output exceeds size limit")

type FFmpegConfig struct {
	Path      string
	WaitDelay time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// FFmpeg runs one ffmpeg process per request.
type FFmpeg struct {
	path      string
	waitDelay time.Duration
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = defaultBinary
	}
	wait := cfg.WaitDelay
	if wait <= 0 {
		wait = defaultWaitDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &FFmpeg{
		path:      path,
		waitDelay: wait,
		logger:    logging.WithComponent(logger, "transcoder"),
		metrics:   recorder,
	}
}

// Check verifies the binary can be found and executed.
func (f *FFmpeg) Check(ctx context.Context) error {
	_, err := f.Version(ctx)
	return err
}

// Version returns the first line of `ffmpeg -version`.
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	bin, err := exec.LookPath(f.path)
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found: %w", err)
	}
	out, err := exec.CommandContext(ctx, bin, "-hide_banner", "-version").Output()
	if err != nil {
		return "", fmt.Errorf("run ffmpeg -version: %w", err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// buildArgs lays out the ffmpeg command line. The first input is read from
// stdin, the second from file descriptor 3.
func buildArgs(target Target, inputs int) ([]string, error) {
	if inputs < 1 || inputs > 2 {
		return nil, fmt.Errorf("expected one or two inputs, got %d", inputs)
	}
	kbps := target.AudioKbps
	if kbps <= 0 {
		kbps = defaultAudioKbps
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-progress", "pipe:2",
		"-i", "pipe:0",
	}
	if inputs == 2 {
		args = append(args, "-i", "pipe:3")
	}

	switch target.Type {
	case media.Video:
		if inputs == 2 {
			args = append(args, "-map", "0:v:0", "-map", "1:a:0")
		} else {
			args = append(args, "-map", "0:v:0", "-map", "0:a:0?")
		}
		args = append(args,
			"-c:v", "libx264",
			"-preset", "fast",
			"-crf", "23",
			"-c:a", "aac",
			"-b:a", strconv.Itoa(kbps)+"k",
			"-movflags", "frag_keyframe+empty_moov+default_base_moof",
			"-f", "mp4",
		)
	case media.Audio:
		if inputs != 1 {
			return nil, fmt.Errorf("audio output takes a single input")
		}
		args = append(args,
			"-vn",
			"-map", "0:a:0",
			"-c:a", "libmp3lame",
			"-b:a", strconv.Itoa(kbps)+"k",
			"-f", "mp3",
		)
	default:
		return nil, fmt.Errorf("unsupported output type %q", target.Type)
	}
	return append(args, "pipe:1"), nil
}

// Transcode runs ffmpeg until the inputs are drained and the output is
// written, or ctx ends. Source read failures are reported as
// ContentUnavailable, encoder failures as TranscodeError.
func (f *FFmpeg) Transcode(ctx context.Context, req Request) error {
	args, err := buildArgs(req.Target, len(req.Inputs))
	if err != nil {
		return errs.Wrap(errs.InternalError, "invalid transcode request", err)
	}
	if req.Output == nil {
		return errs.New(errs.InternalError, "transcode output is required")
	}
	logger := f.logger.With("job_id", req.JobID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := &limitWriter{w: req.Output, limit: req.MaxOutputBytes, exceeded: cancel}
	stderr := newLogWriter(logger, req.OnProgress)

	cmd := exec.CommandContext(runCtx, f.path, args...)
	cmd.Stdout = out
	cmd.Stderr = stderr
	cmd.WaitDelay = f.waitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errs.Wrap(errs.TranscodeError, "open transcoder stdin", err)
	}
	writers := []io.WriteCloser{stdin}
	var extraRead *os.File
	if len(req.Inputs) == 2 {
		r, w, err := os.Pipe()
		if err != nil {
			return errs.Wrap(errs.TranscodeError, "open transcoder input pipe", err)
		}
		extraRead = r
		cmd.ExtraFiles = []*os.File{r}
		writers = append(writers, w)
	}

	if err := cmd.Start(); err != nil {
		for _, w := range writers {
			_ = w.Close()
		}
		if extraRead != nil {
			_ = extraRead.Close()
		}
		return errs.Wrap(errs.TranscodeError, "start ffmpeg", err)
	}
	if extraRead != nil {
		_ = extraRead.Close()
	}
	f.metrics.TranscoderStarted()
	logger.Debug("ffmpeg started", "pid", cmd.Process.Pid, "args", strings.Join(args, " "))

	var pumps errgroup.Group
	for i, input := range req.Inputs {
		src, dst := input, writers[i]
		pumps.Go(func() error { return pump(src, dst) })
	}

	waitErr := cmd.Wait()
	pumpErr := pumps.Wait()
	stderr.Flush()

	switch {
	case ctx.Err() != nil:
		f.metrics.TranscoderExited("canceled")
		return ctx.Err()
	case pumpErr != nil:
		f.metrics.TranscoderExited("source_error")
		return pumpErr
	case out.overflowed():
		f.metrics.TranscoderExited("too_large")
		return errs.Wrap(errs.TranscodeError,
			fmt.Sprintf("output exceeds %d bytes", req.MaxOutputBytes), errOutputTooLarge)
	case waitErr != nil:
		f.metrics.TranscoderExited("error")
		msg := "ffmpeg failed"
		if last := stderr.LastError(); last != "" {
			msg = "ffmpeg failed: " + last
		}
		return errs.Wrap(errs.TranscodeError, msg, waitErr)
	}
	f.metrics.TranscoderExited("ok")
	logger.Debug("ffmpeg finished", "bytes", out.written())
	return nil
}

// pump copies one source into an ffmpeg input and closes it so ffmpeg sees
// EOF. A write failure means ffmpeg stopped reading, which its exit status
// already reports.
func pump(src io.Reader, dst io.WriteCloser) error {
	defer dst.Close()
	buf := make([]byte, 64*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return nil
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return errs.Wrap(errs.ContentUnavailable, "source stream failed", rerr)
		}
	}
}

// limitWriter forwards to w and trips once more than limit bytes arrive.
type limitWriter struct {
	w        io.Writer
	limit    int64
	exceeded context.CancelFunc

	mu   sync.Mutex
	n    int64
	over bool
}

func (l *limitWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.over {
		return 0, errOutputTooLarge
	}
	if l.limit > 0 && l.n+int64(len(p)) > l.limit {
		l.over = true
		l.exceeded()
		return 0, errOutputTooLarge
	}
	n, err := l.w.Write(p)
	l.n += int64(n)
	return n, err
}

func (l *limitWriter) overflowed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.over
}

func (l *limitWriter) written() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// logWriter splits ffmpeg's stderr into lines. `-progress` key=value lines
// feed the progress callback; everything else is logged at debug level.
type logWriter struct {
	logger     *slog.Logger
	onProgress func(time.Duration)

	mu      sync.Mutex
	partial []byte
	last    string
}

func newLogWriter(logger *slog.Logger, onProgress func(time.Duration)) *logWriter {
	return &logWriter{logger: logger, onProgress: onProgress}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	data := append(w.partial, p...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		w.handleLine(data[:idx])
		data = data[idx+1:]
	}
	w.partial = append(w.partial[:0], data...)
	return total, nil
}

// Flush handles a trailing line without newline.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.handleLine(w.partial)
		w.partial = w.partial[:0]
	}
}

// LastError is the last non-progress line ffmpeg printed.
func (w *logWriter) LastError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *logWriter) handleLine(raw []byte) {
	line := string(bytes.TrimSpace(raw))
	if line == "" {
		return
	}
	if key, value, ok := strings.Cut(line, "="); ok && !strings.ContainsAny(key, " \t") {
		if key == "out_time_us" || key == "out_time_ms" {
			// Both keys carry microseconds.
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 && w.onProgress != nil {
				w.onProgress(time.Duration(us) * time.Microsecond)
			}
		}
		return
	}
	w.last = line
	w.logger.Debug("ffmpeg", "line", line)
}
