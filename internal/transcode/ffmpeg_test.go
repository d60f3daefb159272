package transcode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcolgate/mp3"

	"mediafetch/internal/errs"
	"mediafetch/internal/media"
	"mediafetch/internal/observability/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildArgs(t *testing.T) {
	args, err := buildArgs(Target{Type: media.Audio, AudioKbps: 256}, 1)
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-i pipe:0")
	assert.Contains(t, joined, "-c:a libmp3lame -b:a 256k -f mp3")
	assert.NotContains(t, joined, "pipe:3")
	assert.Equal(t, "pipe:1", args[len(args)-1])

	args, err = buildArgs(Target{Type: media.Video}, 2)
	require.NoError(t, err)
	joined = strings.Join(args, " ")
	assert.Contains(t, joined, "-i pipe:0 -i pipe:3")
	assert.Contains(t, joined, "-map 0:v:0 -map 1:a:0")
	assert.Contains(t, joined, "-c:v libx264 -preset fast -crf 23")
	assert.Contains(t, joined, "-b:a 192k")
	assert.Contains(t, joined, "frag_keyframe+empty_moov")

	args, err = buildArgs(Target{Type: media.Video}, 1)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(args, " "), "-map 0:a:0?")

	_, err = buildArgs(Target{Type: media.Audio}, 2)
	assert.Error(t, err)
	_, err = buildArgs(Target{Type: media.Video}, 0)
	assert.Error(t, err)
	_, err = buildArgs(Target{Type: "gif"}, 1)
	assert.Error(t, err)
}

func TestLogWriterParsesProgressAcrossWrites(t *testing.T) {
	var mu sync.Mutex
	var seen []time.Duration
	w := newLogWriter(discardLogger(), func(d time.Duration) {
		mu.Lock()
		seen = append(seen, d)
		mu.Unlock()
	})

	_, _ = w.Write([]byte("frame=10\nout_time_us=15000"))
	_, _ = w.Write([]byte("00\nprogress=continue\n[mp3 @ 0x1] Header missing\n"))
	_, _ = w.Write([]byte("out_time_ms=2500000\nError while decoding"))
	w.Flush()

	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 2500 * time.Millisecond}, seen)
	assert.Equal(t, "Error while decoding", w.LastError())
}

func TestLimitWriter(t *testing.T) {
	var buf bytes.Buffer
	tripped := false
	lw := &limitWriter{w: &buf, limit: 5, exceeded: func() { tripped = true }}

	n, err := lw.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = lw.Write([]byte("def"))
	assert.ErrorIs(t, err, errOutputTooLarge)
	assert.True(t, tripped)
	assert.True(t, lw.overflowed())
	assert.Equal(t, "abc", buf.String())
	assert.Equal(t, int64(3), lw.written())
}

type nopWriteCloser struct {
	bytes.Buffer
	closed bool
}

func (n *nopWriteCloser) Close() error {
	n.closed = true
	return nil
}

func TestPumpReportsSourceFailure(t *testing.T) {
	dst := &nopWriteCloser{}
	src := io.MultiReader(strings.NewReader("partial"), iotestErrReader{errors.New("connection reset")})
	err := pump(src, dst)
	assert.Equal(t, errs.ContentUnavailable, errs.KindOf(err))
	assert.True(t, dst.closed)
	assert.Equal(t, "partial", dst.String())
}

type iotestErrReader struct{ err error }

func (r iotestErrReader) Read([]byte) (int, error) { return 0, r.err }

func TestCheckMissingBinary(t *testing.T) {
	f := NewFFmpeg(FFmpegConfig{Path: "ffmpeg-does-not-exist", Logger: discardLogger(), Metrics: metrics.New()})
	assert.Error(t, f.Check(context.Background()))
}

func requireFFmpeg(t *testing.T) *FFmpeg {
	t.Helper()
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	return NewFFmpeg(FFmpegConfig{Logger: discardLogger(), Metrics: metrics.New()})
}

// lavfi renders a synthetic sample with ffmpeg itself.
func lavfi(t *testing.T, format string, args ...string) []byte {
	t.Helper()
	full := append([]string{"-hide_banner", "-loglevel", "error"}, args...)
	full = append(full, "-f", format, "pipe:1")
	out, err := exec.Command("ffmpeg", full...).Output()
	require.NoError(t, err)
	require.NotEmpty(t, out)
	return out
}

func TestTranscodeAudioToMP3(t *testing.T) {
	f := requireFFmpeg(t)
	wav := lavfi(t, "wav", "-f", "lavfi", "-i", "sine=frequency=440:duration=2")

	var out bytes.Buffer
	var progressed bool
	err := f.Transcode(context.Background(), Request{
		JobID:      "audio",
		Inputs:     []io.Reader{bytes.NewReader(wav)},
		Target:     Target{Type: media.Audio, AudioKbps: 128},
		Output:     &out,
		OnProgress: func(time.Duration) { progressed = true },
	})
	require.NoError(t, err)
	assert.True(t, progressed)

	dec := mp3.NewDecoder(bytes.NewReader(out.Bytes()))
	var (
		frame   mp3.Frame
		skipped int
		frames  int
		total   time.Duration
		bitrate mp3.FrameBitRate
	)
	for {
		if err := dec.Decode(&frame, &skipped); err != nil {
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
		}
		frames++
		total += frame.Duration()
		bitrate = frame.Header().BitRate()
	}
	assert.Positive(t, frames)
	assert.EqualValues(t, 128000, bitrate)
	assert.InDelta(t, 2.0, total.Seconds(), 0.2)
}

func TestTranscodeVideoWithSeparateAudio(t *testing.T) {
	f := requireFFmpeg(t)
	video := lavfi(t, "matroska", "-f", "lavfi", "-i", "testsrc=size=160x120:rate=10:duration=1", "-c:v", "mpeg4")
	audio := lavfi(t, "matroska", "-f", "lavfi", "-i", "sine=duration=1", "-c:a", "pcm_s16le")

	var out bytes.Buffer
	err := f.Transcode(context.Background(), Request{
		JobID:  "video",
		Inputs: []io.Reader{bytes.NewReader(video), bytes.NewReader(audio)},
		Target: Target{Type: media.Video, AudioKbps: 128},
		Output: &out,
	})
	require.NoError(t, err)
	require.Greater(t, out.Len(), 8)
	assert.Equal(t, "ftyp", string(out.Bytes()[4:8]))
}

func TestTranscodeRejectsGarbage(t *testing.T) {
	f := requireFFmpeg(t)
	var out bytes.Buffer
	err := f.Transcode(context.Background(), Request{
		JobID:  "garbage",
		Inputs: []io.Reader{strings.NewReader(strings.Repeat("not media ", 512))},
		Target: Target{Type: media.Audio, AudioKbps: 128},
		Output: &out,
	})
	assert.Equal(t, errs.TranscodeError, errs.KindOf(err))
}

func TestTranscodeOutputLimit(t *testing.T) {
	f := requireFFmpeg(t)
	wav := lavfi(t, "wav", "-f", "lavfi", "-i", "sine=duration=5")

	err := f.Transcode(context.Background(), Request{
		JobID:          "limit",
		Inputs:         []io.Reader{bytes.NewReader(wav)},
		Target:         Target{Type: media.Audio, AudioKbps: 320},
		Output:         io.Discard,
		MaxOutputBytes: 1024,
	})
	assert.Equal(t, errs.TranscodeError, errs.KindOf(err))
	assert.ErrorIs(t, err, errOutputTooLarge)
}

func TestTranscodeCancel(t *testing.T) {
	f := requireFFmpeg(t)
	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	done := make(chan error, 1)
	go func() {
		done <- f.Transcode(ctx, Request{
			JobID:  "cancel",
			Inputs: []io.Reader{pr},
			Target: Target{Type: media.Audio},
			Output: io.Discard,
		})
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	// The pipeline closes sources on cancellation; mimic that.
	_ = pw.CloseWithError(context.Canceled)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("transcode did not stop after cancel")
	}
}
