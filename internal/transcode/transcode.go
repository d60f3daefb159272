// Package transcode wraps ffmpeg as a scoped subprocess: inputs are pumped
// in through pipes, the encoded container is written to a caller supplied
// writer, and the process is killed and reaped on every exit path.
package transcode

import (
	"context"
	"io"
	"time"

	"mediafetch/internal/media"
)

// Target is the output the caller wants.
type Target struct {
	Type media.Type
	// AudioKbps is the encoder bitrate for audio jobs and the AAC bitrate
	// for video jobs.
	AudioKbps int
}

// Request describes one transcode run.
type Request struct {
	JobID string
	// Inputs holds one stream (combined or audio) or two (video then audio).
	Inputs []io.Reader
	Target Target
	Output io.Writer
	// MaxOutputBytes fails the run once exceeded. Zero means unlimited.
	MaxOutputBytes int64
	// OnProgress receives the output timestamp reached so far.
	OnProgress func(time.Duration)
}

// Transcoder is the collaborator the pipeline drives.
type Transcoder interface {
	Transcode(ctx context.Context, req Request) error
	Check(ctx context.Context) error
}
