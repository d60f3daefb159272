// Package source resolves a locator into metadata and renditions and opens
// rendition byte streams.
package source

import (
	"context"
	"io"
	"time"

	"mediafetch/internal/media"
	"mediafetch/internal/validate"
)

// Info is what a resolver knows about one video.
type Info struct {
	ID          string
	Title       string
	Author      string
	Description string
	Duration    time.Duration
	ViewCount   int
	Thumbnail   string
	PublishDate time.Time
	Renditions  []media.Rendition
}

// DurationSeconds rounds the duration down to whole seconds.
func (i *Info) DurationSeconds() int {
	return int(i.Duration / time.Second)
}

// Resolver is the source collaborator used by the pipeline and the info
// endpoints.
type Resolver interface {
	Resolve(ctx context.Context, loc validate.Locator) (*Info, error)
	Open(ctx context.Context, r media.Rendition) (io.ReadCloser, error)
	Ping(ctx context.Context) error
}
