package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kkdai/youtube/v2"

	"mediafetch/internal/errs"
	"mediafetch/internal/media"
	"mediafetch/internal/observability/logging"
	"mediafetch/internal/observability/metrics"
	"mediafetch/internal/validate"
)

const defaultPingURL = "https://www.youtube.com/generate_204"

type YouTubeConfig struct {
	HTTPClient *http.Client
	// MaxRetries bounds retries of transient lookup failures. Permanent
	// failures such as private videos are never retried.
	MaxRetries uint64
	PingURL    string
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
}

// YouTube resolves videos with github.com/kkdai/youtube.
type YouTube struct {
	client     *youtube.Client
	httpClient *http.Client
	retries    uint64
	pingURL    string
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

// streamHandle is the opaque handle stored on each rendition.
type streamHandle struct {
	video  *youtube.Video
	format *youtube.Format
}

func NewYouTube(cfg YouTubeConfig) *YouTube {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 2
	}
	pingURL := cfg.PingURL
	if pingURL == "" {
		pingURL = defaultPingURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &YouTube{
		client:     &youtube.Client{HTTPClient: httpClient},
		httpClient: httpClient,
		retries:    retries,
		pingURL:    pingURL,
		logger:     logging.WithComponent(logger, "source"),
		metrics:    recorder,
	}
}

func (y *YouTube) Resolve(ctx context.Context, loc validate.Locator) (*Info, error) {
	start := time.Now()
	var video *youtube.Video
	operation := func() error {
		v, err := y.client.GetVideoContext(ctx, loc.ID)
		if err != nil {
			if ctx.Err() != nil || permanent(err) {
				return backoff.Permanent(err)
			}
			y.logger.Debug("video lookup failed, retrying", "video_id", loc.ID, "error", err)
			return err
		}
		video = v
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), y.retries)
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		y.metrics.ObserveResolve("error", time.Since(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, classify(loc, err)
	}
	y.metrics.ObserveResolve("ok", time.Since(start))
	return infoFromVideo(video), nil
}

func (y *YouTube) Open(ctx context.Context, r media.Rendition) (io.ReadCloser, error) {
	h, ok := r.Source().Handle.(streamHandle)
	if !ok {
		return nil, errs.New(errs.InternalError, "rendition was not produced by this resolver")
	}
	body, _, err := y.client.GetStreamContext(ctx, h.video, h.format)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errs.Wrap(errs.ContentUnavailable, "source stream could not be opened", err)
	}
	return body, nil
}

// Ping checks that the video host answers at all.
func (y *YouTube) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.pingURL, nil)
	if err != nil {
		return err
	}
	resp, err := y.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("resolver ping: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func permanent(err error) bool {
	switch {
	case errors.Is(err, youtube.ErrLoginRequired),
		errors.Is(err, youtube.ErrVideoPrivate),
		errors.Is(err, youtube.ErrNotPlayableInEmbed),
		errors.Is(err, youtube.ErrInvalidCharactersInVideoID),
		errors.Is(err, youtube.ErrVideoIDMinLength):
		return true
	}
	var status *youtube.ErrPlayabiltyStatus
	return errors.As(err, &status)
}

func classify(loc validate.Locator, err error) error {
	switch {
	case errors.Is(err, youtube.ErrInvalidCharactersInVideoID),
		errors.Is(err, youtube.ErrVideoIDMinLength):
		return errs.Wrap(errs.InvalidLocator, fmt.Sprintf("invalid video id %q", loc.ID), err)
	case errors.Is(err, youtube.ErrVideoPrivate),
		errors.Is(err, youtube.ErrLoginRequired):
		return errs.Wrap(errs.ContentUnavailable, "video is private or requires sign-in", err)
	}
	var status *youtube.ErrPlayabiltyStatus
	if errors.As(err, &status) {
		return errs.Wrap(errs.ContentUnavailable, "video is unavailable", err)
	}
	return errs.Wrap(errs.ContentUnavailable, "video could not be resolved", err)
}

func infoFromVideo(v *youtube.Video) *Info {
	info := &Info{
		ID:          v.ID,
		Title:       v.Title,
		Author:      v.Author,
		Description: v.Description,
		Duration:    v.Duration,
		ViewCount:   v.Views,
		PublishDate: v.PublishDate,
		Renditions:  renditionsFrom(v),
	}
	best := 0
	for _, thumb := range v.Thumbnails {
		if int(thumb.Width) >= best {
			best = int(thumb.Width)
			info.Thumbnail = thumb.URL
		}
	}
	return info
}

// renditionsFrom sorts the formats into the three rendition kinds. Formats
// that carry neither a height nor audio are skipped.
func renditionsFrom(v *youtube.Video) []media.Rendition {
	out := make([]media.Rendition, 0, len(v.Formats))
	for i := range v.Formats {
		f := &v.Formats[i]
		stream := media.Stream{
			Handle:   streamHandle{video: v, format: f},
			MimeType: f.MimeType,
			Bitrate:  f.Bitrate,
			Size:     f.ContentLength,
		}
		isVideo := strings.HasPrefix(f.MimeType, "video/") && f.Height > 0
		hasAudio := f.AudioChannels > 0 || strings.HasPrefix(f.MimeType, "audio/")
		switch {
		case isVideo && hasAudio:
			out = append(out, media.Combined{Stream: stream, Height: f.Height})
		case isVideo:
			out = append(out, media.VideoOnly{Stream: stream, Height: f.Height})
		case hasAudio:
			bps := f.AverageBitrate
			if bps <= 0 {
				bps = f.Bitrate
			}
			out = append(out, media.AudioOnly{Stream: stream, Kbps: media.AudioClass(bps)})
		}
	}
	return out
}
