package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"mediafetch/internal/errs"
	"mediafetch/internal/media"
	"mediafetch/internal/source"
	"mediafetch/internal/validate"
)

const (
	maxBatchURLs     = 10
	batchConcurrency = 4
)

type videoInfoResponse struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	Author            string `json:"author"`
	Description       string `json:"description"`
	DurationSeconds   int    `json:"durationSeconds"`
	DurationFormatted string `json:"durationFormatted"`
	ViewCount         int    `json:"viewCount"`
	Thumbnail         string `json:"thumbnail,omitempty"`
	PublishDate       string `json:"publishDate,omitempty"`
}

type qualitiesResponse struct {
	Video []string `json:"video"`
	Audio []string `json:"audio"`
}

type formatResponse struct {
	Quality  string `json:"quality"`
	MimeType string `json:"mimeType"`
	Bitrate  int    `json:"bitrate,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type formatsResponse struct {
	Combined  []formatResponse `json:"combined"`
	VideoOnly []formatResponse `json:"videoOnly"`
	AudioOnly []formatResponse `json:"audioOnly"`
}

type infoResponse struct {
	VideoInfo          videoInfoResponse `json:"videoInfo"`
	Title              string            `json:"title"`
	Author             string            `json:"author"`
	DurationSeconds    int               `json:"durationSeconds"`
	ViewCount          int               `json:"viewCount"`
	AvailableQualities qualitiesResponse `json:"availableQualities"`
	Formats            formatsResponse   `json:"formats"`
}

// Info routes the /api/info/ subtree: from-url, batch and lookups by id.
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/info/"), "/")
	switch {
	case rest == "":
		h.NotFound(w, r)
	case rest == "from-url":
		h.infoFromURL(w, r)
	case rest == "batch":
		h.infoBatch(w, r)
	case strings.Contains(rest, "/"):
		h.NotFound(w, r)
	default:
		h.infoByID(w, r, rest)
	}
}

func (h *Handler) infoByID(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	loc, err := validate.LocatorFromID(id)
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeInfo(w, r, loc)
}

func (h *Handler) infoFromURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	loc, err := validate.ParseLocator(req.URL)
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeInfo(w, r, loc)
}

func (h *Handler) writeInfo(w http.ResponseWriter, r *http.Request, loc validate.Locator) {
	info, err := h.resolve(r.Context(), loc)
	if err != nil {
		h.logger(r).Info("info lookup failed", "video_id", loc.ID, "error_kind", errs.KindOf(err), "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newInfoResponse(info))
}

// resolve bounds a metadata lookup by the resolution timeout.
func (h *Handler) resolve(ctx context.Context, loc validate.Locator) (*source.Info, error) {
	if h.Resolver == nil {
		return nil, errs.New(errs.InternalError, "resolver is not configured")
	}
	timeout := h.ResolveTimeout
	if timeout <= 0 {
		timeout = defaultResolveTimeout
	}
	ctx, cancel := context.WithTimeoutCause(ctx, timeout,
		errs.Newf(errs.ResolutionTimeout, "source did not resolve within %s", timeout))
	defer cancel()

	info, err := h.Resolver.Resolve(ctx, loc)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, context.Cause(ctx)
	}
	return info, err
}

func newInfoResponse(info *source.Info) infoResponse {
	video, audio := media.Available(info.Renditions)
	if video == nil {
		video = []string{}
	}
	if audio == nil {
		audio = []string{}
	}
	resp := infoResponse{
		VideoInfo: videoInfoResponse{
			ID:                info.ID,
			Title:             info.Title,
			Author:            info.Author,
			Description:       info.Description,
			DurationSeconds:   info.DurationSeconds(),
			DurationFormatted: formatDuration(info.DurationSeconds()),
			ViewCount:         info.ViewCount,
			Thumbnail:         info.Thumbnail,
		},
		Title:              info.Title,
		Author:             info.Author,
		DurationSeconds:    info.DurationSeconds(),
		ViewCount:          info.ViewCount,
		AvailableQualities: qualitiesResponse{Video: video, Audio: audio},
		Formats: formatsResponse{
			Combined:  []formatResponse{},
			VideoOnly: []formatResponse{},
			AudioOnly: []formatResponse{},
		},
	}
	if !info.PublishDate.IsZero() {
		resp.VideoInfo.PublishDate = info.PublishDate.Format(time.DateOnly)
	}
	for _, rendition := range info.Renditions {
		stream := rendition.Source()
		f := formatResponse{
			Quality:  media.Label(rendition),
			MimeType: stream.MimeType,
			Bitrate:  stream.Bitrate,
			Size:     stream.Size,
		}
		switch rendition.(type) {
		case media.Combined:
			resp.Formats.Combined = append(resp.Formats.Combined, f)
		case media.VideoOnly:
			resp.Formats.VideoOnly = append(resp.Formats.VideoOnly, f)
		case media.AudioOnly:
			resp.Formats.AudioOnly = append(resp.Formats.AudioOnly, f)
		}
	}
	return resp
}

func formatDuration(seconds int) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, minutes, secs)
	}
	return fmt.Sprintf("%d:%02d", minutes, secs)
}

type batchItem struct {
	URL       string `json:"url"`
	VideoID   string `json:"videoId"`
	Title     string `json:"title"`
	Duration  string `json:"duration"`
	Author    string `json:"author"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

type batchFailure struct {
	URL     string `json:"url"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type batchSummary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type batchResponse struct {
	Successful []batchItem    `json:"successful"`
	Failed     []batchFailure `json:"failed"`
	Summary    batchSummary   `json:"summary"`
}

func (h *Handler) infoBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	var req struct {
		URLs []string `json:"urls"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	switch {
	case len(req.URLs) == 0:
		writeError(w, errs.Invalid("urls", "urls must be a non-empty array"))
		return
	case len(req.URLs) > maxBatchURLs:
		writeError(w, errs.Invalid("urls", fmt.Sprintf("at most %d urls can be processed at once", maxBatchURLs)))
		return
	}

	items := make([]*batchItem, len(req.URLs))
	failures := make([]error, len(req.URLs))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(batchConcurrency)
	for i, raw := range req.URLs {
		g.Go(func() error {
			loc, err := validate.ParseLocator(raw)
			if err != nil {
				failures[i] = err
				return nil
			}
			info, err := h.resolve(ctx, loc)
			if err != nil {
				failures[i] = err
				return nil
			}
			items[i] = &batchItem{
				URL:       raw,
				VideoID:   info.ID,
				Title:     info.Title,
				Duration:  formatDuration(info.DurationSeconds()),
				Author:    info.Author,
				Thumbnail: info.Thumbnail,
			}
			return nil
		})
	}
	_ = g.Wait()

	resp := batchResponse{Successful: []batchItem{}, Failed: []batchFailure{}}
	for i, raw := range req.URLs {
		if items[i] != nil {
			resp.Successful = append(resp.Successful, *items[i])
			continue
		}
		e := errs.As(failures[i])
		resp.Failed = append(resp.Failed, batchFailure{URL: raw, Error: string(e.Kind), Message: e.Message})
	}
	resp.Summary = batchSummary{Total: len(req.URLs), Successful: len(resp.Successful), Failed: len(resp.Failed)}
	writeJSON(w, http.StatusOK, resp)
}
