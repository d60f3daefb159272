// Package validate turns raw download requests into canonical job specs. It
// never touches the network or the filesystem.
package validate

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"mediafetch/internal/errs"
	"mediafetch/internal/media"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Locator is the canonical identifier of a video.
type Locator struct {
	ID string
}

func (l Locator) String() string { return l.ID }

// URL is the canonical watch URL for the locator.
func (l Locator) URL() string { return "https://www.youtube.com/watch?v=" + l.ID }

// LocatorFromID accepts a bare 11 character video id.
func LocatorFromID(id string) (Locator, error) {
	id = strings.TrimSpace(id)
	if !idPattern.MatchString(id) {
		return Locator{}, errs.New(errs.InvalidLocator, fmt.Sprintf("invalid video id %q", id))
	}
	return Locator{ID: id}, nil
}

// ParseLocator extracts the video id from a watch URL, a youtu.be short
// link or an embed URL. The scheme may be omitted.
func ParseLocator(raw string) (Locator, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Locator{}, errs.New(errs.InvalidLocator, "url is required")
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return Locator{}, errs.Wrap(errs.InvalidLocator, "url is not parseable", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Locator{}, errs.New(errs.InvalidLocator, fmt.Sprintf("unsupported url scheme %q", u.Scheme))
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")

	var id string
	switch host {
	case "youtube.com":
		switch {
		case u.Path == "/watch" || u.Path == "/watch/":
			id = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/embed/"):
			id = firstSegment(strings.TrimPrefix(u.Path, "/embed/"))
		}
	case "youtube-nocookie.com":
		if strings.HasPrefix(u.Path, "/embed/") {
			id = firstSegment(strings.TrimPrefix(u.Path, "/embed/"))
		}
	case "youtu.be":
		id = firstSegment(strings.TrimPrefix(u.Path, "/"))
	default:
		return Locator{}, errs.New(errs.InvalidLocator, fmt.Sprintf("unsupported host %q", u.Hostname()))
	}
	if id == "" {
		return Locator{}, errs.New(errs.InvalidLocator, "url does not reference a video")
	}
	return LocatorFromID(id)
}

func firstSegment(path string) string {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

// Input is a download request as received from a client.
type Input struct {
	URL     string `json:"url"`
	Type    string `json:"type"`
	Quality string `json:"quality"`
}

// JobSpec is a validated request. It is immutable once built.
type JobSpec struct {
	Locator Locator
	Type    media.Type
	Quality media.Quality
}

// Validate checks the locator first, then the media type, then the quality
// tier for that type.
func Validate(in Input) (JobSpec, error) {
	loc, err := ParseLocator(in.URL)
	if err != nil {
		return JobSpec{}, err
	}
	typ, err := media.ParseType(in.Type)
	if err != nil {
		return JobSpec{}, err
	}
	q, err := media.ParseQuality(typ, in.Quality)
	if err != nil {
		return JobSpec{}, err
	}
	return JobSpec{Locator: loc, Type: typ, Quality: q}, nil
}
