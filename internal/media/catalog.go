package media

import (
	"fmt"

	"mediafetch/internal/errs"
)

// Select picks the input renditions for a job of type t at quality q.
//
// Audio jobs take the audio-only rendition closest to q without exceeding it;
// a request below every available tier gets the lowest one. Video jobs take a
// combined rendition at exactly the target height when one exists, otherwise
// the best video-only rendition at or below the target paired with the best
// audio-only rendition. Media types are never substituted for one another.
func Select(rs []Rendition, t Type, q Quality) (Selection, error) {
	switch t {
	case Audio:
		a, ok := selectAudio(rs, q)
		if !ok {
			return Selection{}, errs.New(errs.NoMatchingRendition, "no audio renditions available")
		}
		return Selection{Primary: a}, nil
	case Video:
		return selectVideo(rs, q)
	default:
		return Selection{}, errs.Invalid("type", fmt.Sprintf("unsupported type %q", t))
	}
}

func selectAudio(rs []Rendition, q Quality) (AudioOnly, bool) {
	var (
		best, lowest, highest AudioOnly
		found, seen           bool
	)
	for _, r := range rs {
		a, ok := r.(AudioOnly)
		if !ok {
			continue
		}
		if !seen || betterAudio(a, highest) {
			highest = a
		}
		if !seen || a.Kbps < lowest.Kbps || (a.Kbps == lowest.Kbps && a.Bitrate > lowest.Bitrate) {
			lowest = a
		}
		seen = true
		if q.Value > 0 && a.Kbps <= q.Value && (!found || betterAudio(a, best)) {
			best = a
			found = true
		}
	}
	switch {
	case !seen:
		return AudioOnly{}, false
	case q.Highest:
		return highest, true
	case q.Lowest:
		return lowest, true
	case found:
		return best, true
	default:
		return lowest, true
	}
}

func betterAudio(a, than AudioOnly) bool {
	if a.Kbps != than.Kbps {
		return a.Kbps > than.Kbps
	}
	return a.Bitrate > than.Bitrate
}

func selectVideo(rs []Rendition, q Quality) (Selection, error) {
	target, ok := videoTarget(rs, q)
	if !ok {
		return Selection{}, errs.New(errs.NoMatchingRendition, "no video renditions available")
	}

	var (
		combined      *Combined
		videoOnly     *VideoOnly
		lowestVideo   *VideoOnly
		fallbackMixed *Combined
		lowestMixed   *Combined
	)
	for _, r := range rs {
		switch v := r.(type) {
		case Combined:
			if v.Height == target && (combined == nil || v.Bitrate > combined.Bitrate) {
				combined = &v
			}
			if v.Height <= target && (fallbackMixed == nil || betterHeight(v.Height, v.Bitrate, fallbackMixed.Height, fallbackMixed.Bitrate)) {
				fallbackMixed = &v
			}
			if lowestMixed == nil || lowerHeight(v.Height, v.Bitrate, lowestMixed.Height, lowestMixed.Bitrate) {
				lowestMixed = &v
			}
		case VideoOnly:
			if v.Height <= target && (videoOnly == nil || betterHeight(v.Height, v.Bitrate, videoOnly.Height, videoOnly.Bitrate)) {
				videoOnly = &v
			}
			if lowestVideo == nil || lowerHeight(v.Height, v.Bitrate, lowestVideo.Height, lowestVideo.Bitrate) {
				lowestVideo = &v
			}
		case AudioOnly:
		}
	}
	if combined != nil {
		return Selection{Primary: *combined}, nil
	}
	audio, hasAudio := selectAudio(rs, Quality{Type: Audio, Highest: true})
	if videoOnly != nil && hasAudio {
		return Selection{Primary: *videoOnly, Audio: &audio}, nil
	}
	if fallbackMixed != nil {
		return Selection{Primary: *fallbackMixed}, nil
	}

	// Everything on offer is above the target: take the smallest step up.
	if !hasAudio {
		lowestVideo = nil
	}
	switch {
	case lowestMixed != nil && (lowestVideo == nil || lowestMixed.Height <= lowestVideo.Height):
		return Selection{Primary: *lowestMixed}, nil
	case lowestVideo != nil:
		return Selection{Primary: *lowestVideo, Audio: &audio}, nil
	}
	return Selection{}, errs.New(errs.NoMatchingRendition,
		fmt.Sprintf("no video rendition with audio available for %s", q.Label))
}

// lowerHeight orders by height ascending, then bitrate descending.
func lowerHeight(h, bitrate, thanH, thanBitrate int) bool {
	if h != thanH {
		return h < thanH
	}
	return bitrate > thanBitrate
}

func betterHeight(h, bitrate, thanH, thanBitrate int) bool {
	if h != thanH {
		return h > thanH
	}
	return bitrate > thanBitrate
}

// videoTarget resolves q into a concrete height. highest and lowest map onto
// the extremes of the heights actually on offer.
func videoTarget(rs []Rendition, q Quality) (int, bool) {
	min, max := 0, 0
	for _, r := range rs {
		var h int
		switch v := r.(type) {
		case VideoOnly:
			h = v.Height
		case Combined:
			h = v.Height
		default:
			continue
		}
		if min == 0 || h < min {
			min = h
		}
		if h > max {
			max = h
		}
	}
	if max == 0 {
		return 0, false
	}
	switch {
	case q.Highest:
		return max, true
	case q.Lowest:
		return min, true
	default:
		return q.Value, true
	}
}
