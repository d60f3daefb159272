// Package media models quality tiers and the renditions a source offers, and
// selects which renditions feed a job.
package media

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"mediafetch/internal/errs"
)

// Type is the kind of output a caller asks for.
type Type string

const (
	Video Type = "video"
	Audio Type = "audio"
)

func ParseType(raw string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case Video:
		return Video, nil
	case Audio:
		return Audio, nil
	case "":
		return "", errs.Invalid("type", "type is required")
	default:
		return "", errs.Invalid("type", fmt.Sprintf("unsupported type %q (want video or audio)", raw))
	}
}

// Extension is the file extension of the container produced for t.
func (t Type) Extension() string {
	if t == Audio {
		return "mp3"
	}
	return "mp4"
}

func (t Type) ContentType() string {
	if t == Audio {
		return "audio/mpeg"
	}
	return "video/mp4"
}

// Quality is a validated quality tier for one media type.
type Quality struct {
	Type  Type
	Label string
	// Value is a height in pixels for video and kbps for audio. Zero for the
	// highest/lowest tiers.
	Value   int
	Highest bool
	Lowest  bool
}

func (q Quality) String() string { return q.Label }

// VideoHeights is the ordered enumeration of requestable video tiers.
var VideoHeights = []int{144, 240, 360, 480, 720, 1080, 1440, 2160}

// AudioBitrates is the ordered enumeration of requestable audio tiers in kbps.
var AudioBitrates = []int{128, 192, 256, 320}

// audioClasses are the tiers source audio renditions are bucketed into.
var audioClasses = []int{48, 64, 96, 128, 160, 192, 256, 320}

// ParseQuality validates raw against the tier enumeration for t.
func ParseQuality(t Type, raw string) (Quality, error) {
	label := strings.ToLower(strings.TrimSpace(raw))
	if label == "" {
		return Quality{}, errs.Invalid("quality", "quality is required")
	}
	switch t {
	case Video:
		switch label {
		case "highest", "highestvideo":
			return Quality{Type: Video, Label: "highest", Highest: true}, nil
		case "lowest", "lowestvideo":
			return Quality{Type: Video, Label: "lowest", Lowest: true}, nil
		}
		if h, ok := parseSuffixed(label, "p"); ok && contains(VideoHeights, h) {
			return Quality{Type: Video, Label: label, Value: h}, nil
		}
		return Quality{}, errs.Invalid("quality", fmt.Sprintf("unsupported video quality %q", raw))
	case Audio:
		switch label {
		case "highestaudio", "highest":
			return Quality{Type: Audio, Label: "highestaudio", Highest: true}, nil
		case "lowestaudio", "lowest":
			return Quality{Type: Audio, Label: "lowestaudio", Lowest: true}, nil
		}
		if k, ok := parseSuffixed(label, "k"); ok && contains(AudioBitrates, k) {
			return Quality{Type: Audio, Label: label, Value: k}, nil
		}
		return Quality{}, errs.Invalid("quality", fmt.Sprintf("unsupported audio quality %q", raw))
	default:
		return Quality{}, errs.Invalid("type", fmt.Sprintf("unsupported type %q", t))
	}
}

// OutputKbps is the bitrate the audio encoder targets for q.
func (q Quality) OutputKbps() int {
	switch {
	case q.Highest:
		return AudioBitrates[len(AudioBitrates)-1]
	case q.Lowest:
		return AudioBitrates[0]
	case q.Value > 0:
		return q.Value
	default:
		return 192
	}
}

// AudioClass buckets a source bitrate in bits per second into the nearest
// class at or below it.
func AudioClass(bitsPerSecond int) int {
	kbps := bitsPerSecond / 1000
	class := audioClasses[0]
	for _, c := range audioClasses {
		if c <= kbps {
			class = c
		}
	}
	return class
}

func VideoLabel(height int) string { return strconv.Itoa(height) + "p" }

func AudioLabel(kbps int) string { return strconv.Itoa(kbps) + "k" }

// Available lists the distinct video and audio tier labels present in rs,
// highest first.
func Available(rs []Rendition) (video, audio []string) {
	heights := map[int]struct{}{}
	rates := map[int]struct{}{}
	for _, r := range rs {
		switch v := r.(type) {
		case VideoOnly:
			heights[v.Height] = struct{}{}
		case Combined:
			heights[v.Height] = struct{}{}
		case AudioOnly:
			rates[v.Kbps] = struct{}{}
		}
	}
	for _, h := range sortedDesc(heights) {
		if h > 0 {
			video = append(video, VideoLabel(h))
		}
	}
	for _, k := range sortedDesc(rates) {
		audio = append(audio, AudioLabel(k))
	}
	return video, audio
}

func sortedDesc(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

func parseSuffixed(label, suffix string) (int, bool) {
	if !strings.HasSuffix(label, suffix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(label, suffix))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func contains(values []int, v int) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
