package media

// Stream is the part of a rendition every variant shares: an opaque handle
// the source resolver understands, plus what the source declared about it.
type Stream struct {
	Handle   any
	MimeType string
	// Bitrate in bits per second as declared by the source.
	Bitrate int
	// Size in bytes, zero when unknown.
	Size int64
}

// Rendition is one retrievable stream. It is implemented by VideoOnly,
// AudioOnly and Combined only.
type Rendition interface {
	Source() Stream
	rendition()
}

type VideoOnly struct {
	Stream
	Height int
}

type AudioOnly struct {
	Stream
	// Kbps is the audio class the source bitrate falls into.
	Kbps int
}

type Combined struct {
	Stream
	Height int
}

func (v VideoOnly) Source() Stream { return v.Stream }
func (a AudioOnly) Source() Stream { return a.Stream }
func (c Combined) Source() Stream  { return c.Stream }

func (VideoOnly) rendition() {}
func (AudioOnly) rendition() {}
func (Combined) rendition()  {}

// Label describes r for logs and API payloads.
func Label(r Rendition) string {
	switch v := r.(type) {
	case VideoOnly:
		return VideoLabel(v.Height) + "-video"
	case AudioOnly:
		return AudioLabel(v.Kbps) + "-audio"
	case Combined:
		return VideoLabel(v.Height) + "-combined"
	default:
		return "unknown"
	}
}

// Selection is the catalog's answer for one job: either a single rendition
// or a video-only stream paired with an audio-only stream to be muxed.
type Selection struct {
	Primary Rendition
	Audio   *AudioOnly
}

// Inputs returns the renditions to feed the transcoder, in input order.
func (s Selection) Inputs() []Rendition {
	if s.Primary == nil {
		return nil
	}
	if s.Audio != nil {
		return []Rendition{s.Primary, *s.Audio}
	}
	return []Rendition{s.Primary}
}

// DeclaredSize sums the sizes the source declared, zero if any is unknown.
func (s Selection) DeclaredSize() int64 {
	var total int64
	for _, r := range s.Inputs() {
		size := r.Source().Size
		if size <= 0 {
			return 0
		}
		total += size
	}
	return total
}
