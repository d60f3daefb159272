package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediafetch/internal/errs"
)

func audio(kbps int) AudioOnly {
	return AudioOnly{Stream: Stream{Handle: AudioLabel(kbps), Bitrate: kbps * 1000}, Kbps: kbps}
}

func videoOnly(height int) VideoOnly {
	return VideoOnly{Stream: Stream{Handle: VideoLabel(height) + "-v", Bitrate: height * 1000}, Height: height}
}

func combined(height int) Combined {
	return Combined{Stream: Stream{Handle: VideoLabel(height) + "-c", Bitrate: height * 1000}, Height: height}
}

func mustQuality(t *testing.T, typ Type, raw string) Quality {
	t.Helper()
	q, err := ParseQuality(typ, raw)
	require.NoError(t, err)
	return q
}

func TestSelectAudioTierBoundaries(t *testing.T) {
	rs := []Rendition{audio(128), audio(192), audio(256), combined(720)}

	tests := []struct {
		quality string
		want    int
	}{
		{"320k", 256},
		{"256k", 256},
		{"192k", 192},
		{"128k", 128},
		{"highestaudio", 256},
		{"lowestaudio", 128},
	}
	for _, tt := range tests {
		t.Run(tt.quality, func(t *testing.T) {
			sel, err := Select(rs, Audio, mustQuality(t, Audio, tt.quality))
			require.NoError(t, err)
			a, ok := sel.Primary.(AudioOnly)
			require.True(t, ok, "expected an audio-only rendition, got %T", sel.Primary)
			assert.Equal(t, tt.want, a.Kbps)
			assert.Nil(t, sel.Audio)
		})
	}
}

func TestSelectAudioBelowLowestTierReturnsLowest(t *testing.T) {
	rs := []Rendition{audio(192), audio(256)}
	sel, err := Select(rs, Audio, mustQuality(t, Audio, "128k"))
	require.NoError(t, err)
	assert.Equal(t, 192, sel.Primary.(AudioOnly).Kbps)
}

func TestSelectAudioNeverSubstitutesVideo(t *testing.T) {
	_, err := Select([]Rendition{combined(720), videoOnly(1080)}, Audio, mustQuality(t, Audio, "128k"))
	require.Error(t, err)
	assert.Equal(t, errs.NoMatchingRendition, errs.KindOf(err))
}

func TestSelectVideoPairsVideoOnlyWithBestAudio(t *testing.T) {
	rs := []Rendition{combined(720), videoOnly(1080), audio(128), audio(192)}

	sel, err := Select(rs, Video, mustQuality(t, Video, "1080p"))
	require.NoError(t, err)

	v, ok := sel.Primary.(VideoOnly)
	require.True(t, ok, "expected video-only primary, got %T", sel.Primary)
	assert.Equal(t, 1080, v.Height)
	require.NotNil(t, sel.Audio)
	assert.Equal(t, 192, sel.Audio.Kbps)
	assert.Len(t, sel.Inputs(), 2)
}

func TestSelectVideoPrefersExactCombined(t *testing.T) {
	rs := []Rendition{combined(720), videoOnly(720), videoOnly(1080), audio(128)}

	sel, err := Select(rs, Video, mustQuality(t, Video, "720p"))
	require.NoError(t, err)
	c, ok := sel.Primary.(Combined)
	require.True(t, ok)
	assert.Equal(t, 720, c.Height)
	assert.Nil(t, sel.Audio)
}

func TestSelectVideoHighestAndLowest(t *testing.T) {
	rs := []Rendition{combined(360), videoOnly(480), videoOnly(2160), audio(128)}

	sel, err := Select(rs, Video, mustQuality(t, Video, "highest"))
	require.NoError(t, err)
	assert.Equal(t, 2160, sel.Primary.(VideoOnly).Height)

	sel, err = Select(rs, Video, mustQuality(t, Video, "lowest"))
	require.NoError(t, err)
	assert.Equal(t, 360, sel.Primary.(Combined).Height)
}

func TestSelectVideoBelowEveryTierUsesLowestVideoOnly(t *testing.T) {
	rs := []Rendition{videoOnly(720), videoOnly(1080), audio(160)}
	sel, err := Select(rs, Video, mustQuality(t, Video, "480p"))
	require.NoError(t, err)
	assert.Equal(t, 720, sel.Primary.(VideoOnly).Height)
}

func TestSelectVideoBelowEveryTierUsesLowestCombined(t *testing.T) {
	rs := []Rendition{combined(1080), combined(720), audio(128)}
	sel, err := Select(rs, Video, mustQuality(t, Video, "480p"))
	require.NoError(t, err)
	c, ok := sel.Primary.(Combined)
	require.True(t, ok, "expected combined primary, got %T", sel.Primary)
	assert.Equal(t, 720, c.Height)
	assert.Nil(t, sel.Audio)
}

func TestSelectVideoBelowEveryTierTakesSmallestStepUp(t *testing.T) {
	rs := []Rendition{combined(1080), videoOnly(720), audio(128)}
	sel, err := Select(rs, Video, mustQuality(t, Video, "480p"))
	require.NoError(t, err)
	assert.Equal(t, 720, sel.Primary.(VideoOnly).Height)
	require.NotNil(t, sel.Audio)

	rs = []Rendition{combined(720), videoOnly(720), audio(128)}
	sel, err = Select(rs, Video, mustQuality(t, Video, "480p"))
	require.NoError(t, err)
	assert.Equal(t, 720, sel.Primary.(Combined).Height)
}

func TestSelectVideoPrefersLowerTierOverStepUp(t *testing.T) {
	rs := []Rendition{combined(360), videoOnly(720), audio(128)}
	sel, err := Select(rs, Video, mustQuality(t, Video, "480p"))
	require.NoError(t, err)
	assert.Equal(t, 360, sel.Primary.(Combined).Height)
}

func TestSelectVideoWithoutAudioFallsBackToCombined(t *testing.T) {
	rs := []Rendition{combined(360), videoOnly(1080)}
	sel, err := Select(rs, Video, mustQuality(t, Video, "1080p"))
	require.NoError(t, err)
	assert.Equal(t, 360, sel.Primary.(Combined).Height)
}

func TestSelectVideoEmptyCatalog(t *testing.T) {
	_, err := Select([]Rendition{audio(128)}, Video, mustQuality(t, Video, "720p"))
	assert.Equal(t, errs.NoMatchingRendition, errs.KindOf(err))

	_, err = Select(nil, Audio, mustQuality(t, Audio, "128k"))
	assert.Equal(t, errs.NoMatchingRendition, errs.KindOf(err))
}

func TestSelectionDeclaredSize(t *testing.T) {
	v := videoOnly(1080)
	v.Size = 100
	a := audio(128)
	a.Size = 20
	assert.EqualValues(t, 120, Selection{Primary: v, Audio: &a}.DeclaredSize())

	a.Size = 0
	assert.Zero(t, Selection{Primary: v, Audio: &a}.DeclaredSize())
}
