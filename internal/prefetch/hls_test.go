package prefetch

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=640x360
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2560000,RESOLUTION=1280x720
high/index.m3u8
`

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:2.000,
seg0.ts
#EXTINF:2.000,
seg1.ts
#EXTINF:2.000,
seg2.ts
#EXTINF:2.000,
seg3.ts
#EXT-X-ENDLIST
`

func TestPlanPlaylistPicksFirstVariant(t *testing.T) {
	base, _ := url.Parse("https://cdn.example.com/movies/master.m3u8")
	plan, err := planPlaylist(base, []byte(masterPlaylist), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/movies/low/index.m3u8", plan.variant)
	assert.Empty(t, plan.segments)
}

func TestPlanPlaylistLimitsSegmentsToHeadClip(t *testing.T) {
	base, _ := url.Parse("https://cdn.example.com/movies/low/index.m3u8")
	plan, err := planPlaylist(base, []byte(mediaPlaylist), 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, plan.variant)
	assert.Equal(t, []string{
		"https://cdn.example.com/movies/low/seg0.ts",
		"https://cdn.example.com/movies/low/seg1.ts",
		"https://cdn.example.com/movies/low/seg2.ts",
	}, plan.segments)
}

func TestPlanPlaylistAlwaysKeepsFirstSegment(t *testing.T) {
	base, _ := url.Parse("https://cdn.example.com/a.m3u8")
	plan, err := planPlaylist(base, []byte(mediaPlaylist), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example.com/seg0.ts"}, plan.segments)
}

func TestPlanPlaylistRejectsGarbage(t *testing.T) {
	base, _ := url.Parse("https://cdn.example.com/a.m3u8")
	_, err := planPlaylist(base, []byte("not a playlist"), time.Second)
	assert.Error(t, err)
}

func TestLooksLikePlaylist(t *testing.T) {
	assert.True(t, looksLikePlaylist("https://x/video.m3u8", ""))
	assert.True(t, looksLikePlaylist("https://x/VIDEO.M3U8?token=1", ""))
	assert.True(t, looksLikePlaylist("https://x/stream", "application/vnd.apple.mpegurl"))
	assert.False(t, looksLikePlaylist("https://x/video.mp4", "video/mp4"))
}

func TestParseContentRange(t *testing.T) {
	start, total, ok := parseContentRange("bytes 100-199/1000")
	require.True(t, ok)
	assert.Equal(t, int64(100), start)
	assert.Equal(t, int64(1000), total)

	_, total, ok = parseContentRange("bytes 0-9/*")
	require.True(t, ok)
	assert.Equal(t, int64(-1), total)

	_, _, ok = parseContentRange("items 0-9/10")
	assert.False(t, ok)
}
