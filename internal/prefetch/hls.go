package prefetch

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/grafov/m3u8"
)

// maxPlaylistSize 限制单个播放列表的读取大小。
const maxPlaylistSize = 2 << 20

// playlistTag 是所有 M3U8 播放列表的首行。
const playlistTag = "#EXTM3U"

// mediaPlan 是从播放列表中选出的待预取对象。
type mediaPlan struct {
	// variant 非空时表示这是 multivariant 列表，需要继续拉取该媒体列表。
	variant  string
	segments []string
}

func looksLikePlaylist(rawURL, contentType string) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "mpegurl") {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".m3u8")
}

// planPlaylist 解析播放列表。multivariant 列表选第一个 variant；
// 媒体列表选出起始时间落在 headClip 内的分片（至少一个），有初始化分片时放在最前。
func planPlaylist(base *url.URL, body []byte, headClip time.Duration) (mediaPlan, error) {
	playlist, kind, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return mediaPlan{}, fmt.Errorf("parse playlist: %w", err)
	}

	switch kind {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		for _, v := range master.Variants {
			if v == nil || v.URI == "" {
				continue
			}
			return mediaPlan{variant: resolve(base, v.URI)}, nil
		}
		return mediaPlan{}, fmt.Errorf("parse playlist: no variants")
	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		var plan mediaPlan
		if media.Map != nil && media.Map.URI != "" {
			plan.segments = append(plan.segments, resolve(base, media.Map.URI))
		}
		var start time.Duration
		picked := 0
		for _, seg := range media.Segments {
			if seg == nil {
				break
			}
			if picked > 0 && start >= headClip {
				break
			}
			plan.segments = append(plan.segments, resolve(base, seg.URI))
			picked++
			start += time.Duration(seg.Duration * float64(time.Second))
		}
		if picked == 0 {
			return mediaPlan{}, fmt.Errorf("parse playlist: no segments")
		}
		return plan, nil
	default:
		return mediaPlan{}, fmt.Errorf("parse playlist: unknown playlist type")
	}
}

func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
