package prefetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/any-hub/media-prefetch/internal/cache"
)

// Result 汇总一次下载。
type Result struct {
	Bytes   int64
	Skipped bool
}

// Downloader 把资源的片头流式写入缓存，HLS 资源会展开成播放列表与分片。
type Downloader struct {
	client   *http.Client
	fragment int64

	mu      sync.Mutex
	lengths map[string]int64 // 上游响应揭示过的资源总长度
}

// maxKnownLengths 限制记住的资源长度条目数，超出后整体清空重新积累。
const maxKnownLengths = 4096

// NewDownloader 使用共享 http.Client；fragment 为写入缓存时的 span 大小。
func NewDownloader(client *http.Client, fragment int64) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{client: client, fragment: fragment, lengths: make(map[string]int64)}
}

// Download 执行一次预取，ctx 取消后不再发起新的网络读取，已写入的字节保留在缓存中。
func (d *Downloader) Download(ctx context.Context, c *cache.Cache, task *Task, observe ProgressFunc) (Result, error) {
	m := &meter{observe: observe, length: -1}

	// 只对确认不是播放列表的资源续传；缓存里已有播放列表原文时按整份重新拉取。
	var from int64 = -1
	if task.Threshold > 0 && !looksLikePlaylist(task.URL, "") && !cachedPlaylist(ctx, c, task.URL) {
		cached := c.CachedBytes(task.URL, 0, task.Threshold+1)
		if cached >= d.headLength(task.URL, task.Threshold) {
			return Result{Skipped: true}, nil
		}
		from = cached
	}

	resp, err := d.get(ctx, task.URL, from, task.Threshold)
	if err != nil {
		var dlErr *DownloadError
		if from > 0 && errors.As(err, &dlErr) && dlErr.Status == http.StatusRequestedRangeNotSatisfiable {
			// 续传起点已到资源末尾，片头早已完整缓存。
			d.rememberLength(task.URL, from)
			return Result{Skipped: true}, nil
		}
		return Result{}, err
	}
	defer resp.Body.Close()

	if looksLikePlaylist(task.URL, resp.Header.Get("Content-Type")) {
		err = d.downloadHLS(ctx, c, task, resp, m)
	} else {
		err = d.downloadProgressive(ctx, c, task.URL, resp, m)
	}
	return Result{Bytes: m.bytes}, err
}

func (d *Downloader) downloadProgressive(ctx context.Context, c *cache.Cache, key string, resp *http.Response, m *meter) error {
	var offset int64
	m.length = resp.ContentLength
	if resp.StatusCode == http.StatusPartialContent {
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok {
			return &DownloadError{URL: key, Status: resp.StatusCode, Err: fmt.Errorf("bad content-range")}
		}
		offset, m.length = start, total
	}
	if m.length >= 0 {
		d.rememberLength(key, m.length)
	}
	m.offset = offset

	err := d.stream(ctx, c, key, offset, resp.Body, m)
	if err == nil && m.length < 0 {
		// 长度未声明时，读到 EOF 的位置就是资源末尾。
		d.rememberLength(key, offset+m.bytes)
	}
	return err
}

func (d *Downloader) downloadHLS(ctx context.Context, c *cache.Cache, task *Task, resp *http.Response, m *meter) error {
	plan, err := d.readPlaylist(ctx, c, task, task.URL, resp, m)
	if err != nil {
		return err
	}
	if plan.variant != "" {
		variantResp, err := d.get(ctx, plan.variant, -1, 0)
		if err != nil {
			return err
		}
		plan, err = d.readPlaylist(ctx, c, task, plan.variant, variantResp, m)
		variantResp.Body.Close()
		if err != nil {
			return err
		}
		if plan.variant != "" {
			return &DownloadError{URL: plan.variant, Err: fmt.Errorf("nested multivariant playlist")}
		}
	}

	m.parts = len(plan.segments)
	for _, seg := range plan.segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		segResp, err := d.get(ctx, seg, -1, 0)
		if err != nil {
			return err
		}
		err = d.stream(ctx, c, seg, 0, segResp.Body, m)
		segResp.Body.Close()
		if err != nil {
			return err
		}
		m.done++
		m.emit()
	}
	return nil
}

// readPlaylist 把播放列表原文写入缓存（以其 URL 为 key），再解析出预取计划。
func (d *Downloader) readPlaylist(ctx context.Context, c *cache.Cache, task *Task, rawURL string, resp *http.Response, m *meter) (mediaPlan, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistSize+1))
	if err != nil {
		return mediaPlan{}, &DownloadError{URL: rawURL, Err: err}
	}
	if len(body) > maxPlaylistSize {
		return mediaPlan{}, &DownloadError{URL: rawURL, Err: fmt.Errorf("playlist larger than %d bytes", maxPlaylistSize)}
	}
	// 播放列表可能已在上游更新，先丢掉旧原文，避免新旧内容拼接。
	if err := c.Remove(ctx, rawURL); err != nil {
		return mediaPlan{}, err
	}
	if _, err := c.Write(ctx, rawURL, 0, body); err != nil {
		return mediaPlan{}, err
	}
	m.add(int64(len(body)))

	base, err := url.Parse(rawURL)
	if err != nil {
		return mediaPlan{}, &DownloadError{URL: rawURL, Err: err}
	}
	plan, err := planPlaylist(base, body, task.HeadClip)
	if err != nil {
		return mediaPlan{}, &DownloadError{URL: rawURL, Err: err}
	}
	return plan, nil
}

// headLength 返回片头需要缓存的字节数：阈值加一；已知资源更短时取资源长度。
func (d *Downloader) headLength(key string, threshold int64) int64 {
	want := threshold + 1
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.lengths[key]; ok && n > 0 && n < want {
		return n
	}
	return want
}

func (d *Downloader) rememberLength(key string, n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.lengths[key]; !ok && len(d.lengths) >= maxKnownLengths {
		clear(d.lengths)
	}
	d.lengths[key] = n
}

// cachedPlaylist 判断缓存中该资源的开头是否是播放列表标记。
func cachedPlaylist(ctx context.Context, c *cache.Cache, key string) bool {
	head, err := c.Read(ctx, key, 0, int64(len(playlistTag)))
	return err == nil && bytes.Equal(head, []byte(playlistTag))
}

// stream 把 body 写入以 key 为资源的缓存 Sink，Sink 关闭时提交剩余字节。
func (d *Downloader) stream(ctx context.Context, c *cache.Cache, key string, offset int64, body io.Reader, m *meter) (err error) {
	sink := cache.NewSink(ctx, c, key, offset, d.fragment)
	defer func() {
		if closeErr := sink.Close(); err == nil {
			err = closeErr
		}
	}()
	_, err = copyWithContext(ctx, sink, body, m.add)
	return err
}

// get 发起 GET；from >= 0 时带上 Range: bytes=from-threshold。
func (d *Downloader) get(ctx context.Context, rawURL string, from, threshold int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Err: err}
	}
	if from >= 0 && threshold > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", from, threshold))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &DownloadError{URL: rawURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, &DownloadError{URL: rawURL, Status: resp.StatusCode}
	}
	return resp, nil
}

// parseContentRange 解析 "bytes start-end/total"，total 为 * 时返回 -1。
func parseContentRange(v string) (start, total int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, false
	}
	rng, size, found := strings.Cut(strings.TrimPrefix(v, "bytes "), "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(rng, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	if size == "*" {
		return start, -1, true
	}
	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, total, true
}

// meter 累计下载字节并生成进度事件。HLS 按已完成分片数计算百分比，
// 渐进式资源按资源总长度计算。
type meter struct {
	observe ProgressFunc
	length  int64
	offset  int64
	bytes   int64
	parts   int
	done    int
}

func (m *meter) add(n int64) {
	m.bytes += n
	m.emit()
}

func (m *meter) emit() {
	if m.observe == nil {
		return
	}
	m.observe(Progress{
		ContentLength:     m.length,
		BytesDownloaded:   m.bytes,
		PercentDownloaded: m.percent(),
	})
}

func (m *meter) percent() float64 {
	switch {
	case m.parts > 0:
		return 100 * float64(m.done) / float64(m.parts)
	case m.length > 0:
		return min(100, 100*float64(m.offset+m.bytes)/float64(m.length))
	}
	return 0
}
