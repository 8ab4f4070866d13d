package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-prefetch/internal/logging"
)

type spanEntry struct {
	Span
	elem *list.Element
}

// Cache 是有容量上限的磁盘缓存实例。所有索引修改都在 mu 下串行化；
// 不同资源的 span 文件可以并行落盘，同一资源的写入由 keyLocks 串行化。
type Cache struct {
	dir      string
	spanDir  string
	capacity int64
	logger   *logrus.Logger
	observer Observer
	now      func() time.Time
	idx      *index
	keys     *keyLocks

	mu       sync.Mutex
	closed   bool
	spans    map[string][]*spanEntry // 按 Offset 升序
	recency  *list.List              // Front 为最久未访问
	resident int64
	clock    int64
	seq      uint64
}

type byteRange struct {
	start, end int64
}

// Open 在 opts.Dir 下打开（或创建）缓存，并把索引与磁盘内容对齐。
func Open(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("cache dir required")
	}
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("invalid cache capacity: %d", opts.Capacity)
	}

	abs, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	spanDir := filepath.Join(abs, "spans")
	if err := os.MkdirAll(spanDir, 0o755); err != nil {
		return nil, storageErr("open", "", fmt.Errorf("create cache dir: %w", err))
	}

	logger := logging.OrDiscard(opts.Logger)
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	idx, err := openIndex(filepath.Join(abs, "index"), logger)
	if err != nil {
		return nil, storageErr("open", "", err)
	}

	c := &Cache{
		dir:      abs,
		spanDir:  spanDir,
		capacity: opts.Capacity,
		logger:   logger,
		observer: opts.Observer,
		now:      now,
		idx:      idx,
		keys:     newKeyLocks(),
		spans:    make(map[string][]*spanEntry),
		recency:  list.New(),
	}
	if err := c.recover(); err != nil {
		_ = idx.close()
		return nil, storageErr("open", "", err)
	}
	return c, nil
}

// recover 重建内存结构：丢弃指向缺失/截断文件的索引记录，删除无记录的孤儿文件。
func (c *Cache) recover() error {
	records, corrupt, err := c.idx.load()
	if err != nil {
		return err
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastAccess != records[j].LastAccess {
			return records[i].LastAccess < records[j].LastAccess
		}
		return records[i].Seq < records[j].Seq
	})

	keep := make(map[string]struct{}, len(records))
	var stale []Span
	for _, s := range records {
		path := spanPath(c.spanDir, s)
		info, statErr := os.Stat(path)
		if statErr != nil || info.Size() != s.Length || c.overlaps(s) {
			stale = append(stale, s)
			continue
		}
		c.insert(s)
		keep[path] = struct{}{}
		if s.LastAccess > c.clock {
			c.clock = s.LastAccess
		}
		if s.Seq > c.seq {
			c.seq = s.Seq
		}
	}

	if err := c.idx.deleteRaw(corrupt); err != nil {
		return err
	}
	if err := c.idx.commit(nil, stale); err != nil {
		return err
	}
	orphans, err := sweepOrphans(c.spanDir, keep)
	if err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"action":   "cache_recover",
		"dir":      c.dir,
		"spans":    c.recency.Len(),
		"resident": humanize.IBytes(uint64(c.resident)),
		"capacity": humanize.IBytes(uint64(c.capacity)),
		"stale":    len(stale) + len(corrupt),
		"orphans":  orphans,
	}).Info("cache index loaded")

	if over := c.resident - c.capacity; over > 0 {
		if _, err := c.dropSpans(c.pickVictims("", over)); err != nil {
			return err
		}
	}
	c.observeResident()
	return nil
}

// Capacity 返回实例创建时确定的容量上限。
func (c *Cache) Capacity() int64 {
	return c.capacity
}

// Dir 返回缓存根目录。
func (c *Cache) Dir() string {
	return c.dir
}

// Write 写入 [offset, offset+len(data)) 中尚未缓存的部分，返回新落盘的字节数。
// 已缓存的部分只刷新访问戳；容量不足时先按 LRU 淘汰其它 span。
func (c *Cache) Write(ctx context.Context, key string, offset int64, data []byte) (int64, error) {
	if key == "" || offset < 0 {
		return 0, storageErr("write", key, ErrInvalidRange)
	}
	if len(data) == 0 {
		return 0, nil
	}
	if int64(len(data)) > c.capacity {
		return 0, storageErr("write", key, ErrExceedsCapacity)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	unlock := c.keys.lock(key)
	defer unlock()

	end := offset + int64(len(data))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	gaps, hits := c.gaps(key, offset, end)
	for _, e := range hits {
		c.touch(e)
	}
	pending := make([]Span, 0, len(gaps))
	for _, g := range gaps {
		c.seq++
		pending = append(pending, Span{Key: key, Offset: g.start, Length: g.end - g.start, Seq: c.seq})
	}
	c.mu.Unlock()

	for i, s := range pending {
		chunk := data[s.Offset-offset : s.End()-offset]
		if err := writeSpanFile(spanPath(c.spanDir, s), chunk); err != nil {
			c.discardFiles(pending[:i+1])
			return 0, storageErr("write", key, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.discardFiles(pending)
		return 0, ErrClosed
	}

	var need int64
	for _, s := range pending {
		need += s.Length
	}
	var victims []*spanEntry
	if over := c.resident + need - c.capacity; over > 0 {
		victims = c.pickVictims("", over)
	}
	evicted := make(map[*spanEntry]struct{}, len(victims))
	for _, v := range victims {
		evicted[v] = struct{}{}
	}

	put := make([]Span, 0, len(pending)+len(hits))
	for i := range pending {
		pending[i].LastAccess = c.stamp()
		put = append(put, pending[i])
	}
	for _, e := range hits {
		if _, gone := evicted[e]; gone || e.elem == nil {
			continue
		}
		put = append(put, e.Span)
	}

	if err := c.idx.commit(put, spansOf(victims)); err != nil {
		c.discardFiles(pending)
		return 0, storageErr("write", key, err)
	}
	c.applyEviction(victims)
	for _, s := range pending {
		c.insert(s)
	}

	if need > 0 && c.observer != nil {
		c.observer.ObserveWrite(need)
	}
	c.observeResident()
	return need, nil
}

// Read 返回从 offset 起连续缓存的字节（最多 length 字节），未缓存时返回空切片。
func (c *Cache) Read(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if key == "" || offset < 0 {
		return nil, storageErr("read", key, ErrInvalidRange)
	}
	if length <= 0 {
		return []byte{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	entries := c.spans[key]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].End() > offset })

	out := []byte{}
	pos, end := offset, offset+length
	var touched []Span
	var readErr error
	for ; i < len(entries) && pos < end; i++ {
		e := entries[i]
		if e.Offset > pos {
			break
		}
		n := min(e.End(), end) - pos
		chunk, err := readSpanFile(spanPath(c.spanDir, e.Span), pos-e.Offset, n)
		if err != nil {
			readErr = err
			c.logger.WithError(err).WithFields(logging.CacheFields("cache_read", key, e.Offset, e.Length)).
				Warn("span unreadable, dropping")
			if _, dropErr := c.dropSpans([]*spanEntry{e}); dropErr != nil {
				c.logger.WithError(dropErr).Warn("drop unreadable span failed")
			}
			break
		}
		out = append(out, chunk...)
		pos += n
		c.touch(e)
		touched = append(touched, e.Span)
	}

	if err := c.idx.commit(touched, nil); err != nil {
		c.logger.WithError(err).WithFields(logging.CacheFields("cache_touch", key, offset, length)).
			Warn("persist access time failed")
	}
	if len(out) == 0 && readErr != nil {
		return out, storageErr("read", key, readErr)
	}
	return out, nil
}

// CachedBytes 返回从 offset 起连续缓存的字节数；length < 0 表示不设上限。
func (c *Cache) CachedBytes(key string, offset, length int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.spans[key]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].End() > offset })
	pos := offset
	for ; i < len(entries); i++ {
		e := entries[i]
		if e.Offset > pos {
			break
		}
		pos = e.End()
		if length >= 0 && pos-offset >= length {
			return length
		}
	}
	return pos - offset
}

// Remove 删除某个资源的全部 span。
func (c *Cache) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := c.keys.lock(key)
	defer unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	victims := append([]*spanEntry(nil), c.spans[key]...)
	if _, err := c.dropSpans(victims); err != nil {
		return storageErr("remove", key, err)
	}
	c.observeResident()
	return nil
}

// Clear 删除缓存中的全部 span。
func (c *Cache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	victims := make([]*spanEntry, 0, c.recency.Len())
	for el := c.recency.Front(); el != nil; el = el.Next() {
		victims = append(victims, el.Value.(*spanEntry))
	}
	if _, err := c.dropSpans(victims); err != nil {
		return storageErr("clear", "", err)
	}
	c.observeResident()
	return nil
}

// Spans 返回某资源当前驻留的 span 副本，按 Offset 升序。
func (c *Cache) Spans(key string) []Span {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.spans[key]
	out := make([]Span, len(entries))
	for i, e := range entries {
		out[i] = e.Span
	}
	return out
}

// Keys 返回所有驻留资源的 key，按字典序排列。
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.spans))
	for key := range c.spans {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Stats 返回容量占用摘要。
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Capacity:      c.capacity,
		ResidentBytes: c.resident,
		Spans:         c.recency.Len(),
		Keys:          len(c.spans),
	}
}

// Close 关闭索引；之后的读写都返回 ErrClosed。重复调用安全。
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.spans = make(map[string][]*spanEntry)
	c.recency.Init()
	c.resident = 0
	if err := c.idx.close(); err != nil {
		return storageErr("close", "", err)
	}
	return nil
}

// stamp 生成严格递增的访问戳，保证 LRU 顺序与访问顺序一致。
func (c *Cache) stamp() int64 {
	ts := c.now().UnixNano()
	if ts <= c.clock {
		ts = c.clock + 1
	}
	c.clock = ts
	return ts
}

func (c *Cache) touch(e *spanEntry) {
	e.LastAccess = c.stamp()
	c.recency.MoveToBack(e.elem)
}

// insert 按 Offset 有序插入，并放到 LRU 队尾。调用方需持有 mu。
func (c *Cache) insert(s Span) {
	e := &spanEntry{Span: s}
	entries := c.spans[s.Key]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Offset >= s.Offset })
	entries = append(entries, nil)
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	c.spans[s.Key] = entries
	e.elem = c.recency.PushBack(e)
	c.resident += s.Length
}

// detach 从内存结构中摘除 span。调用方需持有 mu。
func (c *Cache) detach(e *spanEntry) {
	if e.elem == nil {
		return
	}
	c.recency.Remove(e.elem)
	e.elem = nil
	entries := c.spans[e.Key]
	for i, candidate := range entries {
		if candidate == e {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(c.spans, e.Key)
	} else {
		c.spans[e.Key] = entries
	}
	c.resident -= e.Length
}

func (c *Cache) overlaps(s Span) bool {
	entries := c.spans[s.Key]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].End() > s.Offset })
	return i < len(entries) && entries[i].Offset < s.End()
}

// gaps 计算 [start, end) 中未缓存的区间，以及与之重叠的已缓存 span。
func (c *Cache) gaps(key string, start, end int64) ([]byteRange, []*spanEntry) {
	entries := c.spans[key]
	i := sort.Search(len(entries), func(i int) bool { return entries[i].End() > start })

	var (
		gaps []byteRange
		hits []*spanEntry
	)
	pos := start
	for ; i < len(entries) && entries[i].Offset < end; i++ {
		e := entries[i]
		if e.Offset > pos {
			gaps = append(gaps, byteRange{pos, e.Offset})
		}
		hits = append(hits, e)
		if e.End() > pos {
			pos = e.End()
		}
	}
	if pos < end {
		gaps = append(gaps, byteRange{pos, end})
	}
	return gaps, hits
}

func (c *Cache) discardFiles(spans []Span) {
	for _, s := range spans {
		if err := removeSpanFile(spanPath(c.spanDir, s)); err != nil {
			c.logger.WithError(err).WithFields(logging.CacheFields("cache_discard", s.Key, s.Offset, s.Length)).
				Warn("remove uncommitted span failed")
		}
	}
}

func (c *Cache) observeResident() {
	if c.observer != nil {
		c.observer.ObserveResident(c.resident, c.capacity)
	}
}

func spansOf(entries []*spanEntry) []Span {
	out := make([]Span, len(entries))
	for i, e := range entries {
		out[i] = e.Span
	}
	return out
}
