package cache

import (
	"context"

	"github.com/sirupsen/logrus"
)

// pickVictims 从 LRU 队首开始挑选 span，直到累计字节数不少于 need。
// key 非空时只考虑该资源的 span。调用方需持有 mu。
func (c *Cache) pickVictims(key string, need int64) []*spanEntry {
	var (
		victims []*spanEntry
		freed   int64
	)
	for el := c.recency.Front(); el != nil && freed < need; el = el.Next() {
		e := el.Value.(*spanEntry)
		if key != "" && e.Key != key {
			continue
		}
		victims = append(victims, e)
		freed += e.Length
	}
	return victims
}

// dropSpans 先提交索引删除，再摘除内存记录并删除文件。调用方需持有 mu。
func (c *Cache) dropSpans(victims []*spanEntry) (int64, error) {
	if len(victims) == 0 {
		return 0, nil
	}
	if err := c.idx.commit(nil, spansOf(victims)); err != nil {
		return 0, err
	}
	return c.applyEviction(victims), nil
}

// applyEviction 在索引删除已经提交后调用。
func (c *Cache) applyEviction(victims []*spanEntry) int64 {
	if len(victims) == 0 {
		return 0
	}
	var freed int64
	for _, v := range victims {
		freed += v.Length
		c.detach(v)
		if err := removeSpanFile(spanPath(c.spanDir, v.Span)); err != nil {
			c.logger.WithError(err).WithField("key", v.Key).Warn("remove evicted span failed")
		}
	}
	c.logger.WithFields(logrus.Fields{
		"action":   "cache_evict",
		"spans":    len(victims),
		"bytes":    freed,
		"resident": c.resident,
	}).Debug("spans evicted")
	if c.observer != nil {
		c.observer.ObserveEviction(len(victims), freed)
	}
	return freed
}

// Evict 按 LRU 顺序淘汰 span，直到至少空出 freeBytes（相对容量上限）。
// key 为空时作用于整个缓存，否则只淘汰该资源的 span。返回淘汰的字节数。
func (c *Cache) Evict(ctx context.Context, key string, freeBytes int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if freeBytes < 0 {
		freeBytes = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}

	target := c.capacity - freeBytes
	if target < 0 {
		target = 0
	}
	over := c.resident - target
	if over <= 0 {
		return 0, nil
	}

	freed, err := c.dropSpans(c.pickVictims(key, over))
	if err != nil {
		return 0, storageErr("evict", key, err)
	}
	c.observeResident()
	return freed, nil
}
