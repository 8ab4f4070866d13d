package cache

import (
	"context"
	"errors"
)

// ErrSinkClosed 表示 Sink 已经关闭。
var ErrSinkClosed = errors.New("cache sink closed")

// Sink 把顺序流入的字节按 fragment 大小切分后写入 Cache，
// 作为下载流的 write-through 目标。Close 会提交尚未满一个 fragment 的尾部。
type Sink struct {
	ctx       context.Context
	cache     *Cache
	key       string
	offset    int64
	fragment  int
	buf       []byte
	committed int64
	closed    bool
}

// NewSink 构造从 offset 开始写入 key 的 Sink；fragment <= 0 时使用 1 MiB。
func NewSink(ctx context.Context, c *Cache, key string, offset, fragment int64) *Sink {
	if fragment <= 0 {
		fragment = 1 << 20
	}
	if fragment > c.Capacity() {
		fragment = c.Capacity()
	}
	return &Sink{
		ctx:      ctx,
		cache:    c,
		key:      key,
		offset:   offset,
		fragment: int(fragment),
		buf:      make([]byte, 0, int(fragment)),
	}
}

// Write 实现 io.Writer；满一个 fragment 即提交。
func (s *Sink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrSinkClosed
	}
	written := 0
	for len(p) > 0 {
		n := min(s.fragment-len(s.buf), len(p))
		s.buf = append(s.buf, p[:n]...)
		p = p[n:]
		written += n
		if len(s.buf) == s.fragment {
			if err := s.flush(s.ctx); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Close 提交剩余字节。即使上游已取消，已读到的字节仍然写入缓存。
func (s *Sink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.flush(context.WithoutCancel(s.ctx))
}

// Position 返回下一次提交的起始偏移。
func (s *Sink) Position() int64 {
	return s.offset + int64(len(s.buf))
}

// Committed 返回已经提交给 Cache 的字节数（包括已缓存而跳过的部分）。
func (s *Sink) Committed() int64 {
	return s.committed
}

func (s *Sink) flush(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	if _, err := s.cache.Write(ctx, s.key, s.offset, s.buf); err != nil {
		return err
	}
	s.offset += int64(len(s.buf))
	s.committed += int64(len(s.buf))
	s.buf = s.buf[:0]
	return nil
}
