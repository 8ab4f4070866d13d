package prefetch

import (
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/media-prefetch/internal/cache"
	"github.com/any-hub/media-prefetch/internal/lifecycle"
)

func newManager(t *testing.T) *lifecycle.Manager {
	t.Helper()
	m, err := lifecycle.NewManager(lifecycle.Options{Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.ReleaseCache() })
	return m
}

func newLiveCache(t *testing.T, capacity int64) (*lifecycle.Manager, *cache.Cache) {
	t.Helper()
	m := newManager(t)
	c, err := m.InitCache(capacity)
	require.NoError(t, err)
	return m, c
}

// countingBody 是一个无限制速率的上游响应体，记录被读取的次数。
type countingBody struct {
	remaining int64
	reads     atomic.Int64
}

func (b *countingBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, io.EOF
	}
	b.reads.Add(1)
	n := min(int64(len(p)), b.remaining)
	for i := range p[:n] {
		p[i] = byte(i)
	}
	b.remaining -= n
	return int(n), nil
}

func (b *countingBody) Close() error { return nil }

type bodyTransport struct {
	body *countingBody
}

func (t bodyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": []string{"video/mp4"}},
		Body:          t.body,
		ContentLength: -1,
		Request:       req,
	}, nil
}
