package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/media-prefetch/internal/cache"
	"github.com/any-hub/media-prefetch/internal/settings"
)

func newTestManager(t *testing.T, store settings.Store) *Manager {
	t.Helper()
	if store == nil {
		store = settings.NewMemoryStore()
	}
	m, err := NewManager(Options{Root: t.TempDir(), Settings: store})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.ReleaseCache() })
	return m
}

func TestNewManagerRequiresRoot(t *testing.T) {
	_, err := NewManager(Options{})
	assert.Error(t, err)
}

func TestInitCacheIsIdempotent(t *testing.T) {
	m := newTestManager(t, nil)

	first, err := m.InitCache(1 << 20)
	require.NoError(t, err)
	second, err := m.InitCache(4 << 20)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int64(1<<20), second.Capacity())
	assert.Equal(t, filepath.Join(filepath.Dir(m.Dir()), "exoplayer"), m.Dir())
}

func TestInitCacheConcurrentCallersShareInstance(t *testing.T) {
	m := newTestManager(t, nil)

	var wg sync.WaitGroup
	got := make([]*cache.Cache, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.InitCache(1 << 20)
			assert.NoError(t, err)
			got[i] = c
		}(i)
	}
	wg.Wait()
	for _, c := range got {
		assert.Same(t, got[0], c)
	}
}

func TestInitCacheUsesDefaultCapacity(t *testing.T) {
	m := newTestManager(t, nil)
	c, err := m.InitCache(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultCapacity, c.Capacity())
}

func TestGetCacheBeforeInit(t *testing.T) {
	m := newTestManager(t, nil)
	_, err := m.GetCache()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestReleaseCacheInvalidatesHandle(t *testing.T) {
	m := newTestManager(t, nil)
	c, err := m.InitCache(1 << 20)
	require.NoError(t, err)

	require.NoError(t, m.ReleaseCache())
	require.NoError(t, m.ReleaseCache())

	_, err = m.GetCache()
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = c.Write(context.Background(), "k", 0, []byte("x"))
	assert.ErrorIs(t, err, cache.ErrClosed)
}

func TestSetCapacityAppliesOnlyAfterReset(t *testing.T) {
	store := settings.NewMemoryStore()
	m := newTestManager(t, store)
	live, err := m.InitCache(1 << 20)
	require.NoError(t, err)

	require.NoError(t, m.SetCapacity(3<<20))
	assert.Equal(t, int64(1<<20), live.Capacity())
	current, err := m.GetCache()
	require.NoError(t, err)
	assert.Same(t, live, current)
	assert.Equal(t, int64(3<<20), store.GetInt64(settings.CacheNamespace, settings.CacheSizeKey, 0))

	require.NoError(t, m.ReleaseCache())
	reopened, err := m.InitCache(1 << 20)
	require.NoError(t, err)
	assert.Equal(t, int64(3<<20), reopened.Capacity())
}

func TestSetCapacityRejectsNonPositive(t *testing.T) {
	m := newTestManager(t, nil)
	assert.Error(t, m.SetCapacity(0))
}

func TestClearCacheWipesAndReinitializes(t *testing.T) {
	m := newTestManager(t, nil)
	c, err := m.InitCache(1 << 20)
	require.NoError(t, err)
	_, err = c.Write(context.Background(), "video", 0, []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, m.SetCapacity(2<<20))

	require.NoError(t, m.ClearCache(context.Background()))

	fresh, err := m.GetCache()
	require.NoError(t, err)
	assert.NotSame(t, c, fresh)
	assert.Equal(t, int64(2<<20), fresh.Capacity())
	assert.Zero(t, fresh.Stats().ResidentBytes)
	assert.Empty(t, fresh.Keys())
}

func TestClearCacheWithoutInstanceOnlyWipes(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(m.Dir(), "spans"), 0o755))

	require.NoError(t, m.ClearCache(context.Background()))

	_, err := os.Stat(m.Dir())
	assert.True(t, os.IsNotExist(err))
	_, err = m.GetCache()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestReadySignalFollowsLifecycle(t *testing.T) {
	m := newTestManager(t, nil)
	before := m.Ready()
	select {
	case <-before:
		t.Fatal("ready closed before init")
	default:
	}

	_, err := m.InitCache(1 << 20)
	require.NoError(t, err)
	select {
	case <-before:
	case <-time.After(time.Second):
		t.Fatal("ready not closed after init")
	}

	require.NoError(t, m.ReleaseCache())
	select {
	case <-m.Ready():
		t.Fatal("ready closed after release")
	default:
	}
}
