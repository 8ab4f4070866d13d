package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	assert.Equal(t, int64(42), store.GetInt64(CacheNamespace, CacheSizeKey, 42))

	require.NoError(t, store.PutInt64(CacheNamespace, CacheSizeKey, 3<<20))
	assert.Equal(t, int64(3<<20), store.GetInt64(CacheNamespace, CacheSizeKey, 42))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(3<<20), reopened.GetInt64(CacheNamespace, CacheSizeKey, 42))

	_, err = os.Stat(filepath.Join(dir, CacheNamespace+".toml"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "."+CacheNamespace+".tmp.toml"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreKeepsOtherKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.PutInt64("player", "Volume", 7))
	require.NoError(t, store.PutInt64("player", "Speed", 2))
	assert.Equal(t, int64(7), store.GetInt64("player", "Volume", 0))
	assert.Equal(t, int64(2), store.GetInt64("player", "Speed", 0))
	assert.Equal(t, int64(-1), store.GetInt64("other", "Volume", -1))
}

func TestFileStoreFallsBackOnCorruptFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, CacheNamespace+".toml"), []byte("not = [valid"), 0o644))

	assert.Equal(t, int64(9), store.GetInt64(CacheNamespace, CacheSizeKey, 9))
	assert.Error(t, store.PutInt64(CacheNamespace, CacheSizeKey, 1))
}

func TestFileStoreRejectsBadNames(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, store.PutInt64("../escape", "k", 1))
	assert.Error(t, store.PutInt64("ns", "a.b", 1))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	assert.Equal(t, int64(5), store.GetInt64("ns", "k", 5))
	require.NoError(t, store.PutInt64("ns", "k", 6))
	assert.Equal(t, int64(6), store.GetInt64("ns", "k", 5))
	assert.Equal(t, int64(5), store.GetInt64("other", "k", 5))
}
