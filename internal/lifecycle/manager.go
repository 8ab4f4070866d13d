package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-prefetch/internal/cache"
	"github.com/any-hub/media-prefetch/internal/logging"
	"github.com/any-hub/media-prefetch/internal/settings"
)

// DefaultCapacity 是未设置任何容量时使用的上限（2000 MiB）。
const DefaultCapacity int64 = 2000 * 1024 * 1024

// cacheSubdir 是宿主缓存目录下缓存实例使用的子目录。
const cacheSubdir = "exoplayer"

// ErrNotInitialized 表示当前没有存活的缓存实例。
var ErrNotInitialized = errors.New("cache not initialized")

// Options 描述 Manager 的依赖。
type Options struct {
	// Root 是宿主提供的应用缓存目录，缓存实例位于 Root/exoplayer。
	Root            string
	Settings        settings.Store
	Logger          *logrus.Logger
	Observer        cache.Observer
	DefaultCapacity int64
}

// Manager 持有唯一的缓存实例。写操作（init/release/clear）在 mu 下串行，
// 读操作只做一次原子 load。
type Manager struct {
	dir             string
	settings        settings.Store
	logger          *logrus.Logger
	observer        cache.Observer
	defaultCapacity int64

	live atomic.Pointer[cache.Cache]

	mu    sync.Mutex
	hint  int64
	ready chan struct{}
}

// NewManager 校验依赖并返回尚未初始化缓存的 Manager。
func NewManager(opts Options) (*Manager, error) {
	if opts.Root == "" {
		return nil, errors.New("cache root dir required")
	}
	store := opts.Settings
	if store == nil {
		store = settings.NewMemoryStore()
	}
	def := opts.DefaultCapacity
	if def <= 0 {
		def = DefaultCapacity
	}
	return &Manager{
		dir:             filepath.Join(opts.Root, cacheSubdir),
		settings:        store,
		logger:          logging.OrDiscard(opts.Logger),
		observer:        opts.Observer,
		defaultCapacity: def,
		ready:           make(chan struct{}),
	}, nil
}

// Dir 返回缓存实例的根目录。
func (m *Manager) Dir() string {
	return m.dir
}

// InitCache 创建缓存实例。容量优先取持久化的设置，其次取 capacityHint，最后取默认值。
// 已有实例时只记录警告并返回现有实例。
func (m *Manager) InitCache(capacityHint int64) (*cache.Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c := m.live.Load(); c != nil {
		m.logger.WithFields(logrus.Fields{
			"action":   "cache_init",
			"dir":      m.dir,
			"capacity": humanize.IBytes(uint64(c.Capacity())),
		}).Warn("cache already initialized")
		return c, nil
	}
	m.hint = capacityHint
	return m.openLocked()
}

func (m *Manager) openLocked() (*cache.Cache, error) {
	capacity := m.resolveCapacity(m.hint)
	c, err := cache.Open(cache.Options{
		Dir:      m.dir,
		Capacity: capacity,
		Logger:   m.logger,
		Observer: m.observer,
	})
	if err != nil {
		return nil, fmt.Errorf("init cache: %w", err)
	}
	m.live.Store(c)
	close(m.ready)

	m.logger.WithFields(logrus.Fields{
		"action":   "cache_init",
		"dir":      m.dir,
		"capacity": humanize.IBytes(uint64(capacity)),
	}).Info("cache initialized")
	return c, nil
}

func (m *Manager) resolveCapacity(hint int64) int64 {
	if persisted := m.settings.GetInt64(settings.CacheNamespace, settings.CacheSizeKey, 0); persisted > 0 {
		return persisted
	}
	if hint > 0 {
		return hint
	}
	return m.defaultCapacity
}

// GetCache 返回当前实例；没有实例时返回 ErrNotInitialized。不会阻塞。
func (m *Manager) GetCache() (*cache.Cache, error) {
	if c := m.live.Load(); c != nil {
		return c, nil
	}
	return nil, ErrNotInitialized
}

// Ready 返回一个在实例存活期间处于关闭状态的 channel。
// 释放实例后会换成新的 channel，因此调用方每次等待前都应重新获取。
func (m *Manager) Ready() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// ReleaseCache 清空句柄并关闭实例。没有实例时直接返回。
func (m *Manager) ReleaseCache() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked()
}

func (m *Manager) releaseLocked() error {
	c := m.live.Swap(nil)
	if c == nil {
		return nil
	}
	m.ready = make(chan struct{})
	if err := c.Close(); err != nil {
		return fmt.Errorf("release cache: %w", err)
	}
	m.logger.WithFields(logrus.Fields{"action": "cache_release", "dir": m.dir}).Info("cache released")
	return nil
}

// SetCapacity 只持久化新的容量上限，当前实例不受影响，下一次初始化（或 ClearCache）后生效。
func (m *Manager) SetCapacity(bytes int64) error {
	if bytes <= 0 {
		return fmt.Errorf("invalid cache capacity: %d", bytes)
	}
	if err := m.settings.PutInt64(settings.CacheNamespace, settings.CacheSizeKey, bytes); err != nil {
		return fmt.Errorf("persist cache capacity: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"action":   "cache_set_capacity",
		"capacity": humanize.IBytes(uint64(bytes)),
	}).Info("cache capacity saved, applies after reset")
	return nil
}

// ClearCache 释放实例、删除全部缓存内容；原先有实例时按最新设置重新初始化。
func (m *Manager) ClearCache(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	wasLive := m.live.Load() != nil
	if err := m.releaseLocked(); err != nil {
		return err
	}
	if err := os.RemoveAll(m.dir); err != nil {
		return fmt.Errorf("wipe cache dir: %w", err)
	}
	m.logger.WithFields(logrus.Fields{"action": "cache_clear", "dir": m.dir}).Info("cache content wiped")

	if !wasLive {
		return nil
	}
	_, err := m.openLocked()
	return err
}
