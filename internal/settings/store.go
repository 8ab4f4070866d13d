package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

const (
	// CacheNamespace 是缓存容量设置所在的命名空间。
	CacheNamespace = "SharedExoPlayerCache"
	// CacheSizeKey 保存用户设置的缓存容量上限（字节）。
	CacheSizeKey = "SharedExoPlayerCache_Cache_Size"
)

var (
	namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	// viper 把 "." 视为嵌套路径分隔符，键名中不允许出现。
	keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Store 是按命名空间划分的持久化键值设置。
type Store interface {
	GetInt64(namespace, key string, def int64) int64
	PutInt64(namespace, key string, value int64) error
}

// FileStore 把每个命名空间保存为 dir 下的一个 TOML 文件。
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore 创建目录并返回 FileStore。
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("settings dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// GetInt64 读取设置，文件或键缺失、值无法解析时返回 def。
func (s *FileStore) GetInt64(namespace, key string, def int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.load(namespace)
	if err != nil || !v.IsSet(key) {
		return def
	}
	value, err := cast.ToInt64E(v.Get(key))
	if err != nil {
		return def
	}
	return value
}

// PutInt64 写入设置；先写临时文件再 rename，避免读到半截内容。
func (s *FileStore) PutInt64(namespace, key string, value int64) error {
	if !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid settings key: %q", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.load(namespace)
	if err != nil {
		return err
	}
	v.Set(key, value)

	target := s.path(namespace)
	tmp := filepath.Join(s.dir, "."+namespace+".tmp.toml")
	if err := v.WriteConfigAs(tmp); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write settings %s: %w", namespace, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace settings %s: %w", namespace, err)
	}
	return nil
}

func (s *FileStore) load(namespace string) (*viper.Viper, error) {
	if !namePattern.MatchString(namespace) || strings.HasPrefix(namespace, ".") {
		return nil, fmt.Errorf("invalid settings namespace: %q", namespace)
	}
	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(s.path(namespace))
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, nil
		}
		return nil, fmt.Errorf("read settings %s: %w", namespace, err)
	}
	return v, nil
}

func (s *FileStore) path(namespace string) string {
	return filepath.Join(s.dir, namespace+".toml")
}

// MemoryStore 是进程内实现，用于测试与 --check-config 之类的临时场景。
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewMemoryStore 返回空的 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]int64)}
}

func (m *MemoryStore) GetInt64(namespace, key string, def int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[namespace+"/"+key]; ok {
		return v
	}
	return def
}

func (m *MemoryStore) PutInt64(namespace, key string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[namespace+"/"+key] = value
	return nil
}
