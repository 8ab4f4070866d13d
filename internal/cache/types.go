package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed 表示缓存实例已经关闭，句柄不可再用。
	ErrClosed = errors.New("cache closed")
	// ErrExceedsCapacity 表示单次写入超过了缓存总容量。
	ErrExceedsCapacity = errors.New("write exceeds cache capacity")
	// ErrInvalidRange 表示 key 为空或 offset 为负。
	ErrInvalidRange = errors.New("invalid cache range")
)

// StorageError 包装磁盘/索引层失败，携带操作与资源 key。
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

// Span 描述某个资源的一段已缓存字节区间。
type Span struct {
	Key    string `json:"key"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	// LastAccess 是实例内严格递增的访问戳（基于 UnixNano）。
	LastAccess int64 `json:"last_access"`
	// Seq 是插入顺序，访问戳相同时用于打破平局。
	Seq uint64 `json:"seq"`
}

// End 返回区间的结束偏移（不含）。
func (s Span) End() int64 {
	return s.Offset + s.Length
}

// Stats 汇总当前缓存占用情况。
type Stats struct {
	Capacity      int64 `json:"capacity"`
	ResidentBytes int64 `json:"resident_bytes"`
	Spans         int   `json:"spans"`
	Keys          int   `json:"keys"`
}

// Observer 接收缓存事件，通常由 metrics 包实现；nil 表示不采集。
type Observer interface {
	ObserveWrite(bytes int64)
	ObserveEviction(spans int, bytes int64)
	ObserveResident(resident, capacity int64)
}

// Options 控制 Open 的行为。
type Options struct {
	// Dir 是缓存根目录，spans/ 与 index/ 建在其下。
	Dir string
	// Capacity 是缓存允许驻留的最大字节数。
	Capacity int64
	Logger   *logrus.Logger
	Observer Observer
	// Now 用于生成访问戳，测试中可注入。
	Now func() time.Time
}
