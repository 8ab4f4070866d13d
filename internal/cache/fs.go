package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

const (
	spanSuffix = ".span"
	tempPrefix = ".span-"
)

func hashKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// spanPath 由 key/offset/seq 推导出 span 文件路径，索引无需额外记录文件名。
func spanPath(spanDir string, s Span) string {
	h := hashKey(s.Key)
	name := fmt.Sprintf("%016x-%d%s", s.Offset, s.Seq, spanSuffix)
	return filepath.Join(spanDir, h[:2], h, name)
}

// writeSpanFile 通过临时文件 + fsync + rename 写入 span 正文，返回时数据已落盘。
func writeSpanFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return err
	}
	return syncDir(dir)
}

// syncDir 让 rename 本身持久化；部分平台不支持目录 fsync，忽略该类错误。
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}

// readSpanFile 读取 span 文件中 [from, from+n) 的字节。
func readSpanFile(path string, from, n int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := f.ReadAt(buf, from)
	if err != nil && !(errors.Is(err, io.EOF) && int64(read) == n) {
		return buf[:read], err
	}
	return buf, nil
}

func removeSpanFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	// 目录为空时顺手清理，非空返回的错误直接忽略
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// sweepOrphans 删除 spanDir 中不属于 keep 的文件（包括崩溃残留的临时文件）。
func sweepOrphans(spanDir string, keep map[string]struct{}) (int, error) {
	removed := 0
	err := filepath.WalkDir(spanDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := keep[path]; ok {
			return nil
		}
		if strings.HasSuffix(path, spanSuffix) || strings.HasPrefix(d.Name(), tempPrefix) {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// keyLocks 通过 entryLock 避免同一资源并发写入，同时允许不同资源并行落盘。
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*entryLock)}
}

func (l *keyLocks) lock(key string) func() {
	l.mu.Lock()
	lock := l.locks[key]
	if lock == nil {
		lock = &entryLock{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
