package cache

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// Index key layout:
//
//	s:<sha1(key)>:<offset as 16 hex digits>   Span (JSON)
//
// The hashed key keeps separators out of resource URLs and groups all spans of
// one resource under a common prefix for scoped scans.
const prefixSpan = "s:"

// maxTxnOps 限制单个事务内的操作数，避免大批量删除触发 ErrTxnTooBig。
const maxTxnOps = 1000

func spanKey(s Span) []byte {
	return []byte(fmt.Sprintf("%s%s:%016x", prefixSpan, hashKey(s.Key), s.Offset))
}

// index 是缓存的持久化索引，所有修改在单个 badger 事务内提交。
type index struct {
	db *badger.DB
}

func openIndex(dir string, logger *logrus.Logger) (*index, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(logger.WithField("component", "badger")).
		WithLoggingLevel(badger.WARNING).
		WithValueLogFileSize(16 << 20).
		WithMemTableSize(8 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	return &index{db: db}, nil
}

// load 读取全部 span 记录，无法解码的记录会被收集起来交给调用方清理。
func (x *index) load() ([]Span, [][]byte, error) {
	var (
		spans   []Span
		corrupt [][]byte
	)
	err := x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSpan)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var s Span
				if err := json.Unmarshal(val, &s); err != nil || s.Key == "" || s.Length <= 0 {
					corrupt = append(corrupt, item.KeyCopy(nil))
					return nil
				}
				spans = append(spans, s)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load index: %w", err)
	}
	return spans, corrupt, nil
}

// commit 在一个事务内写入 put 并删除 del；返回前数据已经同步落盘。
func (x *index) commit(put []Span, del []Span) error {
	if len(put) == 0 && len(del) == 0 {
		return nil
	}
	// 删除先于写入提交：中途崩溃只会留下孤儿文件，由 Open 清理。
	for len(del)+len(put) > maxTxnOps && len(del) > 0 {
		n := min(len(del), maxTxnOps)
		if err := x.commit(nil, del[:n]); err != nil {
			return err
		}
		del = del[n:]
	}
	return x.db.Update(func(txn *badger.Txn) error {
		for _, s := range del {
			if err := txn.Delete(spanKey(s)); err != nil {
				return err
			}
		}
		for _, s := range put {
			val, err := json.Marshal(s)
			if err != nil {
				return err
			}
			if err := txn.Set(spanKey(s), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// deleteRaw 删除无法解析的原始 key。
func (x *index) deleteRaw(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	return x.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (x *index) close() error {
	return x.db.Close()
}
