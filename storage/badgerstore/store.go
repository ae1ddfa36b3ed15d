// Package badgerstore 基于 BadgerDB 的嵌入式 storage.Store 实现，适合单机部署、无需外部数据库的场景。
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/mengeric/jobcore/model"
)

const (
	prefixJob     = "job/"
	prefixHistory = "hist/"
	prefixAlert   = "alert/"
)

// envelope 记录外层包装，行级时间戳由存储维护。
type envelope struct {
	RowCreatedAt time.Time       `json:"rowCreatedAt"`
	RowUpdatedAt time.Time       `json:"rowUpdatedAt"`
	Data         json.RawMessage `json:"data"`
}

// Store BadgerDB 实现。
type Store struct{ db *badger.DB }

// Open 打开数据目录；dir 为空时使用内存模式。
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) UpsertJob(ctx context.Context, j *model.Job) error {
	return s.put(prefixJob+j.ID, j)
}

func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var j model.Job
	if err := s.get(prefixJob+id, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error { return txn.Delete([]byte(prefixJob + id)) })
}

func (s *Store) InsertHistory(ctx context.Context, h *model.HistoryEntry) error {
	return s.put(prefixHistory+h.Job.ID, h)
}

func (s *Store) ListHistory(ctx context.Context, f model.JobFilter) ([]model.HistoryEntry, error) {
	out := make([]model.HistoryEntry, 0)
	err := s.scan(prefixHistory, func(raw []byte) error {
		var h model.HistoryEntry
		if err := json.Unmarshal(raw, &h); err != nil {
			return err
		}
		if f.Match(&h.Job) {
			out = append(out, h)
		}
		return nil
	})
	sort.Slice(out, func(i, k int) bool { return out[i].ArchivedAt.Before(out[k].ArchivedAt) })
	return out, err
}

func (s *Store) UpsertAlert(ctx context.Context, a *model.Alert) error {
	return s.put(prefixAlert+a.ID, a)
}

func (s *Store) ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.Alert, error) {
	out := make([]model.Alert, 0)
	err := s.scan(prefixAlert, func(raw []byte) error {
		var a model.Alert
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		if f.Match(&a) {
			out = append(out, a)
		}
		return nil
	})
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, err
}

func (s *Store) Close() error { return s.db.Close() }

// put 在同一事务内读取旧记录以保留 RowCreatedAt。
func (s *Store) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		now := time.Now()
		env := envelope{RowCreatedAt: now, RowUpdatedAt: now, Data: data}
		if item, err := txn.Get([]byte(key)); err == nil {
			_ = item.Value(func(old []byte) error {
				var prev envelope
				if json.Unmarshal(old, &prev) == nil && !prev.RowCreatedAt.IsZero() {
					env.RowCreatedAt = prev.RowCreatedAt
				}
				return nil
			})
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		b, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), b)
	})
}

func (s *Store) get(key string, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var env envelope
			if err := json.Unmarshal(val, &env); err != nil {
				return err
			}
			return json.Unmarshal(env.Data, out)
		})
	})
}

func (s *Store) scan(prefix string, fn func(raw []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var env envelope
				if err := json.Unmarshal(val, &env); err != nil {
					return err
				}
				return fn(env.Data)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}
