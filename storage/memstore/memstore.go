package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/mengeric/jobcore/model"
)

// Store 是一个线程安全的内存实现，仅用于开发/轻量场景与测试。
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]model.Job
	history map[string]model.HistoryEntry
	alerts  map[string]model.Alert
}

// New 创建内存存储。
func New() *Store {
	return &Store{
		jobs:    map[string]model.Job{},
		history: map[string]model.HistoryEntry{},
		alerts:  map[string]model.Alert{},
	}
}

func (s *Store) UpsertJob(ctx context.Context, j *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := j.Clone()
	return &cp, nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *Store) InsertHistory(ctx context.Context, h *model.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	cp.Job = h.Job.Clone()
	s.history[h.Job.ID] = cp
	return nil
}

func (s *Store) ListHistory(ctx context.Context, f model.JobFilter) ([]model.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.HistoryEntry, 0)
	for _, h := range s.history {
		if f.Match(&h.Job) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ArchivedAt.Before(out[k].ArchivedAt) })
	return out, nil
}

func (s *Store) UpsertAlert(ctx context.Context, a *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = *a
	return nil
}

func (s *Store) ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Alert, 0)
	for _, a := range s.alerts {
		if f.Match(&a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *Store) Close() error { return nil }
