// Package tracker 维护正在执行的任务尝试及其取消句柄，调度器以此计算占用的并发槽位。
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Attempt 一次正在执行的任务尝试。
type Attempt struct {
	JobID    string
	WorkerID string
	Attempt  int // 第几次执行，从 0 开始
	Started  time.Time
	Ctx      context.Context
	Cancel   context.CancelFunc
}

// Manager 运行中尝试的跟踪器。
type Manager struct {
	mu      sync.RWMutex
	running map[string]*Attempt
}

// NewManager 构造。
func NewManager() *Manager { return &Manager{running: map[string]*Attempt{}} }

// Start 注册一次尝试，返回带取消句柄的执行上下文。
// 同一任务已有尝试在跟踪时返回 false。
func (m *Manager) Start(parent context.Context, jobID, workerID string, attempt int) (*Attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.running[jobID]; ok {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	a := &Attempt{JobID: jobID, WorkerID: workerID, Attempt: attempt, Started: time.Now(), Ctx: ctx, Cancel: cancel}
	m.running[jobID] = a
	return a, true
}

// Cancel 触发尝试的取消信号但保留登记，槽位直到 Finish 才释放。
func (m *Manager) Cancel(jobID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if a, ok := m.running[jobID]; ok {
		a.Cancel()
		return true
	}
	return false
}

// Finish 注销尝试并释放其上下文；仅当登记的仍是 a 时生效。
func (m *Manager) Finish(a *Attempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.running[a.JobID]; ok && cur == a {
		a.Cancel()
		delete(m.running, a.JobID)
		return true
	}
	return false
}

// Get 查询尝试。
func (m *Manager) Get(jobID string) (*Attempt, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.running[jobID]
	return a, ok
}

// Len 当前占用的槽位数。
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.running)
}

// ListIDs 返回当前运行中的任务 ID（排序后）。
func (m *Manager) ListIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
