// Package registry 是任务实时状态的唯一来源，并在任务进入终态时生成一次且仅一次历史快照。
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mengeric/jobcore/logging"
	"github.com/mengeric/jobcore/model"
	"github.com/mengeric/jobcore/storage"
)

// Listener 在每次变更提交后以任务快照回调。
// 注意：回调在登记表锁内执行以保证同一任务事件有序，实现不得阻塞或回调登记表。
type Listener func(j model.Job)

// Spec 新建任务的描述。
type Spec struct {
	ID         string // 留空自动生成
	Type       string
	Priority   model.Priority
	Params     map[string]any
	MaxRetries int
	NodeID     string
}

// Option 登记表可选项。
type Option func(r *Registry)

// WithClock 注入时钟，测试中用于构造确定的时间线。
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithMirror 注入存储镜像。
func WithMirror(m *Mirror) Option { return func(r *Registry) { r.mirror = m } }

// WithStore 基于 store 创建默认镜像。
func WithStore(s storage.Store) Option {
	return func(r *Registry) {
		if s != nil {
			r.mirror = NewMirror(s, 0)
			r.store = s
		}
	}
}

// WithListener 追加变更监听。
func WithListener(l Listener) Option {
	return func(r *Registry) {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
}

// Registry 实时任务表 + 终态历史表。
type Registry struct {
	mu         sync.RWMutex
	jobs       map[string]*model.Job
	history    map[string]model.HistoryEntry
	lastUpdate time.Time

	now       func() time.Time
	listeners []Listener
	mirror    *Mirror
	store     storage.Store
}

// New 创建登记表。
func New(opts ...Option) *Registry {
	r := &Registry{
		jobs:    map[string]*model.Job{},
		history: map[string]model.HistoryEntry{},
		now:     time.Now,
	}
	for _, fn := range opts {
		fn(r)
	}
	return r
}

// Mirror 返回存储镜像（可能为 nil）。
func (r *Registry) Mirror() *Mirror { return r.mirror }

// AddListener 运行期追加监听。
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l != nil {
		r.listeners = append(r.listeners, l)
	}
}

// stampLocked 返回严格单调递增的更新时间。
func (r *Registry) stampLocked() time.Time {
	t := r.now()
	if !t.After(r.lastUpdate) {
		t = r.lastUpdate.Add(time.Nanosecond)
	}
	r.lastUpdate = t
	return t
}

// Create 新建 pending 状态任务。
func (r *Registry) Create(spec Spec) (model.Job, error) {
	if spec.Type == "" {
		return model.Job{}, fmt.Errorf("%w: job type is empty", model.ErrValidation)
	}
	if !spec.Priority.Valid() {
		return model.Job{}, fmt.Errorf("%w: invalid priority %d", model.ErrValidation, spec.Priority)
	}
	if spec.MaxRetries < 0 {
		return model.Job{}, fmt.Errorf("%w: maxRetries must be >= 0", model.ErrValidation)
	}
	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; ok {
		return model.Job{}, fmt.Errorf("%w: duplicate job id %s", model.ErrValidation, id)
	}
	if _, ok := r.history[id]; ok {
		return model.Job{}, fmt.Errorf("%w: duplicate job id %s", model.ErrValidation, id)
	}
	now := r.stampLocked()
	j := &model.Job{
		ID:          id,
		Type:        spec.Type,
		Status:      model.StatusPending,
		Priority:    spec.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
		MaxRetries:  spec.MaxRetries,
		NodeID:      spec.NodeID,
		InputParams: model.Payload{Type: spec.Type, Params: spec.Params},
	}
	r.jobs[id] = j
	snap := j.Clone()
	r.commitLocked(snap)
	return snap, nil
}

// Update 在锁内修改任务；mutate 可修改状态以外的任意字段，也可修改状态（会校验迁移表）。
// 未知 ID 返回 ErrNotFound；终态任务或非法迁移返回 ErrInvalidState。
func (r *Registry) Update(id string, mutate func(j *model.Job) error) (model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[id]
	if !ok {
		if _, archived := r.history[id]; archived {
			return model.Job{}, fmt.Errorf("%w: job %s is terminal", model.ErrInvalidState, id)
		}
		return model.Job{}, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	if cur.Status.IsTerminal() {
		return model.Job{}, fmt.Errorf("%w: job %s is %s", model.ErrInvalidState, id, cur.Status)
	}
	next := cur.Clone()
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return model.Job{}, err
		}
	}
	next.ID, next.CreatedAt = cur.ID, cur.CreatedAt
	if next.Status != cur.Status && !model.CanTransition(cur.Status, next.Status) {
		return model.Job{}, fmt.Errorf("%w: %s -> %s", model.ErrInvalidState, cur.Status, next.Status)
	}
	now := r.stampLocked()
	next.UpdatedAt = now
	if next.Status.IsTerminal() {
		stampTerminal(&next, now)
	}
	*cur = next
	snap := cur.Clone()
	if snap.Status.IsTerminal() {
		r.archiveLocked(snap, now)
	}
	r.commitLocked(snap)
	return snap, nil
}

// Transition 把任务迁移到 to 状态，mutate 可同时修改其它字段。
func (r *Registry) Transition(id string, to model.Status, mutate func(j *model.Job)) (model.Job, error) {
	return r.Update(id, func(j *model.Job) error {
		j.Status = to
		if mutate != nil {
			mutate(j)
		}
		return nil
	})
}

// Cancel 取消任意非终态任务。
func (r *Registry) Cancel(id, reason string) (model.Job, error) {
	return r.Transition(id, model.StatusCancelled, func(j *model.Job) { j.CancelReason = reason })
}

// Archive 为终态任务生成历史快照；同一任务只生效一次，返回是否新写入。
func (r *Registry) Archive(j model.Job) (bool, error) {
	if !j.Status.IsTerminal() {
		return false, fmt.Errorf("%w: job %s is not terminal", model.ErrInvalidState, j.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.archiveLocked(j, r.now()), nil
}

func (r *Registry) archiveLocked(j model.Job, at time.Time) bool {
	if _, ok := r.history[j.ID]; ok {
		return false
	}
	h := model.NewHistoryEntry(j, at)
	r.history[j.ID] = h
	r.mirror.saveHistory(h)
	logging.L().Debug(context.Background(), "job archived", "job", j.ID, "status", j.Status)
	return true
}

// commitLocked 镜像并通知监听者。
func (r *Registry) commitLocked(snap model.Job) {
	r.mirror.saveJob(snap)
	for _, l := range r.listeners {
		l(snap)
	}
}

// Get 读取任务：先查实时表，再查历史快照。
func (r *Registry) Get(id string) (model.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if j, ok := r.jobs[id]; ok {
		return j.Clone(), nil
	}
	if h, ok := r.history[id]; ok {
		return h.Job.Clone(), nil
	}
	return model.Job{}, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
}

// Lookup 先查内存，未命中时回落到持久化镜像只读查询（不会恢复到内存）。
func (r *Registry) Lookup(ctx context.Context, id string) (model.Job, error) {
	j, err := r.Get(id)
	if err == nil || r.store == nil {
		return j, err
	}
	stored, serr := r.store.GetJob(ctx, id)
	if serr != nil {
		if errors.Is(serr, model.ErrNotFound) {
			return model.Job{}, err
		}
		logging.L().Warn(ctx, "store lookup failed", "job", id, "err", serr)
		return model.Job{}, fmt.Errorf("%w (store lookup: %v)", err, serr)
	}
	return *stored, nil
}

// Query 在实时表与历史快照的并集上查询，同一 ID 以实时表为准；按创建时间升序。
func (r *Registry) Query(f model.JobFilter, p model.Page) model.PageResult[model.Job] {
	r.mu.RLock()
	out := make([]model.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if f.Match(j) {
			out = append(out, j.Clone())
		}
	}
	for id, h := range r.history {
		if _, live := r.jobs[id]; live {
			continue
		}
		if f.Match(&h.Job) {
			out = append(out, h.Job.Clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return model.Paginate(out, p)
}

// History 查询历史快照，按归档时间升序。
func (r *Registry) History(f model.JobFilter, p model.Page) model.PageResult[model.HistoryEntry] {
	r.mu.RLock()
	out := make([]model.HistoryEntry, 0, len(r.history))
	for _, h := range r.history {
		if f.Match(&h.Job) {
			out = append(out, h)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].ArchivedAt.Equal(out[k].ArchivedAt) {
			return out[i].Job.ID < out[k].Job.ID
		}
		return out[i].ArchivedAt.Before(out[k].ArchivedAt)
	})
	return model.Paginate(out, p)
}

// HistoryOf 读取单个任务的历史快照。
func (r *Registry) HistoryOf(id string) (model.HistoryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.history[id]
	return h, ok
}

// Counts 按状态统计（实时表与历史并集）。
func (r *Registry) Counts() map[model.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.Status]int, len(model.AllStatuses))
	for _, s := range model.AllStatuses {
		out[s] = 0
	}
	for _, j := range r.jobs {
		out[j.Status]++
	}
	for id, h := range r.history {
		if _, live := r.jobs[id]; !live {
			out[h.Job.Status]++
		}
	}
	return out
}

// Prune 把终态时间早于 now-olderThan 的任务移出实时表，历史快照保留；返回移除数量。
func (r *Registry) Prune(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-olderThan)
	n := 0
	for id, j := range r.jobs {
		at := j.TerminalAt()
		if at == nil || !at.Before(cutoff) {
			continue
		}
		delete(r.jobs, id)
		r.mirror.deleteJob(id)
		n++
	}
	return n
}

// stampTerminal 写入与终态对应的时间戳并清理其它终态时间戳，保证三者互斥。
func stampTerminal(j *model.Job, now time.Time) {
	t := now
	j.CompletedAt, j.FailedAt, j.CancelledAt = nil, nil, nil
	switch j.Status {
	case model.StatusCompleted:
		j.CompletedAt = &t
		j.Progress = 100
	case model.StatusFailed:
		j.FailedAt = &t
	case model.StatusCancelled:
		j.CancelledAt = &t
	}
}
