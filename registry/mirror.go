package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mengeric/jobcore/logging"
	"github.com/mengeric/jobcore/model"
	"github.com/mengeric/jobcore/storage"
)

type opKind int

const (
	opUpsertJob opKind = iota + 1
	opDeleteJob
	opInsertHistory
	opUpsertAlert
)

// op 一次待写入存储的镜像操作，携带数据快照。
type op struct {
	kind  opKind
	id    string
	job   *model.Job
	hist  *model.HistoryEntry
	alert *model.Alert
}

// Mirror 把内存状态异步镜像到 storage.Store。
// 写入失败按有限次数重试，仍失败则记录 ErrTransient 日志并放弃；内存状态不回滚。
type Mirror struct {
	store   storage.Store
	ch      chan op
	flush   chan chan struct{}
	retries int
	backoff time.Duration

	started atomic.Bool
	exited  chan struct{}
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewMirror 创建镜像器；bufSize 为待写队列容量（<=0 时取 1024）。
func NewMirror(store storage.Store, bufSize int) *Mirror {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &Mirror{
		store:   store,
		ch:      make(chan op, bufSize),
		flush:   make(chan chan struct{}),
		exited:  make(chan struct{}),
		retries: 3,
		backoff: 50 * time.Millisecond,
	}
}

// WithRetry 调整重试次数与退避基数。
func (m *Mirror) WithRetry(retries int, backoff time.Duration) *Mirror {
	if retries >= 0 {
		m.retries = retries
	}
	if backoff >= 0 {
		m.backoff = backoff
	}
	return m
}

// Start 启动后台写入协程，仅首次调用生效；ctx 结束时写完剩余操作后退出。
func (m *Mirror) Start(ctx context.Context) {
	if m.started.Swap(true) {
		return
	}
	go func() {
		defer close(m.exited)
		for {
			select {
			case <-ctx.Done():
				m.drainPending(context.Background())
				return
			case it := <-m.ch:
				_ = m.apply(ctx, it)
			case done := <-m.flush:
				m.drainPending(ctx)
				close(done)
			}
		}
	}()
}

// Drain 同步写出当前队列中的全部操作（关闭前或测试中使用）。
func (m *Mirror) Drain(ctx context.Context) {
	if m.started.Load() {
		done := make(chan struct{})
		select {
		case m.flush <- done:
			select {
			case <-done:
			case <-ctx.Done():
			}
			return
		case <-m.exited:
		case <-ctx.Done():
			return
		}
	}
	m.drainPending(ctx)
}

// Failed 写入最终失败的次数。
func (m *Mirror) Failed() int64 { return m.failed.Load() }

// Dropped 因队列已满被丢弃的次数。
func (m *Mirror) Dropped() int64 { return m.dropped.Load() }

func (m *Mirror) saveJob(j model.Job) { m.enqueue(op{kind: opUpsertJob, id: j.ID, job: &j}) }

func (m *Mirror) deleteJob(id string) { m.enqueue(op{kind: opDeleteJob, id: id}) }

func (m *Mirror) saveHistory(h model.HistoryEntry) {
	m.enqueue(op{kind: opInsertHistory, id: h.Job.ID, hist: &h})
}

// SaveAlert 镜像告警记录（供告警巡检器使用）。
func (m *Mirror) SaveAlert(a model.Alert) { m.enqueue(op{kind: opUpsertAlert, id: a.ID, alert: &a}) }

// enqueue 非阻塞推入；满了丢弃并告警，不拖慢调度。
func (m *Mirror) enqueue(it op) {
	if m == nil {
		return
	}
	select {
	case m.ch <- it:
	default:
		m.dropped.Add(1)
		logging.L().Warn(context.Background(), "mirror queue full, drop write", "id", it.id, "kind", int(it.kind))
	}
}

func (m *Mirror) drainPending(ctx context.Context) {
	for {
		select {
		case it := <-m.ch:
			_ = m.apply(ctx, it)
		default:
			return
		}
	}
}

// apply 执行一次写入，失败时线性退避重试。
func (m *Mirror) apply(ctx context.Context, it op) error {
	var err error
	for attempt := 0; attempt <= m.retries; attempt++ {
		if err = m.write(ctx, it); err == nil {
			return nil
		}
		if attempt == m.retries {
			break
		}
		select {
		case <-ctx.Done():
			attempt = m.retries
		case <-time.After(m.backoff * time.Duration(attempt+1)):
		}
	}
	m.failed.Add(1)
	err = fmt.Errorf("%w: %v", model.ErrTransient, err)
	logging.L().Error(ctx, "mirror write failed", "id", it.id, "kind", int(it.kind), "err", err)
	return err
}

func (m *Mirror) write(ctx context.Context, it op) error {
	switch it.kind {
	case opUpsertJob:
		return m.store.UpsertJob(ctx, it.job)
	case opDeleteJob:
		return m.store.DeleteJob(ctx, it.id)
	case opInsertHistory:
		return m.store.InsertHistory(ctx, it.hist)
	case opUpsertAlert:
		return m.store.UpsertAlert(ctx, it.alert)
	}
	return nil
}
