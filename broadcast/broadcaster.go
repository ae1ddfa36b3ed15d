// Package broadcast 维护观察者与任务的订阅关系，并把任务状态、告警与系统指标事件扇出给观察者。
//
// 投递语义：同一观察者内按入队顺序投递，不同观察者之间无顺序保证；
// 至多一次、尽力而为，邮箱满时丢弃并告警，断线后不重放。
package broadcast

import (
	"context"
	"sort"
	"sync"

	"github.com/mengeric/jobcore/logging"
	"github.com/mengeric/jobcore/model"
)

// Sender 传输层需要提供的唯一能力：向指定观察者发送一条事件。
type Sender interface {
	Send(ctx context.Context, observerID string, ev model.Event) error
}

// SenderFunc 函数适配器。
type SenderFunc func(ctx context.Context, observerID string, ev model.Event) error

func (f SenderFunc) Send(ctx context.Context, observerID string, ev model.Event) error {
	return f(ctx, observerID, ev)
}

// mailbox 单个观察者的投递队列，由独立协程串行发送。
type mailbox struct {
	id   string
	ch   chan model.Event
	jobs map[string]struct{}
}

// Broadcaster 订阅表 + 扇出器。
type Broadcaster struct {
	sender  Sender
	bufSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	observers map[string]*mailbox
	byJob     map[string]map[string]struct{} // jobID -> observerIDs
	closed    bool
}

// New 创建广播器；bufSize 为每个观察者的邮箱容量（<=0 时取 64）。
func New(sender Sender, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		sender:    sender,
		bufSize:   bufSize,
		ctx:       ctx,
		cancel:    cancel,
		observers: map[string]*mailbox{},
		byJob:     map[string]map[string]struct{}{},
	}
}

// Connect 登记观察者；重复调用无副作用。
func (b *Broadcaster) Connect(observerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectLocked(observerID)
}

func (b *Broadcaster) connectLocked(observerID string) *mailbox {
	if mb, ok := b.observers[observerID]; ok || b.closed {
		return mb
	}
	mb := &mailbox{id: observerID, ch: make(chan model.Event, b.bufSize), jobs: map[string]struct{}{}}
	b.observers[observerID] = mb
	b.wg.Add(1)
	go b.deliver(mb)
	return mb
}

// deliver 串行发送邮箱中的事件，保证单个观察者内有序。
func (b *Broadcaster) deliver(mb *mailbox) {
	defer b.wg.Done()
	for ev := range mb.ch {
		if err := b.sender.Send(b.ctx, mb.id, ev); err != nil {
			logging.L().Warn(b.ctx, "send event failed", "observer", mb.id, "type", ev.Type, "err", err)
		}
	}
}

// Subscribe 订阅某任务的状态事件；观察者未连接时自动登记。
func (b *Broadcaster) Subscribe(observerID, jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb := b.connectLocked(observerID)
	if mb == nil {
		return
	}
	mb.jobs[jobID] = struct{}{}
	set, ok := b.byJob[jobID]
	if !ok {
		set = map[string]struct{}{}
		b.byJob[jobID] = set
	}
	set[observerID] = struct{}{}
}

// Unsubscribe 取消订阅；返回是否存在该订阅。
func (b *Broadcaster) Unsubscribe(observerID, jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.observers[observerID]
	if !ok {
		return false
	}
	if _, ok := mb.jobs[jobID]; !ok {
		return false
	}
	delete(mb.jobs, jobID)
	b.dropIndexLocked(observerID, jobID)
	return true
}

// Disconnect 移除观察者及其全部订阅，未投递的事件随之丢弃。
func (b *Broadcaster) Disconnect(observerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.observers[observerID]
	if !ok {
		return
	}
	for jobID := range mb.jobs {
		b.dropIndexLocked(observerID, jobID)
	}
	delete(b.observers, observerID)
	close(mb.ch)
}

func (b *Broadcaster) dropIndexLocked(observerID, jobID string) {
	if set, ok := b.byJob[jobID]; ok {
		delete(set, observerID)
		if len(set) == 0 {
			delete(b.byJob, jobID)
		}
	}
}

// BroadcastJobUpdate 把任务事件投递给订阅了该任务的观察者，返回成功入队的观察者数。
func (b *Broadcaster) BroadcastJobUpdate(jobID string, ev model.Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for id := range b.byJob[jobID] {
		if b.enqueueLocked(b.observers[id], ev) {
			n++
		}
	}
	return n
}

// BroadcastSystemMetrics 无条件投递给所有观察者。
func (b *Broadcaster) BroadcastSystemMetrics(metrics map[string]any) int {
	return b.broadcastAll(model.Event{Type: model.EventSystemMetrics, Metrics: metrics})
}

// BroadcastAlert 将告警投递给所有观察者，负载形如 {type:"ALERT", alert:{...}}。
func (b *Broadcaster) BroadcastAlert(a model.Alert) int {
	return b.broadcastAll(model.Event{Type: model.EventAlert, Alert: &a})
}

func (b *Broadcaster) broadcastAll(ev model.Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, mb := range b.observers {
		if b.enqueueLocked(mb, ev) {
			n++
		}
	}
	return n
}

// enqueueLocked 调用方需持有读锁，保证邮箱不会在发送时被关闭。
func (b *Broadcaster) enqueueLocked(mb *mailbox, ev model.Event) bool {
	if mb == nil {
		return false
	}
	select {
	case mb.ch <- ev:
		return true
	default:
		logging.L().Warn(b.ctx, "observer mailbox full, drop event", "observer", mb.id, "type", ev.Type, "job", ev.JobID)
		return false
	}
}

// Observers 当前已连接观察者 ID（排序后返回）。
func (b *Broadcaster) Observers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.observers))
	for id := range b.observers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Subscriptions 观察者订阅的任务 ID（排序后返回）。
func (b *Broadcaster) Subscriptions(observerID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mb, ok := b.observers[observerID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(mb.jobs))
	for id := range mb.jobs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close 断开全部观察者并等待投递协程退出。
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, mb := range b.observers {
		close(mb.ch)
		delete(b.observers, id)
	}
	b.byJob = map[string]map[string]struct{}{}
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}
