// Package queue 实现有界并发的任务派发器：优先级等待队列、单次执行超时、失败重试与协作式取消。
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/mengeric/jobcore/logging"
	"github.com/mengeric/jobcore/model"
	"github.com/mengeric/jobcore/registry"
	"github.com/mengeric/jobcore/scheduler"
	"github.com/mengeric/jobcore/tracker"
)

// closeReason 派发器关闭时写入被取消任务的原因。
const closeReason = "dispatcher closed"

// Body 调用方提供的任务体。ctx 是显式的取消令牌：取消任务或执行超时都会使其 Done。
// 任务体需自行观察 ctx 才能及时退出；派发器不会强行中断。
type Body func(ctx context.Context, in model.Payload) (map[string]any, error)

// Request 提交请求。
type Request struct {
	ID         string // 可选，留空自动生成
	Type       string
	Priority   model.Priority
	Params     map[string]any
	MaxRetries *int // 为空时使用 Config.MaxRetries
	Body       Body
}

// Config 派发器参数。
type Config struct {
	Concurrency int           // 并发上限 C
	Timeout     time.Duration // 单次执行超时 T
	MaxRetries  int           // 默认最大重试次数 R
	RetryDelay  time.Duration // 重试间隔 D
	Tick        time.Duration // 派发轮询周期
	NodeID      string        // 节点标识，留空取主机名
}

func (c *Config) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.NodeID == "" {
		c.NodeID, _ = os.Hostname()
	}
	if c.NodeID == "" {
		c.NodeID = "local"
	}
}

// ExecutionRecorder 接收任务最终结果（completed/failed）与最后一次执行的耗时。
type ExecutionRecorder interface {
	RecordOutcome(j model.Job, elapsed time.Duration)
}

// Stats 派发器统计。
type Stats struct {
	Queued      int           `json:"queued"`
	Processing  int           `json:"processing"`
	Retrying    int           `json:"retrying"`
	Completed   int           `json:"completed"`
	Failed      int           `json:"failed"`
	Cancelled   int           `json:"cancelled"`
	Concurrency int           `json:"concurrency"`
	MaxRetries  int           `json:"maxRetries"`
	Timeout     time.Duration `json:"timeout"`
}

// Queue 派发器。
type Queue struct {
	cfg      Config
	reg      *registry.Registry
	trk      *tracker.Manager
	loop     *scheduler.Loop
	recorder ExecutionRecorder
	sampler  func() *model.ResourceUsage

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	waiting waitlist
	bodies  map[string]Body
	retries map[string]*time.Timer
	workers []string // 空闲的 worker 槽位标识
	closed  bool
}

// New 创建派发器，reg 为状态登记表。
func New(cfg Config, reg *registry.Registry) *Queue {
	cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:        cfg,
		reg:        reg,
		trk:        tracker.NewManager(),
		baseCtx:    ctx,
		cancelBase: cancel,
		bodies:     map[string]Body{},
		retries:    map[string]*time.Timer{},
	}
	for i := cfg.Concurrency - 1; i >= 0; i-- {
		q.workers = append(q.workers, fmt.Sprintf("%s-w%d", cfg.NodeID, i))
	}
	q.loop = scheduler.NewLoop("dispatch", cfg.Tick, func(context.Context) { q.Tick() })
	return q
}

// SetRecorder 设置执行结果接收方（通常是指标采集器）。
func (q *Queue) SetRecorder(r ExecutionRecorder) { q.recorder = r }

// SetResourceSampler 设置完成时附加到任务上的资源快照来源。
func (q *Queue) SetResourceSampler(fn func() *model.ResourceUsage) { q.sampler = fn }

// Config 返回生效的配置。
func (q *Queue) Config() Config { return q.cfg }

// Start 启动派发循环：固定周期轮询，另在提交/完成时提前唤醒。
func (q *Queue) Start(ctx context.Context) { q.loop.Start(ctx) }

// Submit 创建任务并放入等待队列，返回任务 ID。
// 任务体后续的失败只体现在状态与历史中，不会使 Submit 返回错误。
func (q *Queue) Submit(ctx context.Context, req Request) (string, error) {
	if req.Body == nil {
		return "", fmt.Errorf("%w: job body is nil", model.ErrValidation)
	}
	maxRetries := q.cfg.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	job, err := q.reg.Create(registry.Spec{
		ID: req.ID, Type: req.Type, Priority: req.Priority, Params: req.Params,
		MaxRetries: maxRetries, NodeID: q.cfg.NodeID,
	})
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		_, _ = q.reg.Cancel(job.ID, closeReason)
		return job.ID, nil
	}
	if _, err := q.reg.Transition(job.ID, model.StatusQueued, nil); err != nil {
		q.mu.Unlock()
		logging.L().Warn(ctx, "job changed before enqueue", "job", job.ID, "err", err)
		return job.ID, nil
	}
	q.bodies[job.ID] = req.Body
	q.waiting.push(job.ID, job.Priority)
	q.mu.Unlock()

	logging.L().Debug(ctx, "job submitted", "job", job.ID, "type", job.Type, "priority", job.Priority.String())
	q.loop.Wake()
	return job.ID, nil
}

// Tick 在有空闲槽位时按顺序派发等待任务，返回本次派发数量。
// 可由测试直接调用以驱动调度，无需等待真实定时器。
func (q *Queue) Tick() int {
	n := 0
	for {
		q.mu.Lock()
		if q.closed || q.waiting.len() == 0 || q.trk.Len() >= q.cfg.Concurrency || len(q.workers) == 0 {
			q.mu.Unlock()
			return n
		}
		e, _ := q.waiting.pop()
		if _, busy := q.trk.Get(e.id); busy {
			// 上一次尝试尚未注销，放回等待队列下一轮再派
			q.waiting.push(e.id, e.priority)
			q.mu.Unlock()
			return n
		}
		worker := q.workers[len(q.workers)-1]
		now := time.Now()
		job, err := q.reg.Transition(e.id, model.StatusProcessing, func(j *model.Job) {
			if j.StartedAt == nil {
				j.StartedAt = &now
			}
			j.WorkerID = worker
			j.NodeID = q.cfg.NodeID
		})
		if err != nil {
			delete(q.bodies, e.id)
			q.mu.Unlock()
			logging.L().Warn(q.baseCtx, "skip job on dispatch", "job", e.id, "err", err)
			continue
		}
		a, _ := q.trk.Start(q.baseCtx, job.ID, worker, job.RetryCount)
		q.workers = q.workers[:len(q.workers)-1]
		body := q.bodies[job.ID]
		q.mu.Unlock()

		go q.execute(a, job, body)
		n++
	}
}

type result struct {
	out   map[string]any
	err   error
	stack string
}

// execute 让任务体与超时计时器赛跑；panic 与超时都归类为任务失败，不会逃逸出派发器。
func (q *Queue) execute(a *tracker.Attempt, job model.Job, body Body) {
	start := time.Now()
	resCh := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- result{err: fmt.Errorf("%w: panic: %v", model.ErrTaskFailure, r), stack: string(debug.Stack())}
			}
		}()
		out, err := body(a.Ctx, job.InputParams)
		resCh <- result{out: out, err: err}
	}()

	timer := time.NewTimer(q.cfg.Timeout)
	defer timer.Stop()
	var res result
	timedOut := false
	select {
	case res = <-resCh:
	case <-timer.C:
		timedOut = true
		a.Cancel()
		res.err = fmt.Errorf("%w after %s", model.ErrTimeout, q.cfg.Timeout)
	}
	q.finish(a, job, res, timedOut, time.Since(start))
}

// finish 先落状态再释放槽位，保证任意时刻处于 processing 的任务数不超过 C；重试计时在槽位释放之后才开始。
func (q *Queue) finish(a *tracker.Attempt, job model.Job, res result, timedOut bool, elapsed time.Duration) {
	retry := false
	defer func() {
		q.release(a)
		if retry {
			q.scheduleRetry(job.ID)
		}
	}()
	ctx := q.baseCtx

	if res.err == nil {
		var usage *model.ResourceUsage
		if q.sampler != nil {
			usage = q.sampler()
		}
		done, err := q.reg.Transition(job.ID, model.StatusCompleted, func(j *model.Job) {
			j.OutputData = res.out
			j.ErrorMessage, j.ErrorStack, j.TimedOut = "", "", false
			j.ResourceUsage = usage
		})
		if err != nil {
			q.forget(job.ID)
			logging.L().Info(ctx, "discard result of cancelled job", "job", job.ID, "err", err)
			return
		}
		q.forget(job.ID)
		q.record(done, elapsed)
		logging.L().Info(ctx, "job completed", "job", job.ID, "elapsed", elapsed)
		return
	}

	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		// 关闭时被打断的尝试不再重试
		if _, err := q.reg.Cancel(job.ID, closeReason); err != nil {
			logging.L().Info(ctx, "discard failure of cancelled job", "job", job.ID, "err", err)
		}
		q.forget(job.ID)
		return
	}

	if !errors.Is(res.err, model.ErrTaskFailure) {
		res.err = fmt.Errorf("%w: %v", model.ErrTaskFailure, res.err)
	}
	stack := res.stack
	if stack == "" {
		stack = fmt.Sprintf("%+v", res.err)
	}
	next, err := q.reg.Update(job.ID, func(j *model.Job) error {
		if j.RetryCount < j.MaxRetries {
			j.Status = model.StatusRetrying
			j.RetryCount++
		} else {
			j.Status = model.StatusFailed
		}
		j.ErrorMessage = res.err.Error()
		j.ErrorStack = stack
		j.TimedOut = timedOut
		return nil
	})
	if err != nil {
		q.forget(job.ID)
		logging.L().Info(ctx, "discard failure of cancelled job", "job", job.ID, "err", err)
		return
	}
	if next.Status == model.StatusRetrying {
		logging.L().Warn(ctx, "job attempt failed, will retry", "job", job.ID, "retry", next.RetryCount, "max", next.MaxRetries, "err", res.err)
		retry = true
		return
	}
	q.forget(job.ID)
	q.record(next, elapsed)
	logging.L().Error(ctx, "job failed", "job", job.ID, "retries", next.RetryCount, "timedOut", timedOut, "err", res.err)
}

func (q *Queue) record(j model.Job, elapsed time.Duration) {
	if q.recorder != nil {
		q.recorder.RecordOutcome(j, elapsed)
	}
}

// release 注销尝试并归还 worker 槽位，随后唤醒派发循环。
func (q *Queue) release(a *tracker.Attempt) {
	q.mu.Lock()
	if q.trk.Finish(a) {
		q.workers = append(q.workers, a.WorkerID)
	}
	q.mu.Unlock()
	q.loop.Wake()
}

// scheduleRetry 在 RetryDelay 之后把任务重新排到其优先级段的队尾。
func (q *Queue) scheduleRetry(id string) {
	q.mu.Lock()
	if q.closed {
		failed, ok := q.abandonRetryLocked(id)
		q.mu.Unlock()
		if ok {
			q.record(failed, 0)
		}
		return
	}
	q.retries[id] = time.AfterFunc(q.cfg.RetryDelay, func() { q.requeue(id) })
	q.mu.Unlock()
}

// abandonRetryLocked 派发器关闭后，等待重试的任务直接判为失败，保留最后一次的错误信息。
func (q *Queue) abandonRetryLocked(id string) (model.Job, bool) {
	delete(q.bodies, id)
	j, err := q.reg.Transition(id, model.StatusFailed, func(j *model.Job) {
		j.ErrorMessage = strings.TrimPrefix(j.ErrorMessage+"; "+closeReason+" before retry", "; ")
	})
	if err != nil {
		return model.Job{}, false
	}
	logging.L().Warn(q.baseCtx, "pending retry abandoned on close", "job", id, "retries", j.RetryCount)
	return j, true
}

func (q *Queue) requeue(id string) {
	q.mu.Lock()
	if _, ok := q.retries[id]; !ok || q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.retries, id)
	job, err := q.reg.Transition(id, model.StatusQueued, nil)
	if err != nil {
		delete(q.bodies, id)
		q.mu.Unlock()
		return
	}
	q.waiting.push(id, job.Priority)
	q.mu.Unlock()
	q.loop.Wake()
}

func (q *Queue) forget(id string) {
	q.mu.Lock()
	delete(q.bodies, id)
	q.mu.Unlock()
}

// Cancel 取消任务：等待中的直接移出队列；重试等待中的放弃重试；
// 执行中的标记为 cancelled 并触发取消令牌，但任务体会继续运行直到返回，槽位在此之前不释放。
func (q *Queue) Cancel(id, reason string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, err := q.reg.Cancel(id, reason)
	if err != nil {
		return false, err
	}
	q.waiting.remove(id)
	if t, ok := q.retries[id]; ok {
		t.Stop()
		delete(q.retries, id)
	}
	delete(q.bodies, id)
	if q.trk.Cancel(id) {
		logging.L().Info(q.baseCtx, "cancel signalled to running job", "job", id, "worker", job.WorkerID)
	}
	return true, nil
}

// GetStatus 读取任务当前状态。
func (q *Queue) GetStatus(id string) (model.Job, error) { return q.reg.Get(id) }

// Stats 返回队列统计。
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	queued, retrying := q.waiting.len(), len(q.retries)
	q.mu.Unlock()
	counts := q.reg.Counts()
	return Stats{
		Queued:      queued,
		Processing:  q.trk.Len(),
		Retrying:    retrying,
		Completed:   counts[model.StatusCompleted],
		Failed:      counts[model.StatusFailed],
		Cancelled:   counts[model.StatusCancelled],
		Concurrency: q.cfg.Concurrency,
		MaxRetries:  q.cfg.MaxRetries,
		Timeout:     q.cfg.Timeout,
	}
}

// Waiting 等待队列中任务 ID 的当前顺序。
func (q *Queue) Waiting() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting.ids()
}

// Running 当前占用槽位的任务 ID。
func (q *Queue) Running() []string { return q.trk.ListIDs() }

// Close 停止派发与重试计时，向运行中的任务发出取消信号，并在 ctx 结束前等待其退出。
// 等待中的任务被取消，等待重试的任务判为失败，两者都会归档；被打断的执行中任务在任务体返回后记为取消。
func (q *Queue) Close(ctx context.Context) error {
	var abandoned []model.Job
	q.mu.Lock()
	q.closed = true
	for id, t := range q.retries {
		t.Stop()
		delete(q.retries, id)
		if j, ok := q.abandonRetryLocked(id); ok {
			abandoned = append(abandoned, j)
		}
	}
	for q.waiting.len() > 0 {
		e, _ := q.waiting.pop()
		delete(q.bodies, e.id)
		if _, err := q.reg.Cancel(e.id, closeReason); err != nil {
			logging.L().Warn(ctx, "cancel waiting job on close", "job", e.id, "err", err)
		}
	}
	q.mu.Unlock()
	for _, j := range abandoned {
		q.record(j, 0)
	}
	q.loop.Stop()
	q.cancelBase()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for q.trk.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
