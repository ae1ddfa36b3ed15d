// Package metrics 采集资源使用与任务执行统计，并周期性推送给所有观察者。
package metrics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mengeric/jobcore/logging"
	"github.com/mengeric/jobcore/model"
	"github.com/mengeric/jobcore/registry"
	"github.com/mengeric/jobcore/scheduler"
)

// Publisher 系统指标推送目标。
type Publisher interface {
	BroadcastSystemMetrics(metrics map[string]any) int
}

// JobMetrics 任务执行统计。
type JobMetrics struct {
	StatusCounts      map[model.Status]int `json:"statusCounts"`
	Completed         int64                `json:"completed"`
	Failed            int64                `json:"failed"`
	FailureRate       float64              `json:"failureRate"`       // 自启动以来 failed/(completed+failed)
	AvgCompletionTime time.Duration        `json:"avgCompletionTime"` // 最近 N 个样本的滚动平均
	AvgThroughput     float64              `json:"avgThroughput"`
	Samples           int                  `json:"samples"`
}

// Collector 指标采集器。
type Collector struct {
	reg       *registry.Registry
	publisher Publisher
	probe     func(ctx context.Context) model.ResourceUsage

	execTimes  *Ring // 秒
	throughput *Ring

	mu        sync.RWMutex
	completed int64
	failed    int64
	latest    model.ResourceUsage

	loop *scheduler.Loop
}

// Option 可选项。
type Option func(c *Collector)

// WithPublisher 设置快照推送目标。
func WithPublisher(p Publisher) Option { return func(c *Collector) { c.publisher = p } }

// WithProbe 替换资源采样函数，测试中用于避免依赖真实主机。
func WithProbe(fn func(ctx context.Context) model.ResourceUsage) Option {
	return func(c *Collector) { c.probe = fn }
}

// New 构造；sampleSize 为环形缓冲容量，interval 为快照周期。
func New(reg *registry.Registry, sampleSize int, interval time.Duration, opts ...Option) *Collector {
	c := &Collector{
		reg:        reg,
		probe:      CollectResourceUsage,
		execTimes:  NewRing(sampleSize),
		throughput: NewRing(sampleSize),
	}
	for _, fn := range opts {
		fn(c)
	}
	c.loop = scheduler.NewLoop("metrics", interval, func(ctx context.Context) { c.Snapshot(ctx) })
	return c
}

// Start 启动周期快照。
func (c *Collector) Start(ctx context.Context) { c.loop.Start(ctx) }

// Stop 停止周期快照。
func (c *Collector) Stop() { c.loop.Stop() }

// RecordOutcome 记录任务最终结果；只有 completed 计入耗时与吞吐样本。
func (c *Collector) RecordOutcome(j model.Job, elapsed time.Duration) {
	c.mu.Lock()
	switch j.Status {
	case model.StatusCompleted:
		c.completed++
	case model.StatusFailed:
		c.failed++
	}
	c.mu.Unlock()
	if j.Status != model.StatusCompleted {
		return
	}
	c.execTimes.Add(elapsed.Seconds())
	tp := j.Throughput
	if tp == 0 && j.RecordsProcessed > 0 && elapsed > 0 {
		tp = float64(j.RecordsProcessed) / elapsed.Seconds()
	}
	c.throughput.Add(tp)
}

// Snapshot 采样一次资源并推送系统指标，返回采样结果。
func (c *Collector) Snapshot(ctx context.Context) model.ResourceUsage {
	u := c.probe(ctx)
	c.mu.Lock()
	c.latest = u
	c.mu.Unlock()

	if c.publisher != nil {
		jm := c.JobMetrics()
		n := c.publisher.BroadcastSystemMetrics(map[string]any{
			"cpuPercent":        u.CPUPercent,
			"memoryPercent":     u.MemoryPercent,
			"diskPercent":       u.DiskPercent,
			"cpuLoad":           u.CPULoad,
			"score":             u.Score,
			"failureRate":       jm.FailureRate,
			"avgCompletionTime": jm.AvgCompletionTime.Seconds(),
			"statusCounts":      jm.StatusCounts,
			"sampledAt":         u.SampledAt,
		})
		logging.L().Debug(ctx, "system metrics published", "observers", n, "score", u.Score)
	}
	return u
}

// ResourceUsage 最近一次快照；从未采样时即时采样一次。
func (c *Collector) ResourceUsage(ctx context.Context) model.ResourceUsage {
	c.mu.RLock()
	u := c.latest
	c.mu.RUnlock()
	if u.SampledAt.IsZero() {
		u = c.probe(ctx)
		c.mu.Lock()
		c.latest = u
		c.mu.Unlock()
	}
	return u
}

// JobMetrics 汇总任务统计。
func (c *Collector) JobMetrics() JobMetrics {
	c.mu.RLock()
	completed, failed := c.completed, c.failed
	c.mu.RUnlock()
	m := JobMetrics{
		StatusCounts:      c.reg.Counts(),
		Completed:         completed,
		Failed:            failed,
		AvgCompletionTime: time.Duration(c.execTimes.Mean() * float64(time.Second)),
		AvgThroughput:     c.throughput.Mean(),
		Samples:           c.execTimes.Len(),
	}
	if total := completed + failed; total > 0 {
		m.FailureRate = float64(failed) / float64(total)
	}
	return m
}

// ExecutionTimePercentile 最近 N 个执行耗时样本的 p 分位。
func (c *Collector) ExecutionTimePercentile(p float64) (time.Duration, error) {
	if math.IsNaN(p) || p <= 0 || p > 100 {
		return 0, fmt.Errorf("%w: percentile %v out of range (0,100]", model.ErrValidation, p)
	}
	return time.Duration(c.execTimes.Percentile(p) * float64(time.Second)), nil
}

// ThroughputPercentile 最近 N 个吞吐样本的 p 分位。
func (c *Collector) ThroughputPercentile(p float64) (float64, error) {
	if math.IsNaN(p) || p <= 0 || p > 100 {
		return 0, fmt.Errorf("%w: percentile %v out of range (0,100]", model.ErrValidation, p)
	}
	return c.throughput.Percentile(p), nil
}
