// Package progress 记录任务体上报的进度，并在第一次有效进度时估算完成时间。
package progress

import (
	"fmt"
	"math"
	"time"

	"github.com/mengeric/jobcore/model"
	"github.com/mengeric/jobcore/registry"
)

// Tracker 进度上报入口，所有写入都经过登记表，因此同样受状态机约束。
type Tracker struct {
	reg *registry.Registry
	now func() time.Time
}

// Option 可选项。
type Option func(t *Tracker)

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// New 构造。
func New(reg *registry.Registry, opts ...Option) *Tracker {
	t := &Tracker{reg: reg, now: time.Now}
	for _, fn := range opts {
		fn(t)
	}
	return t
}

// Update 写入进度百分比与阶段描述。
// 预计完成时间只在第一次 0<percent<100 的上报时计算一次，之后不再修正；
// percent=100 只记录数值，不改变状态。
func (t *Tracker) Update(jobID string, percent float64, stage string) (model.Job, error) {
	if math.IsNaN(percent) || percent < 0 || percent > 100 {
		return model.Job{}, fmt.Errorf("%w: progress %v out of range [0,100]", model.ErrValidation, percent)
	}
	now := t.now()
	return t.reg.Update(jobID, func(j *model.Job) error {
		j.Progress = percent
		if stage != "" {
			j.Stage = stage
		}
		estimate(j, percent, now)
		return nil
	})
}

// UpdateRecords 写入已处理/总记录数，计算吞吐（条/秒，自开始执行起算），total>0 时同时推导百分比。
func (t *Tracker) UpdateRecords(jobID string, processed, total int64) (model.Job, error) {
	if processed < 0 || total < 0 || (total > 0 && processed > total) {
		return model.Job{}, fmt.Errorf("%w: records %d/%d", model.ErrValidation, processed, total)
	}
	now := t.now()
	return t.reg.Update(jobID, func(j *model.Job) error {
		j.RecordsProcessed = processed
		j.TotalRecords = total
		if elapsed := now.Sub(startOf(j)).Seconds(); elapsed > 0 {
			j.Throughput = float64(processed) / elapsed
		}
		if total > 0 {
			p := float64(processed) * 100 / float64(total)
			j.Progress = p
			estimate(j, p, now)
		}
		return nil
	})
}

func startOf(j *model.Job) time.Time {
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return j.CreatedAt
}

// estimate 按已耗时线性外推：total = elapsed / (p/100)，ETA = now + (total - elapsed)。
func estimate(j *model.Job, percent float64, now time.Time) {
	if j.EstimatedCompletionTime != nil || percent <= 0 || percent >= 100 {
		return
	}
	elapsed := now.Sub(startOf(j))
	if elapsed < 0 {
		elapsed = 0
	}
	total := time.Duration(float64(elapsed) / (percent / 100))
	eta := now.Add(total - elapsed)
	j.EstimatedCompletionTime = &eta
}
