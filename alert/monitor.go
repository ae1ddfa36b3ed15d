// Package alert 周期巡检失败任务、长时间无进展的任务与主机资源，生成告警并推送给观察者。
package alert

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mengeric/jobcore/logging"
	"github.com/mengeric/jobcore/model"
	"github.com/mengeric/jobcore/registry"
	"github.com/mengeric/jobcore/scheduler"
)

// Thresholds 资源告警阈值（百分比）。
type Thresholds struct {
	CPUWarning     float64
	CPUCritical    float64
	MemoryWarning  float64
	MemoryCritical float64
	DiskWarning    float64
	DiskCritical   float64
}

// Config 巡检参数。
type Config struct {
	FailedEvery    time.Duration // 失败任务巡检周期
	StuckEvery     time.Duration // 卡住任务巡检周期
	SystemEvery    time.Duration // 资源巡检周期
	StuckThreshold time.Duration // processing 状态下无更新超过该时长视为卡住
	Thresholds
}

// Probe 资源采样函数。
type Probe func(ctx context.Context) (model.ResourceUsage, error)

// Notifier 告警推送目标。
type Notifier interface {
	BroadcastAlert(a model.Alert) int
}

// Option 可选项。
type Option func(m *Monitor)

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// WithProbe 注入资源采样。
func WithProbe(p Probe) Option { return func(m *Monitor) { m.probe = p } }

// WithNotifier 注入推送目标。
func WithNotifier(n Notifier) Option { return func(m *Monitor) { m.notify = n } }

// Monitor 告警巡检器。
// 告警不做去重：同一个卡住的任务在每次巡检中都会产生一条新告警。
type Monitor struct {
	cfg    Config
	reg    *registry.Registry
	probe  Probe
	notify Notifier
	now    func() time.Time

	mu        sync.RWMutex
	alerts    map[string]*model.Alert
	watermark time.Time // 已处理过的最大 failedAt

	loops []*scheduler.Loop
}

// New 构造巡检器。
func New(cfg Config, reg *registry.Registry, opts ...Option) *Monitor {
	m := &Monitor{cfg: cfg, reg: reg, now: time.Now, alerts: map[string]*model.Alert{}}
	for _, fn := range opts {
		fn(m)
	}
	m.loops = []*scheduler.Loop{
		scheduler.NewLoop("alert-failed", cfg.FailedEvery, func(context.Context) { m.SweepFailed() }),
		scheduler.NewLoop("alert-stuck", cfg.StuckEvery, func(context.Context) { m.SweepStuck() }),
	}
	if m.probe != nil {
		m.loops = append(m.loops, scheduler.NewLoop("alert-system", cfg.SystemEvery, func(ctx context.Context) {
			if _, err := m.SweepSystem(ctx); err != nil {
				logging.L().Warn(ctx, "system sweep failed", "err", err)
			}
		}))
	}
	return m
}

// Start 启动各巡检循环。
func (m *Monitor) Start(ctx context.Context) {
	for _, l := range m.loops {
		l.Start(ctx)
	}
}

// Stop 停止各巡检循环。
func (m *Monitor) Stop() {
	for _, l := range m.loops {
		l.Stop()
	}
}

// SweepFailed 为上次巡检之后失败的任务各生成一条 high 级别告警。
func (m *Monitor) SweepFailed() []model.Alert {
	res := m.reg.History(model.JobFilter{Statuses: []model.Status{model.StatusFailed}}, model.Page{})
	m.mu.Lock()
	mark := m.watermark
	var fresh []model.Job
	for _, h := range res.Items {
		at := h.Job.FailedAt
		if at == nil || !at.After(m.watermark) {
			continue
		}
		fresh = append(fresh, h.Job)
		if at.After(mark) {
			mark = *at
		}
	}
	m.watermark = mark
	m.mu.Unlock()

	out := make([]model.Alert, 0, len(fresh))
	for _, j := range fresh {
		out = append(out, m.raise(model.Alert{
			Type:     model.AlertJobFailure,
			Severity: model.SeverityHigh,
			JobID:    j.ID,
			JobType:  j.Type,
			Message:  fmt.Sprintf("Job %s (%s) failed after %d retries: %s", j.ID, j.Type, j.RetryCount, j.ErrorMessage),
			Details: map[string]any{
				"retryCount": j.RetryCount,
				"maxRetries": j.MaxRetries,
				"timedOut":   j.TimedOut,
				"error":      j.ErrorMessage,
			},
		}))
	}
	return out
}

// SweepStuck 为 processing 状态且超过阈值未更新的任务生成 medium 级别告警；只告警，不改变任务状态。
func (m *Monitor) SweepStuck() []model.Alert {
	now := m.now()
	res := m.reg.Query(model.JobFilter{Statuses: []model.Status{model.StatusProcessing}}, model.Page{})
	var out []model.Alert
	for _, j := range res.Items {
		idle := now.Sub(j.UpdatedAt)
		if idle <= m.cfg.StuckThreshold {
			continue
		}
		out = append(out, m.raise(model.Alert{
			Type:     model.AlertJobStuck,
			Severity: model.SeverityMedium,
			JobID:    j.ID,
			JobType:  j.Type,
			Message:  fmt.Sprintf("Job %s (%s) has not progressed for %s", j.ID, j.Type, idle.Truncate(time.Second)),
			Details: map[string]any{
				"progress":  j.Progress,
				"stage":     j.Stage,
				"updatedAt": j.UpdatedAt,
				"workerId":  j.WorkerID,
			},
		}))
	}
	return out
}

// SweepSystem 采样一次资源，超过阈值的指标各生成一条告警（critical 优先于 warning）。
func (m *Monitor) SweepSystem(ctx context.Context) ([]model.Alert, error) {
	if m.probe == nil {
		return nil, nil
	}
	u, err := m.probe(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: sample resources: %v", model.ErrTransient, err)
	}
	checks := []struct {
		name           string
		value          float64
		warn, critical float64
	}{
		{"cpu", u.CPUPercent, m.cfg.CPUWarning, m.cfg.CPUCritical},
		{"memory", u.MemoryPercent, m.cfg.MemoryWarning, m.cfg.MemoryCritical},
		{"disk", u.DiskPercent, m.cfg.DiskWarning, m.cfg.DiskCritical},
	}
	var out []model.Alert
	for _, c := range checks {
		a := model.Alert{Details: map[string]any{"metric": c.name, "value": c.value}}
		switch {
		case c.critical > 0 && c.value >= c.critical:
			a.Type, a.Severity = model.AlertSystemCritical, model.SeverityCritical
			a.Details["threshold"] = c.critical
		case c.warn > 0 && c.value >= c.warn:
			a.Type, a.Severity = model.AlertSystemWarning, model.SeverityWarning
			a.Details["threshold"] = c.warn
		default:
			continue
		}
		a.Message = fmt.Sprintf("%s usage %.1f%% reached %s threshold", c.name, c.value, a.Severity)
		out = append(out, m.raise(a))
	}
	return out, nil
}

// raise 补齐 ID 与时间后登记、镜像并推送。
func (m *Monitor) raise(a model.Alert) model.Alert {
	a.ID = uuid.NewString()
	a.CreatedAt = m.now()
	m.mu.Lock()
	cp := a
	m.alerts[a.ID] = &cp
	m.mu.Unlock()

	m.reg.Mirror().SaveAlert(a)
	if m.notify != nil {
		m.notify.BroadcastAlert(a)
	}
	logging.L().Warn(context.Background(), "alert raised", "alert", a.ID, "type", a.Type, "severity", a.Severity, "job", a.JobID)
	return a
}

// Resolve 标记告警为已处理；重复调用返回已处理的告警且不报错。
func (m *Monitor) Resolve(id string) (model.Alert, error) {
	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return model.Alert{}, fmt.Errorf("%w: alert %s", model.ErrNotFound, id)
	}
	if a.Resolved {
		out := *a
		m.mu.Unlock()
		return out, nil
	}
	now := m.now()
	a.Resolved = true
	a.ResolvedAt = &now
	out := *a
	m.mu.Unlock()

	m.reg.Mirror().SaveAlert(out)
	return out, nil
}

// Get 读取单条告警。
func (m *Monitor) Get(id string) (model.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return model.Alert{}, fmt.Errorf("%w: alert %s", model.ErrNotFound, id)
	}
	return *a, nil
}

// List 按条件分页查询，最新的在前。
func (m *Monitor) List(f model.AlertFilter, p model.Page) model.PageResult[model.Alert] {
	m.mu.RLock()
	items := make([]model.Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if f.Match(a) {
			items = append(items, *a)
		}
	}
	m.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return model.Paginate(items, p)
}

// Statistics 统计未处理告警。
func (m *Monitor) Statistics() model.AlertStatistics {
	st := model.AlertStatistics{ByType: map[model.AlertType]int{}, BySeverity: map[model.Severity]int{}}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.alerts {
		if a.Resolved {
			continue
		}
		st.Unresolved++
		st.ByType[a.Type]++
		st.BySeverity[a.Severity]++
	}
	return st
}
