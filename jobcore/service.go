// Package jobcore 把调度、状态登记、进度、告警、推送与指标装配成一个由调用方持有的服务对象。
package jobcore

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mengeric/jobcore/alert"
	"github.com/mengeric/jobcore/broadcast"
	"github.com/mengeric/jobcore/logging"
	"github.com/mengeric/jobcore/metrics"
	"github.com/mengeric/jobcore/model"
	"github.com/mengeric/jobcore/processor"
	"github.com/mengeric/jobcore/progress"
	"github.com/mengeric/jobcore/queue"
	"github.com/mengeric/jobcore/registry"
	"github.com/mengeric/jobcore/scheduler"
	"github.com/mengeric/jobcore/storage"
)

// SubmitRequest 提交任务。Body 为空时按 Type 使用已注册的处理器。
type SubmitRequest struct {
	Type       string
	Priority   *model.Priority // 为空时 normal
	Params     map[string]any
	MaxRetries *int
	Body       queue.Body
}

// Service 任务核心服务。
type Service struct {
	opt   Options
	store storage.Store

	reg      *registry.Registry
	bc       *broadcast.Broadcaster
	queue    *queue.Queue
	progress *progress.Tracker
	alerts   *alert.Monitor
	metrics  *metrics.Collector
	procs    *processor.Registry
	pruner   *scheduler.Loop

	started atomic.Bool
	closed  atomic.Bool
}

// NewService 按可选项装配服务；未设置推送通道时事件被丢弃，未设置存储时只保存在内存。
func NewService(opts ...Option) *Service {
	cfg := &serviceConfig{}
	for _, fn := range opts {
		fn(cfg)
	}
	cfg.opt.withDefaults()
	if cfg.sender == nil {
		cfg.sender = broadcast.SenderFunc(func(context.Context, string, model.Event) error { return nil })
	}
	if cfg.processors == nil {
		cfg.processors = processor.NewRegistry()
	}
	if cfg.probe == nil {
		cfg.probe = metrics.CollectResourceUsage
	}

	s := &Service{opt: cfg.opt, store: cfg.store, procs: cfg.processors}
	s.bc = broadcast.New(cfg.sender, cfg.opt.ObserverBufSize)

	regOpts := []registry.Option{registry.WithListener(s.publishJob)}
	if cfg.store != nil {
		regOpts = append(regOpts, registry.WithStore(cfg.store))
	}
	var progOpts []progress.Option
	alertOpts := []alert.Option{alert.WithNotifier(s.bc)}
	if cfg.now != nil {
		regOpts = append(regOpts, registry.WithClock(cfg.now))
		progOpts = append(progOpts, progress.WithClock(cfg.now))
		alertOpts = append(alertOpts, alert.WithClock(cfg.now))
	}
	if !cfg.opt.DisableSystemScan {
		probe := cfg.probe
		alertOpts = append(alertOpts, alert.WithProbe(func(ctx context.Context) (model.ResourceUsage, error) {
			return probe(ctx), nil
		}))
	}

	s.reg = registry.New(regOpts...)
	s.progress = progress.New(s.reg, progOpts...)
	s.alerts = alert.New(cfg.opt.Alert, s.reg, alertOpts...)
	s.metrics = metrics.New(s.reg, cfg.opt.SampleSize, cfg.opt.MetricsInterval,
		metrics.WithPublisher(s.bc), metrics.WithProbe(cfg.probe))
	s.queue = queue.New(cfg.opt.Queue, s.reg)
	s.queue.SetRecorder(s.metrics)
	s.queue.SetResourceSampler(func() *model.ResourceUsage {
		u := s.metrics.ResourceUsage(context.Background())
		return &u
	})
	s.pruner = scheduler.NewLoop("prune", cfg.opt.Retention/4, func(ctx context.Context) {
		if n := s.reg.Prune(s.opt.Retention); n > 0 {
			logging.L().Debug(ctx, "pruned terminal jobs from live table", "count", n)
		}
	})
	return s
}

// publishJob 登记表监听：把任务变更推送给订阅者。
func (s *Service) publishJob(j model.Job) {
	s.bc.BroadcastJobUpdate(j.ID, model.JobUpdateEvent(j))
}

// Start 启动镜像写入、派发、告警巡检、指标快照与过期清理，仅首次调用生效。
func (s *Service) Start(ctx context.Context) {
	if s.started.Swap(true) {
		return
	}
	if m := s.reg.Mirror(); m != nil {
		m.Start(ctx)
	}
	s.queue.Start(ctx)
	s.alerts.Start(ctx)
	s.metrics.Start(ctx)
	s.pruner.Start(ctx)
	logging.L().Info(ctx, "jobcore service started",
		"concurrency", s.queue.Config().Concurrency, "node", s.queue.Config().NodeID, "types", s.procs.Types())
}

// Close 停止后台循环，等待运行中的任务体退出（受 ctx 限制），写完镜像并断开观察者。
func (s *Service) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.queue.Close(ctx)
	s.alerts.Stop()
	s.metrics.Stop()
	s.pruner.Stop()
	if m := s.reg.Mirror(); m != nil {
		m.Drain(ctx)
	}
	s.bc.Close()
	if perr := s.procs.Stop(ctx); perr != nil && err == nil {
		err = perr
	}
	logging.L().Info(ctx, "jobcore service closed", "err", err)
	return err
}

// Processors 任务类型注册表。
func (s *Service) Processors() *processor.Registry { return s.procs }

// Store 持久化镜像（可能为 nil）。
func (s *Service) Store() storage.Store { return s.store }

// SubmitJob 校验并提交任务，返回任务 ID。
func (s *Service) SubmitJob(ctx context.Context, req SubmitRequest) (string, error) {
	payload := model.Payload{Type: req.Type, Params: req.Params}
	body := req.Body
	maxRetries := req.MaxRetries
	if def, ok := s.procs.Get(req.Type); ok {
		if err := def.Schema.Validate(req.Params); err != nil {
			return "", err
		}
		if body == nil {
			body = def.Processor.Run
		}
		if maxRetries == nil {
			maxRetries = def.MaxRetries
		}
	} else if body == nil {
		if _, err := s.procs.Validate(payload); err != nil {
			return "", err
		}
	}
	if maxRetries != nil && *maxRetries < 0 {
		return "", fmt.Errorf("%w: maxRetries must be >= 0", model.ErrValidation)
	}
	priority := model.PriorityNormal
	if req.Priority != nil {
		priority = *req.Priority
	}

	id := uuid.NewString()
	rep := &jobReporter{svc: s, jobID: id}
	return s.queue.Submit(ctx, queue.Request{
		ID:         id,
		Type:       req.Type,
		Priority:   priority,
		Params:     req.Params,
		MaxRetries: maxRetries,
		Body: func(ctx context.Context, in model.Payload) (map[string]any, error) {
			return body(processor.WithReporter(ctx, rep), in)
		},
	})
}

// GetJob 读取任务；内存中已清理的任务回退到存储查询。
func (s *Service) GetJob(ctx context.Context, id string) (model.Job, error) {
	return s.reg.Lookup(ctx, id)
}

// ListJobs 按条件分页查询实时与已归档任务。
func (s *Service) ListJobs(f model.JobFilter, p model.Page) model.PageResult[model.Job] {
	return s.reg.Query(f, p)
}

// UpdateProgress 任务体或外部调用方上报进度。
func (s *Service) UpdateProgress(id string, percent float64, stage string) (model.Job, error) {
	return s.progress.Update(id, percent, stage)
}

// UpdateRecords 上报已处理/总记录数。
func (s *Service) UpdateRecords(id string, processed, total int64) (model.Job, error) {
	return s.progress.UpdateRecords(id, processed, total)
}

// CancelJob 取消任务并返回取消后的快照。
func (s *Service) CancelJob(id, reason string) (model.Job, error) {
	if _, err := s.queue.Cancel(id, reason); err != nil {
		return model.Job{}, err
	}
	return s.reg.Get(id)
}

// GetHistory 分页查询历史快照。
func (s *Service) GetHistory(f model.JobFilter, p model.Page) model.PageResult[model.HistoryEntry] {
	return s.reg.History(f, p)
}

// Connect 登记观察者。
func (s *Service) Connect(observerID string) { s.bc.Connect(observerID) }

// Subscribe 订阅任务变更；观察者未连接时自动登记。
func (s *Service) Subscribe(observerID, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: jobId is empty", model.ErrValidation)
	}
	s.bc.Subscribe(observerID, jobID)
	return nil
}

// Unsubscribe 取消订阅，返回此前是否订阅过。
func (s *Service) Unsubscribe(observerID, jobID string) bool {
	return s.bc.Unsubscribe(observerID, jobID)
}

// Disconnect 断开观察者并清理全部订阅。
func (s *Service) Disconnect(observerID string) { s.bc.Disconnect(observerID) }

// GetAlerts 分页查询告警。
func (s *Service) GetAlerts(f model.AlertFilter, p model.Page) model.PageResult[model.Alert] {
	return s.alerts.List(f, p)
}

// ResolveAlert 处理告警（幂等）。
func (s *Service) ResolveAlert(id string) (model.Alert, error) { return s.alerts.Resolve(id) }

// GetAlertStatistics 未处理告警统计。
func (s *Service) GetAlertStatistics() model.AlertStatistics { return s.alerts.Statistics() }

// SweepAlerts 立即执行一轮全部巡检，返回新产生的告警。
func (s *Service) SweepAlerts(ctx context.Context) []model.Alert {
	out := append(s.alerts.SweepFailed(), s.alerts.SweepStuck()...)
	sys, err := s.alerts.SweepSystem(ctx)
	if err != nil {
		logging.L().Warn(ctx, "system sweep failed", "err", err)
	}
	return append(out, sys...)
}

// GetResourceUsage 最近一次资源快照。
func (s *Service) GetResourceUsage(ctx context.Context) model.ResourceUsage {
	return s.metrics.ResourceUsage(ctx)
}

// GetJobMetrics 任务执行统计。
func (s *Service) GetJobMetrics() metrics.JobMetrics { return s.metrics.JobMetrics() }

// GetExecutionTimePercentile 执行耗时 p 分位。
func (s *Service) GetExecutionTimePercentile(p float64) (time.Duration, error) {
	return s.metrics.ExecutionTimePercentile(p)
}

// QueueStats 派发器统计。
func (s *Service) QueueStats() queue.Stats { return s.queue.Stats() }

// jobReporter 绑定到单个任务的进度上报句柄。
type jobReporter struct {
	svc   *Service
	jobID string
}

func (r *jobReporter) Progress(percent float64, stage string) error {
	_, err := r.svc.progress.Update(r.jobID, percent, stage)
	return err
}

func (r *jobReporter) Records(processed, total int64) error {
	_, err := r.svc.progress.UpdateRecords(r.jobID, processed, total)
	return err
}
