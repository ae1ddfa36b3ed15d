package jobcore

import (
	"context"
	"time"

	"github.com/mengeric/jobcore/alert"
	"github.com/mengeric/jobcore/broadcast"
	"github.com/mengeric/jobcore/config"
	"github.com/mengeric/jobcore/model"
	"github.com/mengeric/jobcore/processor"
	"github.com/mengeric/jobcore/queue"
	"github.com/mengeric/jobcore/storage"
)

// Options 服务运行参数。
type Options struct {
	Queue             queue.Config
	Alert             alert.Config
	MetricsInterval   time.Duration // 资源快照周期
	SampleSize        int           // 执行耗时样本容量
	Retention         time.Duration // 终态任务在实时表中的保留时长
	ObserverBufSize   int           // 每个观察者的邮箱容量
	DisableSystemScan bool          // 关闭资源巡检（测试或无 /proc 的环境）
}

// withDefaults 填充默认值。
func (o *Options) withDefaults() {
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = 30 * time.Second
	}
	if o.SampleSize <= 0 {
		o.SampleSize = 1000
	}
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	if o.Alert.StuckThreshold <= 0 {
		o.Alert.StuckThreshold = 30 * time.Minute
	}
}

// serviceConfig 构造期的可选依赖。
type serviceConfig struct {
	opt        Options
	store      storage.Store
	sender     broadcast.Sender
	processors *processor.Registry
	now        func() time.Time
	probe      func(ctx context.Context) model.ResourceUsage
}

// Option 服务可选项。
type Option func(c *serviceConfig)

// WithOptions 整体设置运行参数。
func WithOptions(o Options) Option { return func(c *serviceConfig) { c.opt = o } }

// WithConfig 从 YAML 配置映射运行参数。
func WithConfig(cfg config.Config) Option {
	return func(c *serviceConfig) {
		cfg.WithDefaults()
		c.opt = Options{
			Queue: queue.Config{
				Concurrency: cfg.Queue.Concurrency,
				Timeout:     cfg.Queue.Timeout,
				MaxRetries:  cfg.Queue.MaxRetries,
				RetryDelay:  cfg.Queue.RetryDelay,
				Tick:        cfg.Queue.Tick,
				NodeID:      cfg.NodeID,
			},
			Alert: alert.Config{
				FailedEvery:    cfg.Alert.FailedEvery,
				StuckEvery:     cfg.Alert.StuckEvery,
				SystemEvery:    cfg.Alert.SystemEvery,
				StuckThreshold: cfg.Alert.StuckThreshold,
				Thresholds: alert.Thresholds{
					CPUWarning:     cfg.Alert.CPUWarning,
					CPUCritical:    cfg.Alert.CPUCritical,
					MemoryWarning:  cfg.Alert.MemoryWarning,
					MemoryCritical: cfg.Alert.MemoryCritical,
					DiskWarning:    cfg.Alert.DiskWarning,
					DiskCritical:   cfg.Alert.DiskCritical,
				},
			},
			MetricsInterval: cfg.Metrics.Interval,
			SampleSize:      cfg.Metrics.SampleSize,
			Retention:       cfg.Retention,
		}
	}
}

// WithStore 设置持久化镜像；不设置时只保存在内存。
func WithStore(s storage.Store) Option { return func(c *serviceConfig) { c.store = s } }

// WithSender 设置观察者推送通道（例如 websocket hub）。
func WithSender(s broadcast.Sender) Option { return func(c *serviceConfig) { c.sender = s } }

// WithProcessors 设置任务类型注册表。
func WithProcessors(r *processor.Registry) Option { return func(c *serviceConfig) { c.processors = r } }

// WithClock 注入时钟（登记表、进度与告警共用）。
func WithClock(now func() time.Time) Option { return func(c *serviceConfig) { c.now = now } }

// WithResourceProbe 替换资源采样函数。
func WithResourceProbe(fn func(ctx context.Context) model.ResourceUsage) Option {
	return func(c *serviceConfig) { c.probe = fn }
}
