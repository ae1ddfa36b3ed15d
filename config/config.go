package config

import "time"

// Config 组件运行所需的完整配置。
// 功能：承载 HTTP 监听、持久化镜像、调度器、告警巡检与指标采集参数。
// 注意：未填写的字段由 WithDefaults 补齐，零值不会被当作有效配置。
type Config struct {
	NodeID string `yaml:"nodeId"` // 节点标识，留空使用主机名

	// Retention 终态任务在实时表中保留的时长，之后只能通过历史查询
	Retention time.Duration `yaml:"retention"`

	HTTP struct {
		Listen string `yaml:"listen"` // 例如 0.0.0.0:28080
	} `yaml:"http"`

	Log struct {
		Level string `yaml:"level"` // debug/info/warn/error
	} `yaml:"log"`

	Storage struct {
		Driver string `yaml:"driver"` // memory | sqlite | badger
		DSN    string `yaml:"dsn"`    // sqlite 文件路径，如 ./jobcore.db
		Dir    string `yaml:"dir"`    // badger 数据目录
	} `yaml:"storage"`

	Queue Queue `yaml:"queue"`
	Alert Alert `yaml:"alert"`

	Metrics struct {
		Interval   time.Duration `yaml:"interval"`   // 资源快照周期
		SampleSize int           `yaml:"sampleSize"` // 执行耗时环形缓冲容量
	} `yaml:"metrics"`
}

// Queue 调度器参数。
type Queue struct {
	Concurrency int           `yaml:"concurrency"` // 并发上限 C
	Timeout     time.Duration `yaml:"timeout"`     // 单次执行超时 T
	MaxRetries  int           `yaml:"maxRetries"`  // 最大重试次数 R
	RetryDelay  time.Duration `yaml:"retryDelay"`  // 重试间隔 D
	Tick        time.Duration `yaml:"tick"`        // 派发轮询周期
}

// Alert 告警巡检参数。
type Alert struct {
	FailedEvery    time.Duration `yaml:"failedEvery"`    // I1
	StuckEvery     time.Duration `yaml:"stuckEvery"`     // I2
	SystemEvery    time.Duration `yaml:"systemEvery"`    // I3
	StuckThreshold time.Duration `yaml:"stuckThreshold"` // S

	CPUWarning     float64 `yaml:"cpuWarning"`
	CPUCritical    float64 `yaml:"cpuCritical"`
	MemoryWarning  float64 `yaml:"memoryWarning"`
	MemoryCritical float64 `yaml:"memoryCritical"`
	DiskWarning    float64 `yaml:"diskWarning"`
	DiskCritical   float64 `yaml:"diskCritical"`
}

// WithDefaults 填充默认值并返回自身，便于链式调用。
func (c *Config) WithDefaults() *Config {
	if c.HTTP.Listen == "" {
		c.HTTP.Listen = "127.0.0.1:28080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.Metrics.Interval <= 0 {
		c.Metrics.Interval = 30 * time.Second
	}
	if c.Metrics.SampleSize <= 0 {
		c.Metrics.SampleSize = 1000
	}
	c.Queue.withDefaults()
	c.Alert.withDefaults()
	return c
}

func (q *Queue) withDefaults() {
	if q.Concurrency <= 0 {
		q.Concurrency = 4
	}
	if q.Timeout <= 0 {
		q.Timeout = 5 * time.Minute
	}
	if q.MaxRetries < 0 {
		q.MaxRetries = 0
	}
	if q.RetryDelay <= 0 {
		q.RetryDelay = 5 * time.Second
	}
	if q.Tick <= 0 {
		q.Tick = time.Second
	}
}

func (a *Alert) withDefaults() {
	if a.FailedEvery <= 0 {
		a.FailedEvery = time.Minute
	}
	if a.StuckEvery <= 0 {
		a.StuckEvery = 5 * time.Minute
	}
	if a.SystemEvery <= 0 {
		a.SystemEvery = 2 * time.Minute
	}
	if a.StuckThreshold <= 0 {
		a.StuckThreshold = 30 * time.Minute
	}
	fill := func(v *float64, def float64) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&a.CPUWarning, 80)
	fill(&a.CPUCritical, 95)
	fill(&a.MemoryWarning, 85)
	fill(&a.MemoryCritical, 95)
	fill(&a.DiskWarning, 85)
	fill(&a.DiskCritical, 95)
}
