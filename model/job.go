// Package model 定义任务核心的数据模型：任务、历史快照、告警与查询条件。
package model

import (
	"fmt"
	"strings"
	"time"
)

// Status 任务状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses 按生命周期顺序列出全部状态，用于直方图统计。
var AllStatuses = []Status{
	StatusPending, StatusQueued, StatusProcessing, StatusRetrying,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// IsTerminal 是否为终态；终态记录不可再修改。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// transitions 合法状态迁移表。
var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusCancelled},
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusRetrying, StatusCancelled},
	StatusRetrying:   {StatusQueued, StatusFailed, StatusCancelled},
}

// CanTransition 判断 from -> to 是否合法；相同状态视为合法（仅更新字段）。
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Priority 优先级，数值越大越先派发。
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Valid 是否为已定义的优先级。
func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityHigh }

// ParsePriority 解析优先级文本，空串视为 normal。
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("%w: unknown priority %q", ErrValidation, s)
}

// MarshalText 以文本形式序列化优先级。
func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText 解析文本优先级。
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Payload 任务入参，以 Type 作为标签区分不同任务类型的参数结构。
type Payload struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// ResourceUsage 资源使用快照（百分比取值 0~100）。
type ResourceUsage struct {
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	DiskPercent   float64   `json:"diskPercent"`
	CPULoad       float64   `json:"cpuLoad"`
	CPUProcessors int       `json:"cpuProcessors"`
	ProcRSSBytes  uint64    `json:"procRssBytes"`
	Score         float64   `json:"score"`
	SampledAt     time.Time `json:"sampledAt"`
}

// Job 任务记录。
// 终态时间戳 CompletedAt/FailedAt/CancelledAt 三者互斥，仅与当前终态对应的一个非空。
type Job struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`
	Progress float64  `json:"progress"`
	Stage    string   `json:"stage,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`

	RetryCount   int    `json:"retryCount"`
	MaxRetries   int    `json:"maxRetries"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorStack   string `json:"errorStack,omitempty"`
	TimedOut     bool   `json:"timedOut,omitempty"`
	CancelReason string `json:"cancelReason,omitempty"`

	WorkerID string `json:"workerId,omitempty"`
	NodeID   string `json:"nodeId,omitempty"`

	InputParams   Payload        `json:"inputParams"`
	OutputData    map[string]any `json:"outputData,omitempty"`
	ResourceUsage *ResourceUsage `json:"resourceUsage,omitempty"`

	Throughput              float64    `json:"throughput"`
	RecordsProcessed        int64      `json:"recordsProcessed"`
	TotalRecords            int64      `json:"totalRecords"`
	EstimatedCompletionTime *time.Time `json:"estimatedCompletionTime,omitempty"`
}

// TerminalAt 返回终态时间戳；非终态返回 nil。
func (j *Job) TerminalAt() *time.Time {
	switch j.Status {
	case StatusCompleted:
		return j.CompletedAt
	case StatusFailed:
		return j.FailedAt
	case StatusCancelled:
		return j.CancelledAt
	}
	return nil
}

// Clone 深拷贝，避免调用方修改登记表内部状态。
func (j Job) Clone() Job {
	cp := j
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.FailedAt = cloneTime(j.FailedAt)
	cp.CancelledAt = cloneTime(j.CancelledAt)
	cp.EstimatedCompletionTime = cloneTime(j.EstimatedCompletionTime)
	cp.InputParams.Params = cloneMap(j.InputParams.Params)
	cp.OutputData = cloneMap(j.OutputData)
	if j.ResourceUsage != nil {
		ru := *j.ResourceUsage
		cp.ResourceUsage = &ru
	}
	return cp
}

// HistoryEntry 任务到达终态瞬间的不可变快照。
// Duration = 终态时间 - StartedAt；从未开始执行则为 nil。
type HistoryEntry struct {
	Job        Job            `json:"job"`
	ArchivedAt time.Time      `json:"archivedAt"`
	Duration   *time.Duration `json:"duration,omitempty"`
}

// NewHistoryEntry 基于终态任务生成快照，并计算耗时。
func NewHistoryEntry(j Job, archivedAt time.Time) HistoryEntry {
	h := HistoryEntry{Job: j.Clone(), ArchivedAt: archivedAt}
	if end := j.TerminalAt(); end != nil && j.StartedAt != nil {
		d := end.Sub(*j.StartedAt)
		h.Duration = &d
	}
	return h
}

// Event 推送给观察者的事件。
type Event struct {
	Type      string         `json:"type"`
	JobID     string         `json:"jobId,omitempty"`
	Status    Status         `json:"status,omitempty"`
	Progress  float64        `json:"progress"`
	Stage     string         `json:"stage,omitempty"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
	Alert     *Alert         `json:"alert,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

// 事件类型。
const (
	EventJobUpdate     = "JOB_UPDATE"
	EventAlert         = "ALERT"
	EventSystemMetrics = "SYSTEM_METRICS"
)

// JobUpdateEvent 由任务快照构造状态事件。
func JobUpdateEvent(j Job) Event {
	at := j.UpdatedAt
	return Event{Type: EventJobUpdate, JobID: j.ID, Status: j.Status, Progress: j.Progress, Stage: j.Stage, UpdatedAt: &at}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
