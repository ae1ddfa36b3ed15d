// Package storage 定义任务核心使用的持久化协作方接口。
// 存储只作为内存状态的镜像：写入失败不会回滚内存，也不会用于进程重启后的恢复。
package storage

import (
	"context"

	"github.com/mengeric/jobcore/model"
)

// Store 持久化接口（可由宿主实现，或使用 memstore/gormstore/badgerstore）。
// 记录按 ID 标识；行级创建/更新时间由存储自行维护。
type Store interface {
	// UpsertJob 插入或覆盖任务记录。
	UpsertJob(ctx context.Context, j *model.Job) error
	// GetJob 按 ID 读取任务，不存在时返回 model.ErrNotFound。
	GetJob(ctx context.Context, id string) (*model.Job, error)
	// DeleteJob 删除任务记录（历史快照保留）。
	DeleteJob(ctx context.Context, id string) error
	// InsertHistory 写入终态快照；同一任务重复写入按 JobID 覆盖。
	InsertHistory(ctx context.Context, h *model.HistoryEntry) error
	// ListHistory 按条件列出历史快照，按归档时间升序。
	ListHistory(ctx context.Context, f model.JobFilter) ([]model.HistoryEntry, error)
	// UpsertAlert 插入或覆盖告警。
	UpsertAlert(ctx context.Context, a *model.Alert) error
	// ListAlerts 按条件列出告警，按创建时间升序。
	ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.Alert, error)
	// Close 释放底层资源。
	Close() error
}
