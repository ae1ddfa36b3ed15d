package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/mengeric/jobcore/model"
)

// jobRow 映射到 jobs 表。
type jobRow struct {
	ID           string            `gorm:"primaryKey;size:64"`
	Type         string            `gorm:"index;size:128;not null"`
	Status       string            `gorm:"index;size:20;not null"`
	Priority     int               `gorm:"index"`
	Progress     float64           `gorm:"default:0"`
	Stage        string            `gorm:"size:255"`
	JobCreatedAt time.Time         `gorm:"index"`
	JobUpdatedAt time.Time         `gorm:"index"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	FailedAt     *time.Time
	CancelledAt  *time.Time
	RetryCount   int
	MaxRetries   int
	ErrorMessage string `gorm:"type:text"`
	ErrorStack   string `gorm:"type:text"`
	TimedOut     bool
	CancelReason string `gorm:"type:text"`
	WorkerID     string `gorm:"size:64"`
	NodeID       string `gorm:"size:128"`
	InputParams  datatypes.JSONMap
	OutputData   datatypes.JSONMap
	Resource     datatypes.JSON

	Throughput       float64
	RecordsProcessed int64
	TotalRecords     int64
	ETA              *time.Time

	RowCreatedAt time.Time `gorm:"autoCreateTime"`
	RowUpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (jobRow) TableName() string { return "jobs" }

// historyRow 映射到 job_history 表；Snapshot 保存完整任务快照。
type historyRow struct {
	JobID        string    `gorm:"primaryKey;size:64"`
	Type         string    `gorm:"index;size:128"`
	Status       string    `gorm:"index;size:20"`
	Priority     int       `gorm:"index"`
	JobCreatedAt time.Time `gorm:"index"`
	ArchivedAt   time.Time `gorm:"index"`
	DurationMS   *int64
	Snapshot     datatypes.JSON
	RowCreatedAt time.Time `gorm:"autoCreateTime"`
}

func (historyRow) TableName() string { return "job_history" }

// alertRow 映射到 alerts 表。
type alertRow struct {
	ID           string `gorm:"primaryKey;size:64"`
	Type         string `gorm:"index;size:32"`
	Severity     string `gorm:"index;size:16"`
	JobID        string `gorm:"index;size:64"`
	JobType      string `gorm:"size:128"`
	Message      string `gorm:"type:text"`
	Details      datatypes.JSONMap
	Resolved     bool      `gorm:"index"`
	CreatedAt    time.Time `gorm:"index"`
	ResolvedAt   *time.Time
	RowUpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (alertRow) TableName() string { return "alerts" }

// Store 基于 GORM 的 storage.Store 实现。
type Store struct{ db *gorm.DB }

// New 创建 Store，调用方应先执行 AutoMigrate。
func New(db *gorm.DB) *Store { return &Store{db: db} }

// AutoMigrate 创建/升级表结构。
func AutoMigrate(db *gorm.DB) error { return db.AutoMigrate(&jobRow{}, &historyRow{}, &alertRow{}) }

// OpenSQLite 打开（或创建）SQLite 数据库并完成迁移。
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return New(db), nil
}

// UpsertJob 实现 Store.UpsertJob。
func (s *Store) UpsertJob(ctx context.Context, j *model.Job) error {
	row := toJobRow(j)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// GetJob 实现 Store.GetJob。
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	return fromJobRow(row), nil
}

// DeleteJob 实现 Store.DeleteJob。
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&jobRow{}).Error
}

// InsertHistory 实现 Store.InsertHistory。
func (s *Store) InsertHistory(ctx context.Context, h *model.HistoryEntry) error {
	snap, err := json.Marshal(h.Job)
	if err != nil {
		return err
	}
	row := historyRow{
		JobID:        h.Job.ID,
		Type:         h.Job.Type,
		Status:       string(h.Job.Status),
		Priority:     int(h.Job.Priority),
		JobCreatedAt: h.Job.CreatedAt,
		ArchivedAt:   h.ArchivedAt,
		Snapshot:     datatypes.JSON(snap),
	}
	if h.Duration != nil {
		ms := h.Duration.Milliseconds()
		row.DurationMS = &ms
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// ListHistory 实现 Store.ListHistory。
func (s *Store) ListHistory(ctx context.Context, f model.JobFilter) ([]model.HistoryEntry, error) {
	q := s.db.WithContext(ctx).Model(&historyRow{})
	q = applyJobFilter(q, f, "job_id", "job_created_at")
	var rows []historyRow
	if err := q.Order("archived_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		var j model.Job
		if err := json.Unmarshal(r.Snapshot, &j); err != nil {
			return nil, err
		}
		h := model.HistoryEntry{Job: j, ArchivedAt: r.ArchivedAt}
		if r.DurationMS != nil {
			d := time.Duration(*r.DurationMS) * time.Millisecond
			h.Duration = &d
		}
		out = append(out, h)
	}
	return out, nil
}

// UpsertAlert 实现 Store.UpsertAlert。
func (s *Store) UpsertAlert(ctx context.Context, a *model.Alert) error {
	row := alertRow{
		ID: a.ID, Type: string(a.Type), Severity: string(a.Severity), JobID: a.JobID, JobType: a.JobType,
		Message: a.Message, Details: datatypes.JSONMap(a.Details), Resolved: a.Resolved,
		CreatedAt: a.CreatedAt, ResolvedAt: a.ResolvedAt,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// ListAlerts 实现 Store.ListAlerts。
func (s *Store) ListAlerts(ctx context.Context, f model.AlertFilter) ([]model.Alert, error) {
	q := s.db.WithContext(ctx).Model(&alertRow{})
	if len(f.Types) > 0 {
		q = q.Where("type IN ?", f.Types)
	}
	if len(f.Severities) > 0 {
		q = q.Where("severity IN ?", f.Severities)
	}
	if f.JobID != "" {
		q = q.Where("job_id = ?", f.JobID)
	}
	if f.Resolved != nil {
		q = q.Where("resolved = ?", *f.Resolved)
	}
	var rows []alertRow
	if err := q.Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Alert, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.Alert{
			ID: r.ID, Type: model.AlertType(r.Type), Severity: model.Severity(r.Severity), JobID: r.JobID,
			JobType: r.JobType, Message: r.Message, Details: plainMap(r.Details), Resolved: r.Resolved,
			CreatedAt: r.CreatedAt, ResolvedAt: r.ResolvedAt,
		})
	}
	return out, nil
}

// Close 关闭底层连接池。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func applyJobFilter(q *gorm.DB, f model.JobFilter, idCol, createdCol string) *gorm.DB {
	if len(f.IDs) > 0 {
		q = q.Where(idCol+" IN ?", f.IDs)
	}
	if len(f.Types) > 0 {
		q = q.Where("type IN ?", f.Types)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if len(f.Priorities) > 0 {
		q = q.Where("priority IN ?", f.Priorities)
	}
	if !f.Since.IsZero() {
		q = q.Where(createdCol+" >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		q = q.Where(createdCol+" < ?", f.Until)
	}
	return q
}

func toJobRow(j *model.Job) jobRow {
	r := jobRow{
		ID: j.ID, Type: j.Type, Status: string(j.Status), Priority: int(j.Priority), Progress: j.Progress,
		Stage: j.Stage, JobCreatedAt: j.CreatedAt, JobUpdatedAt: j.UpdatedAt, StartedAt: j.StartedAt,
		CompletedAt: j.CompletedAt, FailedAt: j.FailedAt, CancelledAt: j.CancelledAt,
		RetryCount: j.RetryCount, MaxRetries: j.MaxRetries, ErrorMessage: j.ErrorMessage, ErrorStack: j.ErrorStack,
		TimedOut: j.TimedOut, CancelReason: j.CancelReason, WorkerID: j.WorkerID, NodeID: j.NodeID,
		InputParams: datatypes.JSONMap(map[string]any{"type": j.InputParams.Type, "params": j.InputParams.Params}),
		OutputData:  datatypes.JSONMap(j.OutputData),
		Throughput:  j.Throughput, RecordsProcessed: j.RecordsProcessed, TotalRecords: j.TotalRecords,
		ETA: j.EstimatedCompletionTime,
	}
	if j.ResourceUsage != nil {
		if b, err := json.Marshal(j.ResourceUsage); err == nil {
			r.Resource = datatypes.JSON(b)
		}
	}
	return r
}

func fromJobRow(r jobRow) *model.Job {
	j := &model.Job{
		ID: r.ID, Type: r.Type, Status: model.Status(r.Status), Priority: model.Priority(r.Priority),
		Progress: r.Progress, Stage: r.Stage, CreatedAt: r.JobCreatedAt, UpdatedAt: r.JobUpdatedAt,
		StartedAt: r.StartedAt, CompletedAt: r.CompletedAt, FailedAt: r.FailedAt, CancelledAt: r.CancelledAt,
		RetryCount: r.RetryCount, MaxRetries: r.MaxRetries, ErrorMessage: r.ErrorMessage, ErrorStack: r.ErrorStack,
		TimedOut: r.TimedOut, CancelReason: r.CancelReason, WorkerID: r.WorkerID, NodeID: r.NodeID,
		OutputData: plainMap(r.OutputData), Throughput: r.Throughput,
		RecordsProcessed: r.RecordsProcessed, TotalRecords: r.TotalRecords, EstimatedCompletionTime: r.ETA,
	}
	if in := plainMap(r.InputParams); in != nil {
		j.InputParams.Type, _ = in["type"].(string)
		j.InputParams.Params, _ = in["params"].(map[string]any)
	}
	if len(r.Resource) > 0 {
		var ru model.ResourceUsage
		if err := json.Unmarshal(r.Resource, &ru); err == nil {
			j.ResourceUsage = &ru
		}
	}
	return j
}

// plainMap 把 JSONMap 读出的 json.Number 还原为 float64，与内存中的取值类型一致。
func plainMap(m datatypes.JSONMap) map[string]any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(map[string]any(m))
	if err != nil {
		return map[string]any(m)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any(m)
	}
	return out
}
