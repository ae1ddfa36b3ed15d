package model

import "time"

// AlertType 告警类型。
type AlertType string

const (
	AlertJobFailure     AlertType = "job_failure"
	AlertJobStuck       AlertType = "job_stuck"
	AlertSystemWarning  AlertType = "system_warning"
	AlertSystemCritical AlertType = "system_critical"
)

// Severity 告警级别。
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert 告警记录；Resolved 在显式处理前始终为 false。
type Alert struct {
	ID         string         `json:"id"`
	Type       AlertType      `json:"type"`
	Severity   Severity       `json:"severity"`
	JobID      string         `json:"jobId,omitempty"`
	JobType    string         `json:"jobType,omitempty"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Resolved   bool           `json:"resolved"`
	CreatedAt  time.Time      `json:"createdAt"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
}

// AlertStatistics 未处理告警按类型、级别分组的计数。
type AlertStatistics struct {
	Unresolved int               `json:"unresolved"`
	ByType     map[AlertType]int `json:"byType"`
	BySeverity map[Severity]int  `json:"bySeverity"`
}
