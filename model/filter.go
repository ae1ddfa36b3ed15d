package model

import "time"

// JobFilter 任务查询条件；空字段表示不过滤。
type JobFilter struct {
	IDs        []string   `json:"ids,omitempty"`
	Types      []string   `json:"types,omitempty"`
	Statuses   []Status   `json:"statuses,omitempty"`
	Priorities []Priority `json:"priorities,omitempty"`
	Since      time.Time  `json:"since,omitempty"` // CreatedAt >= Since
	Until      time.Time  `json:"until,omitempty"` // CreatedAt < Until
}

// Match 判断任务是否满足条件。
func (f JobFilter) Match(j *Job) bool {
	if len(f.IDs) > 0 && !contains(f.IDs, j.ID) {
		return false
	}
	if len(f.Types) > 0 && !contains(f.Types, j.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !contains(f.Statuses, j.Status) {
		return false
	}
	if len(f.Priorities) > 0 && !contains(f.Priorities, j.Priority) {
		return false
	}
	if !f.Since.IsZero() && j.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !j.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// AlertFilter 告警查询条件。
type AlertFilter struct {
	Types      []AlertType `json:"types,omitempty"`
	Severities []Severity  `json:"severities,omitempty"`
	JobID      string      `json:"jobId,omitempty"`
	Resolved   *bool       `json:"resolved,omitempty"`
}

// Match 判断告警是否满足条件。
func (f AlertFilter) Match(a *Alert) bool {
	if len(f.Types) > 0 && !contains(f.Types, a.Type) {
		return false
	}
	if len(f.Severities) > 0 && !contains(f.Severities, a.Severity) {
		return false
	}
	if f.JobID != "" && f.JobID != a.JobID {
		return false
	}
	if f.Resolved != nil && *f.Resolved != a.Resolved {
		return false
	}
	return true
}

// Page 分页参数；Limit<=0 表示不限制。
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// PageResult 分页结果。
type PageResult[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

// Paginate 对已排序的结果切片分页。
func Paginate[T any](items []T, p Page) PageResult[T] {
	total := len(items)
	start := p.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if p.Limit > 0 && start+p.Limit < total {
		end = start + p.Limit
	}
	out := make([]T, end-start)
	copy(out, items[start:end])
	return PageResult[T]{Items: out, Total: total}
}

func contains[T comparable](list []T, v T) bool {
	for _, it := range list {
		if it == v {
			return true
		}
	}
	return false
}
