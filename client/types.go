package client

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/mengeric/jobcore/model"
)

// CommonResp 统一响应包装。
type CommonResp[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"` // not_found / invalid_state / validation / internal
}

// SubmitJobReq 提交任务请求体。
type SubmitJobReq struct {
	Type       string          `json:"type"`
	Priority   *model.Priority `json:"priority,omitempty"`
	Params     map[string]any  `json:"params,omitempty"`
	MaxRetries *int            `json:"maxRetries,omitempty"`
}

// SubmitJobResp 提交结果。
type SubmitJobResp struct {
	JobID string `json:"jobId"`
}

// ProgressReq 进度上报请求体；TotalRecords>0 时按记录数计算。
type ProgressReq struct {
	Progress         float64 `json:"progress"`
	Stage            string  `json:"stage,omitempty"`
	RecordsProcessed int64   `json:"recordsProcessed,omitempty"`
	TotalRecords     int64   `json:"totalRecords,omitempty"`
}

// CancelReq 取消请求体。
type CancelReq struct {
	Reason string `json:"reason,omitempty"`
}

// JobQuery 任务/历史查询条件。
type JobQuery struct {
	Statuses   []model.Status
	Types      []string
	Priorities []model.Priority
	Offset     int
	Limit      int
}

// Values 编码为查询参数。
func (q JobQuery) Values() url.Values {
	v := url.Values{}
	for _, s := range q.Statuses {
		v.Add("status", string(s))
	}
	for _, t := range q.Types {
		v.Add("type", t)
	}
	for _, p := range q.Priorities {
		v.Add("priority", p.String())
	}
	addPage(v, q.Offset, q.Limit)
	return v
}

// ParseJobQuery 从查询参数解析过滤与分页条件。
func ParseJobQuery(v url.Values) (model.JobFilter, model.Page, error) {
	var f model.JobFilter
	for _, s := range v["status"] {
		f.Statuses = append(f.Statuses, model.Status(s))
	}
	f.Types = v["type"]
	for _, s := range v["priority"] {
		p, err := model.ParsePriority(s)
		if err != nil {
			return f, model.Page{}, fmt.Errorf("%w: %v", model.ErrValidation, err)
		}
		f.Priorities = append(f.Priorities, p)
	}
	page, err := parsePage(v)
	return f, page, err
}

// AlertQuery 告警查询条件。
type AlertQuery struct {
	Types      []model.AlertType
	Severities []model.Severity
	JobID      string
	Resolved   *bool
	Offset     int
	Limit      int
}

// Values 编码为查询参数。
func (q AlertQuery) Values() url.Values {
	v := url.Values{}
	for _, t := range q.Types {
		v.Add("type", string(t))
	}
	for _, s := range q.Severities {
		v.Add("severity", string(s))
	}
	if q.JobID != "" {
		v.Set("jobId", q.JobID)
	}
	if q.Resolved != nil {
		v.Set("resolved", strconv.FormatBool(*q.Resolved))
	}
	addPage(v, q.Offset, q.Limit)
	return v
}

// ParseAlertQuery 从查询参数解析告警过滤与分页条件。
func ParseAlertQuery(v url.Values) (model.AlertFilter, model.Page, error) {
	var f model.AlertFilter
	for _, t := range v["type"] {
		f.Types = append(f.Types, model.AlertType(t))
	}
	for _, s := range v["severity"] {
		f.Severities = append(f.Severities, model.Severity(s))
	}
	f.JobID = v.Get("jobId")
	if s := v.Get("resolved"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, model.Page{}, fmt.Errorf("%w: resolved=%q", model.ErrValidation, s)
		}
		f.Resolved = &b
	}
	page, err := parsePage(v)
	return f, page, err
}

func addPage(v url.Values, offset, limit int) {
	if offset > 0 {
		v.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
}

func parsePage(v url.Values) (model.Page, error) {
	var p model.Page
	for name, dst := range map[string]*int{"offset": &p.Offset, "limit": &p.Limit} {
		s := v.Get(name)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return p, fmt.Errorf("%w: %s=%q", model.ErrValidation, name, s)
		}
		*dst = n
	}
	return p, nil
}
