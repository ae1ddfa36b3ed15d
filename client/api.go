// Package client 是任务服务 HTTP 接口的调用端，命令行工具通过它访问运行中的服务。
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mengeric/jobcore/logging"
	"github.com/mengeric/jobcore/metrics"
	"github.com/mengeric/jobcore/model"
	"github.com/mengeric/jobcore/queue"
)

// API 任务服务接口，便于 gomock 打桩。
type API interface {
	SubmitJob(ctx context.Context, req SubmitJobReq) (string, error)
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListJobs(ctx context.Context, q JobQuery) (model.PageResult[model.Job], error)
	CancelJob(ctx context.Context, id, reason string) (model.Job, error)
	ListHistory(ctx context.Context, q JobQuery) (model.PageResult[model.HistoryEntry], error)
	ListAlerts(ctx context.Context, q AlertQuery) (model.PageResult[model.Alert], error)
	ResolveAlert(ctx context.Context, id string) (model.Alert, error)
	AlertStatistics(ctx context.Context) (model.AlertStatistics, error)
	JobMetrics(ctx context.Context) (metrics.JobMetrics, error)
	QueueStats(ctx context.Context) (queue.Stats, error)
}

// httpAPI 实现 API。
type httpAPI struct {
	base string
	hc   *http.Client
}

// NewHTTP 构造 HTTP 实现；addr 形如 127.0.0.1:28080 或完整的 http(s) 地址。
func NewHTTP(addr string) API {
	base := strings.TrimRight(addr, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &httpAPI{base: base + "/api", hc: &http.Client{Timeout: 8 * time.Second}}
}

// SubmitJob 提交任务。
func (h *httpAPI) SubmitJob(ctx context.Context, req SubmitJobReq) (string, error) {
	var resp CommonResp[SubmitJobResp]
	if err := h.do(ctx, http.MethodPost, "/jobs", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.Data.JobID, nil
}

// GetJob 查询任务。
func (h *httpAPI) GetJob(ctx context.Context, id string) (model.Job, error) {
	var resp CommonResp[model.Job]
	err := h.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil, &resp)
	return resp.Data, err
}

// ListJobs 分页查询任务。
func (h *httpAPI) ListJobs(ctx context.Context, q JobQuery) (model.PageResult[model.Job], error) {
	var resp CommonResp[model.PageResult[model.Job]]
	err := h.do(ctx, http.MethodGet, "/jobs", q.Values(), nil, &resp)
	return resp.Data, err
}

// CancelJob 取消任务。
func (h *httpAPI) CancelJob(ctx context.Context, id, reason string) (model.Job, error) {
	var resp CommonResp[model.Job]
	err := h.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, CancelReq{Reason: reason}, &resp)
	return resp.Data, err
}

// ListHistory 分页查询历史。
func (h *httpAPI) ListHistory(ctx context.Context, q JobQuery) (model.PageResult[model.HistoryEntry], error) {
	var resp CommonResp[model.PageResult[model.HistoryEntry]]
	err := h.do(ctx, http.MethodGet, "/history", q.Values(), nil, &resp)
	return resp.Data, err
}

// ListAlerts 分页查询告警。
func (h *httpAPI) ListAlerts(ctx context.Context, q AlertQuery) (model.PageResult[model.Alert], error) {
	var resp CommonResp[model.PageResult[model.Alert]]
	err := h.do(ctx, http.MethodGet, "/alerts", q.Values(), nil, &resp)
	return resp.Data, err
}

// ResolveAlert 处理告警。
func (h *httpAPI) ResolveAlert(ctx context.Context, id string) (model.Alert, error) {
	var resp CommonResp[model.Alert]
	err := h.do(ctx, http.MethodPost, "/alerts/"+url.PathEscape(id)+"/resolve", nil, nil, &resp)
	return resp.Data, err
}

// AlertStatistics 未处理告警统计。
func (h *httpAPI) AlertStatistics(ctx context.Context) (model.AlertStatistics, error) {
	var resp CommonResp[model.AlertStatistics]
	err := h.do(ctx, http.MethodGet, "/alerts/stats", nil, nil, &resp)
	return resp.Data, err
}

// JobMetrics 任务执行统计。
func (h *httpAPI) JobMetrics(ctx context.Context) (metrics.JobMetrics, error) {
	var resp CommonResp[metrics.JobMetrics]
	err := h.do(ctx, http.MethodGet, "/metrics/jobs", nil, nil, &resp)
	return resp.Data, err
}

// QueueStats 派发器统计。
func (h *httpAPI) QueueStats(ctx context.Context) (queue.Stats, error) {
	var resp CommonResp[queue.Stats]
	err := h.do(ctx, http.MethodGet, "/queue/stats", nil, nil, &resp)
	return resp.Data, err
}

// respEnvelope 只解析包装字段，用于错误路径。
type respEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// do 执行请求并解码统一响应；非 2xx 或 success=false 时还原为领域错误。
func (h *httpAPI) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := h.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := h.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}

	var env respEnvelope
	_ = json.Unmarshal(raw, &env)
	if res.StatusCode/100 != 2 || !env.Success {
		msg := env.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if s := sentinel(env.Code); s != nil {
			return fmt.Errorf("%w: %s %s: %s", s, method, path, msg)
		}
		return fmt.Errorf("%s %s => %d: %s", method, path, res.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// SafeLogErr 打印但不打断流程。
func SafeLogErr(err error, msg string) {
	if err != nil {
		logging.L().Errorf(context.Background(), "%s: %v", msg, err)
	}
}
