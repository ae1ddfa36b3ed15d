// Package httpapi 通过 HTTP 与 websocket 暴露任务服务：REST 查询/操作接口与实时推送。
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mengeric/jobcore/client"
	"github.com/mengeric/jobcore/jobcore"
	"github.com/mengeric/jobcore/logging"
	"github.com/mengeric/jobcore/model"
)

// Server HTTP 入口。
type Server struct {
	Svc *jobcore.Service
	Hub *Hub
}

// Router 组装路由。
func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.Hub != nil {
		r.Get("/ws", s.Hub.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/progress", s.handleProgress)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/history", s.handleHistory)
		r.Get("/alerts", s.handleListAlerts)
		r.Get("/alerts/stats", s.handleAlertStats)
		r.Post("/alerts/{id}/resolve", s.handleResolve)
		r.Get("/metrics/resources", s.handleResources)
		r.Get("/metrics/jobs", s.handleJobMetrics)
		r.Get("/metrics/percentile", s.handlePercentile)
		r.Get("/queue/stats", s.handleQueueStats)
	})
	return r
}

// requestLogger 以结构化日志记录每个请求。
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.L().Debug(r.Context(), "http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"elapsed", time.Since(start), "reqId", middleware.GetReqID(r.Context()))
	})
}

func (s Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req client.SubmitJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, fmt.Errorf("%w: decode body: %v", model.ErrValidation, err))
		return
	}
	id, err := s.Svc.SubmitJob(r.Context(), jobcore.SubmitRequest{
		Type: req.Type, Priority: req.Priority, Params: req.Params, MaxRetries: req.MaxRetries,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, client.SubmitJobResp{JobID: id})
}

func (s Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f, p, err := client.ParseJobQuery(r.URL.Query())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Svc.ListJobs(f, p))
}

func (s Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.Svc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req client.ProgressReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, fmt.Errorf("%w: decode body: %v", model.ErrValidation, err))
		return
	}
	id := chi.URLParam(r, "id")
	var (
		j   model.Job
		err error
	)
	if req.TotalRecords > 0 {
		j, err = s.Svc.UpdateRecords(id, req.RecordsProcessed, req.TotalRecords)
	} else {
		j, err = s.Svc.UpdateProgress(id, req.Progress, req.Stage)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req client.CancelReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, fmt.Errorf("%w: decode body: %v", model.ErrValidation, err))
			return
		}
	}
	j, err := s.Svc.CancelJob(chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	f, p, err := client.ParseJobQuery(r.URL.Query())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Svc.GetHistory(f, p))
}

func (s Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	f, p, err := client.ParseAlertQuery(r.URL.Query())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Svc.GetAlerts(f, p))
}

func (s Server) handleAlertStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Svc.GetAlertStatistics())
}

func (s Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	a, err := s.Svc.ResolveAlert(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s Server) handleResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Svc.GetResourceUsage(r.Context()))
}

func (s Server) handleJobMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Svc.GetJobMetrics())
}

func (s Server) handlePercentile(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("p")
	if raw == "" {
		raw = "95"
	}
	p, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		writeErr(w, fmt.Errorf("%w: p=%q", model.ErrValidation, raw))
		return
	}
	d, err := s.Svc.GetExecutionTimePercentile(p)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"p": p, "seconds": d.Seconds()})
}

func (s Server) handleQueueStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Svc.QueueStats())
}

// writeErr/JSON 公共返回工具。
func writeErr(w http.ResponseWriter, err error) {
	status, code := client.Classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(client.CommonResp[any]{Success: false, Message: err.Error(), Code: code})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(client.CommonResp[T]{Success: true, Data: v})
}
