package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	appai "github.com/seclab/scanhub/internal/application/ai"
	appreports "github.com/seclab/scanhub/internal/application/reports"
	appruns "github.com/seclab/scanhub/internal/application/runs"
	domai "github.com/seclab/scanhub/internal/domain/ai"
	domain "github.com/seclab/scanhub/internal/domain/runs"
	"github.com/seclab/scanhub/internal/middleware"
	render "github.com/seclab/scanhub/internal/reports"
)

type Router struct {
	runsSvc    *appruns.Service
	reportsSvc *appreports.Service
	aiSvc      *appai.Service
}

func NewRouter(runsSvc *appruns.Service, reportsSvc *appreports.Service, aiSvc *appai.Service) http.Handler {
	r := &Router{runsSvc: runsSvc, reportsSvc: reportsSvc, aiSvc: aiSvc}
	mux := chi.NewRouter()

	mux.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	mux.Route("/v1/{tenant}", func(rt chi.Router) {
		rt.Post("/runs", r.wrap(r.handleSubmitRun))
		rt.Get("/runs/latest", r.wrap(r.handleLatest))
		rt.Get("/runs/{id}", r.wrap(r.handleGetRun))
		rt.Post("/runs/{id}/cancel", r.wrap(r.handleCancelRun))
		rt.Delete("/runs/{id}", r.wrap(r.handleDeleteRun))
		rt.Get("/tasks/{id}/report", r.wrap(r.handleTaskReport))
		rt.Get("/tasks/{id}/logs", r.wrap(r.handleTaskLogs))
		rt.Post("/ai/analyze", r.wrap(r.handleAIAnalyze))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// wrap maps domain errors to HTTP status codes; submission errors are
// synchronous and descriptive, execution errors only ever surface
// through polling.
func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		err := h(w, req)
		if err == nil {
			return
		}

		var vErr *domain.ValidationError
		var sErr *domain.StorageError
		switch {
		case errors.As(err, &vErr):
			http.Error(w, vErr.Error(), http.StatusBadRequest)
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrReportNotReady):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, domain.ErrNotCancellable):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.As(err, &sErr):
			// retryable for the caller
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, domai.ErrQuotaExceeded):
			http.Error(w, "ai quota exceeded", http.StatusTooManyRequests)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// tenant resolves the route tenant and, when auth is enabled, enforces
// that it matches the authenticated tenant.
func tenant(req *http.Request) (string, error) {
	t := chi.URLParam(req, "tenant")
	if err := middleware.ValidateTenantID(t); err != nil {
		return "", domain.Validationf("%v", err)
	}
	if authT := middleware.GetTenantFromContext(req.Context()); authT != "" && authT != t {
		return "", domain.Validationf("tenant %q does not match API key", t)
	}
	return t, nil
}

func taskIDParam(req *http.Request) (domain.TaskID, error) {
	id, err := strconv.ParseInt(chi.URLParam(req, "id"), 10, 64)
	if err != nil {
		return 0, domain.Validationf("invalid task id")
	}
	return domain.TaskID(id), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// POST /v1/{tenant}/runs
func (r *Router) handleSubmitRun(w http.ResponseWriter, req *http.Request) error {
	ten, err := tenant(req)
	if err != nil {
		return err
	}

	var body struct {
		UserID      string   `json:"user_id"`
		Module      string   `json:"module"`
		TargetType  string   `json:"target_type"`
		TargetValue string   `json:"target_value"`
		Tools       []string `json:"tools"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return domain.Validationf("invalid request body: %v", err)
	}
	if body.TargetType == "url" {
		if err := middleware.ValidateTargetURL(body.TargetValue); err != nil {
			return domain.Validationf("%v", err)
		}
	}

	run, err := r.runsSvc.SubmitRun(req.Context(), appruns.SubmitCommand{
		TenantID:    ten,
		UserID:      body.UserID,
		Module:      body.Module,
		TargetType:  body.TargetType,
		TargetValue: body.TargetValue,
		Tools:       body.Tools,
	})
	if err != nil {
		return err
	}

	middleware.IncrementRuns()
	return writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	})
}

// GET /v1/{tenant}/runs/{id}
func (r *Router) handleGetRun(w http.ResponseWriter, req *http.Request) error {
	ten, err := tenant(req)
	if err != nil {
		return err
	}
	id := domain.RunID(chi.URLParam(req, "id"))

	run, err := r.runsSvc.GetRun(req.Context(), ten, id)
	if err != nil {
		return err
	}
	tasks, err := r.runsSvc.GetTasks(req.Context(), ten, id)
	if err != nil {
		return err
	}

	type taskView struct {
		TaskID   domain.TaskID `json:"task_id"`
		Tool     domain.Tool   `json:"tool"`
		Status   domain.Status `json:"status"`
		Progress int           `json:"progress"`
		Error    string        `json:"error,omitempty"`
	}
	views := make([]taskView, len(tasks))
	for i, t := range tasks {
		views[i] = taskView{
			TaskID:   t.ID,
			Tool:     t.Tool,
			Status:   t.Status,
			Progress: t.Progress,
			Error:    t.Metadata["error"],
		}
	}

	return writeJSON(w, http.StatusOK, map[string]any{
		"run_id":       run.ID,
		"module":       run.Module,
		"target_type":  run.TargetType,
		"target_value": run.TargetValue,
		"status":       run.Status,
		"started_at":   run.StartedAt,
		"finished_at":  run.FinishedAt,
		"tasks":        views,
	})
}

// GET /v1/{tenant}/runs/latest?limit=20
func (r *Router) handleLatest(w http.ResponseWriter, req *http.Request) error {
	ten, err := tenant(req)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	limit = middleware.ValidateLimit(limit, 20, 100)

	list, err := r.runsSvc.Latest(req.Context(), ten, limit)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, list)
}

// POST /v1/{tenant}/runs/{id}/cancel
func (r *Router) handleCancelRun(w http.ResponseWriter, req *http.Request) error {
	ten, err := tenant(req)
	if err != nil {
		return err
	}
	id := domain.RunID(chi.URLParam(req, "id"))

	run, err := r.runsSvc.CancelRun(req.Context(), ten, id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"run_id": run.ID,
		"status": run.Status,
	})
}

// DELETE /v1/{tenant}/runs/{id}
func (r *Router) handleDeleteRun(w http.ResponseWriter, req *http.Request) error {
	ten, err := tenant(req)
	if err != nil {
		return err
	}
	id := domain.RunID(chi.URLParam(req, "id"))

	if err := r.runsSvc.DeleteRun(req.Context(), ten, id); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// GET /v1/{tenant}/tasks/{id}/report?format=json|html
func (r *Router) handleTaskReport(w http.ResponseWriter, req *http.Request) error {
	ten, err := tenant(req)
	if err != nil {
		return err
	}
	id, err := taskIDParam(req)
	if err != nil {
		return err
	}
	format, err := render.ParseFormat(req.URL.Query().Get("format"))
	if err != nil {
		return domain.Validationf("%v", err)
	}

	data, contentType, err := r.reportsSvc.FetchReport(req.Context(), ten, id, format)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", contentType)
	_, err = w.Write(data)
	return err
}

// GET /v1/{tenant}/tasks/{id}/logs
func (r *Router) handleTaskLogs(w http.ResponseWriter, req *http.Request) error {
	ten, err := tenant(req)
	if err != nil {
		return err
	}
	id, err := taskIDParam(req)
	if err != nil {
		return err
	}

	data, err := r.reportsSvc.FetchLogs(req.Context(), ten, id)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err = w.Write(data)
	return err
}

// POST /v1/{tenant}/ai/analyze
// Body: {"task_id": <id>}
func (r *Router) handleAIAnalyze(w http.ResponseWriter, req *http.Request) error {
	if r.aiSvc == nil {
		return fmt.Errorf("ai analysis is not configured")
	}
	ten, err := tenant(req)
	if err != nil {
		return err
	}

	var body struct {
		TaskID int64 `json:"task_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return domain.Validationf("invalid request body: %v", err)
	}
	if body.TaskID == 0 {
		return domain.Validationf("task_id is required")
	}

	result, err := r.aiSvc.AnalyzeTask(req.Context(), ten, domain.TaskID(body.TaskID))
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write([]byte(result))
	return err
}
