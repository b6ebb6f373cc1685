package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"InboxScheduler/internal/models"
	"InboxScheduler/internal/scheduler"
)

const maxListLimit = 500

// Scheduler is the part of the scheduler the HTTP API drives.
type Scheduler interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (models.EmailJob, error)
	GetJob(ctx context.Context, id string) (models.EmailJob, error)
	ListJobs(ctx context.Context, filter models.ListFilter) ([]models.EmailJob, error)
	Cancel(ctx context.Context, id string) (models.EmailJob, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	Sched    Scheduler
	Log      *zap.Logger
	validate *validator.Validate
}

func NewHandler(sched Scheduler, log *zap.Logger) *Handler {
	return &Handler{
		Sched:    sched,
		Log:      log,
		validate: validator.New(),
	}
}

type scheduleRequest struct {
	Subject     string     `json:"subject" validate:"required,max=998"`
	Body        string     `json:"body"`
	Recipients  []string   `json:"recipients" validate:"required,min=1,dive,required"`
	ScheduledAt *time.Time `json:"scheduledAt" validate:"required"`
}

// Schedule handles POST /schedule.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest

	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	job, err := h.Sched.Submit(r.Context(), scheduler.SubmitRequest{
		Subject:     req.Subject,
		Body:        req.Body,
		Recipients:  req.Recipients,
		ScheduledAt: *req.ScheduledAt,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

// ListJobs handles GET /jobs?status=PENDING,FAILED&limit=50.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	jobs, err := h.Sched.ListJobs(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.EmailJob{}
	}

	writeJSON(w, http.StatusOK, jobs)
}

// GetJob handles GET /jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Sched.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// CancelJob handles DELETE /jobs/{id}.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.Sched.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Sched.Ping(ctx); err != nil {
		h.Log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, code, "an unexpected error occurred")
		return
	}
	writeError(w, status, code, err.Error())
}

func parseFilter(r *http.Request) (models.ListFilter, error) {
	var filter models.ListFilter
	q := r.URL.Query()

	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			status := models.JobStatus(strings.ToUpper(strings.TrimSpace(s)))
			if status == "" {
				continue
			}
			if !status.Valid() {
				return filter, errors.New("unknown status " + strconv.Quote(s))
			}
			filter.Status = append(filter.Status, status)
		}
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = min(limit, maxListLimit)
	}

	return filter, nil
}
