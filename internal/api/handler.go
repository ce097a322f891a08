// Package api exposes the HTTP surface: ad-hoc job submission, job
// inspection and cancellation, event streaming, run history, and
// schedule CRUD.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clusterforge/hatest/internal/domain"
	"github.com/clusterforge/hatest/internal/scheduler"
	"github.com/clusterforge/hatest/internal/store"
	"github.com/clusterforge/hatest/internal/worker"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Event stream bounds.
const (
	defaultStreamTimeout = 30 * time.Second
	maxStreamTimeout     = 5 * time.Minute
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// JobRunner is the worker surface the API needs.
type JobRunner interface {
	Submit(ctx context.Context, job *domain.Job) error
	Cancel(jobID uuid.UUID, reason string) bool
	Events(jobID uuid.UUID, timeout time.Duration) <-chan domain.JobEvent
}

// ScheduleTrigger fires a schedule outside its cadence.
type ScheduleTrigger interface {
	TriggerNow(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
}

// NextComputer recomputes a schedule's next fire time.
type NextComputer interface {
	Next(expression, timezone string, after time.Time) (time.Time, error)
}

// HealthChecker provides database health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	jobs      store.JobStore
	schedules store.ScheduleStore
	runner    JobRunner
	trigger   ScheduleTrigger
	parser    NextComputer
	db        HealthChecker
	clock     func() time.Time
}

func NewHandler(jobs store.JobStore, schedules store.ScheduleStore, runner JobRunner, trigger ScheduleTrigger, parser NextComputer) *Handler {
	return &Handler{
		jobs:      jobs,
		schedules: schedules,
		runner:    runner,
		trigger:   trigger,
		parser:    parser,
		clock:     time.Now,
	}
}

// WithHealthChecker sets the database health checker for verbose /health responses.
func (h *Handler) WithHealthChecker(db HealthChecker) *Handler {
	h.db = db
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/jobs" && r.Method == http.MethodPost:
		h.submitJob(w, r)

	case path == "/jobs" && r.Method == http.MethodGet:
		h.listActiveJobs(w, r)

	case path == "/history" && r.Method == http.MethodGet:
		h.listHistory(w, r)

	case strings.HasPrefix(path, "/jobs/") && strings.HasSuffix(path, "/cancel") && r.Method == http.MethodPost:
		h.cancelJob(w, r)

	case strings.HasPrefix(path, "/jobs/") && strings.HasSuffix(path, "/events") && r.Method == http.MethodGet:
		h.streamEvents(w, r)

	case strings.HasPrefix(path, "/jobs/") && r.Method == http.MethodGet:
		h.getJob(w, r)

	case path == "/schedules" && r.Method == http.MethodPost:
		h.createSchedule(w, r)

	case path == "/schedules" && r.Method == http.MethodGet:
		h.listSchedules(w, r)

	case strings.HasPrefix(path, "/schedules/") && strings.HasSuffix(path, "/trigger") && r.Method == http.MethodPost:
		h.triggerSchedule(w, r)

	case strings.HasPrefix(path, "/schedules/") && r.Method == http.MethodGet:
		h.getSchedule(w, r)

	case strings.HasPrefix(path, "/schedules/") && r.Method == http.MethodPut:
		h.updateSchedule(w, r)

	case strings.HasPrefix(path, "/schedules/") && r.Method == http.MethodDelete:
		h.deleteSchedule(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || h.db == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		resp.Status = "degraded"
		resp.Components["database"] = "unhealthy: " + err.Error()
	} else {
		resp.Components["database"] = "healthy"
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

func (h *Handler) submitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := validateCreateJob(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := domain.NewJob(req.WorkspaceID, req.TestGroup, req.TestIDs)
	job.Metadata["trigger"] = "manual"
	for k, v := range req.Metadata {
		job.Metadata[k] = v
	}

	if err := h.runner.Submit(r.Context(), job); err != nil {
		var lockErr *worker.WorkspaceLockError
		if errors.As(err, &lockErr) {
			writeError(w, http.StatusConflict, lockErr.Error())
			return
		}
		log.Printf("api: submit job error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	writeJSON(w, http.StatusCreated, jobResponse(job, false))
}

func (h *Handler) listActiveJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.GetActiveJobs(r.Context(), r.URL.Query().Get("workspace_id"))
	if err != nil {
		log.Printf("api: list active jobs error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = jobResponse(job, false)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(w, r.URL.Path, "jobs")
	if !ok {
		return
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		log.Printf("api: get job error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, jobResponse(job, true))
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathAction(w, r.URL.Path, "jobs", "cancel")
	if !ok {
		return
	}

	var req CancelJobRequest
	if r.Body != nil {
		// Body is optional; a bare POST means no reason given.
		_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req)
	}

	if h.runner.Cancel(jobID, req.Reason) {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		log.Printf("api: cancel job error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeError(w, http.StatusConflict, "job is not cancellable in status "+string(job.Status))
}

// streamEvents writes the job's live events as newline-delimited JSON.
// The stream ends on a terminal event or after ?timeout with no events.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathAction(w, r.URL.Path, "jobs", "events")
	if !ok {
		return
	}

	timeout := defaultStreamTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		if d > maxStreamTimeout {
			d = maxStreamTimeout
		}
		timeout = d
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for event := range h.runner.Events(jobID, timeout) {
		if err := enc.Encode(event); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := h.jobs.GetJobHistory(r.Context(), filter)
	if err != nil {
		log.Printf("api: list history error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobResponse, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = jobResponse(job, false)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validateSchedule(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clock().UTC()
	schedule := &domain.Schedule{
		ID:             uuid.New(),
		Name:           req.Name,
		Description:    req.Description,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		WorkspaceIDs:   req.WorkspaceIDs,
		TestGroup:      req.TestGroup,
		TestIDs:        req.TestIDs,
		Enabled:        req.Enabled == nil || *req.Enabled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if schedule.Enabled {
		next, err := h.parser.Next(schedule.CronExpression, schedule.Timezone, now)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cron_expression: "+err.Error())
			return
		}
		schedule.NextRunTime = &next
	}

	if err := h.schedules.CreateSchedule(r.Context(), schedule); err != nil {
		log.Printf("api: create schedule error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create schedule")
		return
	}

	writeJSON(w, http.StatusCreated, scheduleResponse(schedule))
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"

	schedules, err := h.schedules.ListSchedules(r.Context(), enabledOnly)
	if err != nil {
		log.Printf("api: list schedules error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}

	resp := ListSchedulesResponse{Schedules: make([]ScheduleResponse, len(schedules))}
	for i, schedule := range schedules {
		resp.Schedules[i] = scheduleResponse(schedule)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r.URL.Path, "schedules")
	if !ok {
		return
	}

	schedule, err := h.schedules.GetSchedule(r.Context(), id)
	if err != nil {
		log.Printf("api: get schedule error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get schedule")
		return
	}
	if schedule == nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}

	writeJSON(w, http.StatusOK, scheduleResponse(schedule))
}

func (h *Handler) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r.URL.Path, "schedules")
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := validateSchedule(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	schedule, err := h.schedules.GetSchedule(r.Context(), id)
	if err != nil {
		log.Printf("api: update schedule error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}
	if schedule == nil {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}

	schedule.Name = req.Name
	schedule.Description = req.Description
	schedule.CronExpression = req.CronExpression
	schedule.Timezone = req.Timezone
	schedule.WorkspaceIDs = req.WorkspaceIDs
	schedule.TestGroup = req.TestGroup
	schedule.TestIDs = req.TestIDs
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}

	if schedule.Enabled {
		next, err := h.parser.Next(schedule.CronExpression, schedule.Timezone, h.clock().UTC())
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid cron_expression: "+err.Error())
			return
		}
		schedule.NextRunTime = &next
	} else {
		schedule.NextRunTime = nil
	}
	schedule.Touch()

	if err := h.schedules.UpdateSchedule(r.Context(), schedule); err != nil {
		if errors.Is(err, store.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		log.Printf("api: update schedule error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to update schedule")
		return
	}

	writeJSON(w, http.StatusOK, scheduleResponse(schedule))
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r.URL.Path, "schedules")
	if !ok {
		return
	}

	found, err := h.schedules.DeleteSchedule(r.Context(), id)
	if err != nil {
		log.Printf("api: delete schedule error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "schedule not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAction(w, r.URL.Path, "schedules", "trigger")
	if !ok {
		return
	}

	jobIDs, err := h.trigger.TriggerNow(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrScheduleNotFound):
			writeError(w, http.StatusNotFound, "schedule not found")
		case errors.Is(err, scheduler.ErrScheduleDisabled):
			writeError(w, http.StatusConflict, "schedule is disabled")
		default:
			log.Printf("api: trigger schedule error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to trigger schedule")
		}
		return
	}

	resp := TriggerResponse{JobIDs: make([]string, len(jobIDs))}
	for i, jobID := range jobIDs {
		resp.JobIDs[i] = jobID.String()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// pathID extracts the uuid from /<resource>/{id}.
func pathID(w http.ResponseWriter, path, resource string) (uuid.UUID, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 || parts[0] != resource {
		writeError(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// pathAction extracts the uuid from /<resource>/{id}/<action>.
func pathAction(w http.ResponseWriter, path, resource, action string) (uuid.UUID, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != resource || parts[2] != action {
		writeError(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func parseHistoryFilter(r *http.Request) (store.HistoryFilter, error) {
	filter := store.HistoryFilter{
		WorkspaceID: r.URL.Query().Get("workspace_id"),
		Limit:       DefaultLimit,
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		switch domain.JobStatus(raw) {
		case domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled:
			filter.Status = domain.JobStatus(raw)
		default:
			return filter, errors.New("status must be completed, failed or cancelled")
		}
	}

	if raw := r.URL.Query().Get("schedule_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, errors.New("invalid schedule_id")
		}
		filter.ScheduleID = &id
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, errors.New("invalid limit")
		}
		if limit > MaxLimit {
			return filter, errors.New("limit exceeds maximum of " + strconv.Itoa(MaxLimit))
		}
		if limit > 0 {
			filter.Limit = limit
		}
	}

	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 0 {
			return filter, errors.New("invalid days")
		}
		filter.Days = days
	}

	return filter, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
