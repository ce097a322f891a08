package api

import (
	"time"

	"github.com/clusterforge/hatest/internal/domain"
)

type CreateJobRequest struct {
	WorkspaceID string            `json:"workspace_id"`
	TestGroup   string            `json:"test_group,omitempty"`
	TestIDs     []string          `json:"test_ids,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type CancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

type JobResponse struct {
	ID          string            `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	ScheduleID  string            `json:"schedule_id,omitempty"`
	TestGroup   string            `json:"test_group,omitempty"`
	TestIDs     []string          `json:"test_ids,omitempty"`
	Status      string            `json:"status"`
	Error       string            `json:"error,omitempty"`
	Result      map[string]any    `json:"result,omitempty"`
	Events      []domain.JobEvent `json:"events,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
	StartedAt   string            `json:"started_at,omitempty"`
	CompletedAt string            `json:"completed_at,omitempty"`
	DurationMS  int64             `json:"duration_ms,omitempty"`
}

type ScheduleRequest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	CronExpression string   `json:"cron_expression"`
	Timezone       string   `json:"timezone,omitempty"`
	WorkspaceIDs   []string `json:"workspace_ids"`
	TestGroup      string   `json:"test_group,omitempty"`
	TestIDs        []string `json:"test_ids,omitempty"`
	Enabled        *bool    `json:"enabled,omitempty"` // default true on create
}

type ScheduleResponse struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	CronExpression string   `json:"cron_expression"`
	Timezone       string   `json:"timezone"`
	WorkspaceIDs   []string `json:"workspace_ids"`
	TestGroup      string   `json:"test_group,omitempty"`
	TestIDs        []string `json:"test_ids,omitempty"`
	Enabled        bool     `json:"enabled"`
	NextRunTime    string   `json:"next_run_time,omitempty"`
	LastRunTime    string   `json:"last_run_time,omitempty"`
	LastRunJobIDs  []string `json:"last_run_job_ids,omitempty"`
	TotalRuns      int      `json:"total_runs"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

type TriggerResponse struct {
	JobIDs []string `json:"job_ids"`
}

type ListJobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ListSchedulesResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func jobResponse(job *domain.Job, withEvents bool) JobResponse {
	resp := JobResponse{
		ID:          job.ID.String(),
		WorkspaceID: job.WorkspaceID,
		TestGroup:   job.TestGroup,
		TestIDs:     job.TestIDs,
		Status:      string(job.Status),
		Error:       job.Error,
		Result:      job.Result,
		Metadata:    job.Metadata,
		CreatedAt:   formatTime(job.CreatedAt),
		StartedAt:   formatTimePtr(job.StartedAt),
		CompletedAt: formatTimePtr(job.CompletedAt),
	}
	if job.ScheduleID != nil {
		resp.ScheduleID = job.ScheduleID.String()
	}
	if job.StartedAt != nil {
		resp.DurationMS = job.Duration().Milliseconds()
	}
	if withEvents {
		resp.Events = job.Events
	}
	return resp
}

func scheduleResponse(s *domain.Schedule) ScheduleResponse {
	resp := ScheduleResponse{
		ID:             s.ID.String(),
		Name:           s.Name,
		Description:    s.Description,
		CronExpression: s.CronExpression,
		Timezone:       s.Timezone,
		WorkspaceIDs:   s.WorkspaceIDs,
		TestGroup:      s.TestGroup,
		TestIDs:        s.TestIDs,
		Enabled:        s.Enabled,
		NextRunTime:    formatTimePtr(s.NextRunTime),
		LastRunTime:    formatTimePtr(s.LastRunTime),
		TotalRuns:      s.TotalRuns,
		CreatedAt:      formatTime(s.CreatedAt),
		UpdatedAt:      formatTime(s.UpdatedAt),
	}
	if resp.Timezone == "" {
		resp.Timezone = "UTC"
	}
	for _, id := range s.LastRunJobIDs {
		resp.LastRunJobIDs = append(resp.LastRunJobIDs, id.String())
	}
	return resp
}
