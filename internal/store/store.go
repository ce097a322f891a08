// Package store defines the persistence contracts for jobs and schedules.
// Two drivers implement them: store/postgres (durable) and store/memory
// (development and tests, with an optional JSON snapshot file).
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/clusterforge/hatest/internal/domain"
)

var (
	// ErrDuplicateJob is returned when creating a job whose id already exists.
	ErrDuplicateJob = errors.New("job id already exists")

	// ErrDuplicateSchedule is returned when creating a schedule whose id
	// already exists.
	ErrDuplicateSchedule = errors.New("schedule id already exists")

	// ErrScheduleNotFound is returned by UpdateSchedule for unknown ids.
	// Schedule identity is externally managed via the API, so a missing
	// row on update is a caller error, unlike UpdateJob which tolerates it.
	ErrScheduleNotFound = errors.New("schedule not found")
)

// HistoryFilter narrows GetJobHistory. Zero values mean "no filter".
type HistoryFilter struct {
	WorkspaceID string
	ScheduleID  *uuid.UUID
	Status      domain.JobStatus
	Limit       int
	Days        int // only jobs completed within the last N days
}

// JobStore persists jobs. Writes are serialized by the implementation;
// reads may run concurrently.
type JobStore interface {
	// CreateJob persists a new job. Fails with ErrDuplicateJob if the id
	// already exists.
	CreateJob(ctx context.Context, job *domain.Job) error

	// GetJob returns the job or (nil, nil) if the id is unknown.
	GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error)

	// UpdateJob overwrites the persisted record. A missing id is a silent
	// no-op (logged at debug level): the worker may race a deletion or a
	// restart, and losing that race must not fail the execution path.
	UpdateJob(ctx context.Context, job *domain.Job) error

	// GetActiveJobs returns all non-terminal jobs, optionally filtered by
	// workspace ("" = all workspaces).
	GetActiveJobs(ctx context.Context, workspaceID string) ([]*domain.Job, error)

	// GetActiveJobForWorkspace returns the at most one active job holding
	// the workspace, or (nil, nil).
	GetActiveJobForWorkspace(ctx context.Context, workspaceID string) (*domain.Job, error)

	// HasActiveJob reports whether a workspace has a non-terminal job.
	HasActiveJob(ctx context.Context, workspaceID string) (bool, error)

	// GetJobHistory returns terminal jobs newest-first.
	GetJobHistory(ctx context.Context, filter HistoryFilter) ([]*domain.Job, error)
}

// ScheduleStore persists schedules.
type ScheduleStore interface {
	// CreateSchedule fails with ErrDuplicateSchedule on an existing id.
	CreateSchedule(ctx context.Context, schedule *domain.Schedule) error

	// GetSchedule returns the schedule or (nil, nil) if unknown.
	GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error)

	// ListSchedules returns all schedules, or only enabled ones.
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*domain.Schedule, error)

	// UpdateSchedule overwrites an existing record. Fails with
	// ErrScheduleNotFound if the id does not exist.
	UpdateSchedule(ctx context.Context, schedule *domain.Schedule) error

	// DeleteSchedule removes a schedule, reporting whether a record existed.
	DeleteSchedule(ctx context.Context, id uuid.UUID) (bool, error)
}

// GetEnabledSchedules is a convenience over ListSchedules(enabledOnly=true).
func GetEnabledSchedules(ctx context.Context, s ScheduleStore) ([]*domain.Schedule, error) {
	return s.ListSchedules(ctx, true)
}
