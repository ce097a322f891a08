package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// TerminalStatuses lists the statuses a job can never leave.
var TerminalStatuses = []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}

// ErrTerminalState is returned when a transition is attempted out of a
// terminal status.
var ErrTerminalState = errors.New("job already in terminal state")

// Job is one execution attempt of a test group/set of tests against a
// workspace. Status moves one-directionally:
// pending -> running -> {completed, failed, cancelled}, plus
// pending -> cancelled for jobs cancelled before they start.
type Job struct {
	ID          uuid.UUID
	WorkspaceID string
	ScheduleID  *uuid.UUID // set when created by a schedule trigger

	TestGroup string
	TestIDs   []string

	Status      JobStatus
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	Error  string
	Result map[string]any

	Events   []JobEvent
	Metadata map[string]string
}

// NewJob creates a pending job for a workspace and records the CREATED event.
func NewJob(workspaceID, testGroup string, testIDs []string) *Job {
	now := time.Now().UTC()
	j := &Job{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		TestGroup:   testGroup,
		TestIDs:     testIDs,
		Status:      JobStatusPending,
		CreatedAt:   now,
		Metadata:    make(map[string]string),
	}
	j.appendEvent(EventCreated, fmt.Sprintf("job created for workspace %s", workspaceID), nil)
	return j
}

// Start moves the job from pending to running and stamps StartedAt.
func (j *Job) Start() error {
	if j.Status != JobStatusPending {
		if j.IsTerminal() {
			return ErrTerminalState
		}
		return fmt.Errorf("cannot start job in status %q", j.Status)
	}
	now := time.Now().UTC()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.appendEvent(EventStarted, "job started", nil)
	return nil
}

// Complete marks the job completed with the given result summary. Only
// a running job can complete. A job with failed steps still completes;
// only cancellation or an unhandled error outside the step loop
// produces another terminal status.
func (j *Job) Complete(result map[string]any, message string) error {
	if j.IsTerminal() {
		return ErrTerminalState
	}
	if j.Status != JobStatusRunning {
		return fmt.Errorf("cannot complete job in status %q", j.Status)
	}
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.Result = result
	if message == "" {
		message = "job completed"
	}
	j.appendEvent(EventCompleted, message, result)
	return nil
}

// Fail marks the job failed and records the error. Allowed from pending
// as well as running: the stale job sweep fails jobs that never reached
// a live executor.
func (j *Job) Fail(errMsg string) error {
	if j.IsTerminal() {
		return ErrTerminalState
	}
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	j.Error = errMsg
	j.appendEvent(EventFailed, errMsg, nil)
	return nil
}

// Cancel marks the job cancelled. Allowed from pending (cancel before
// start) and running.
func (j *Job) Cancel(reason string) error {
	if j.IsTerminal() {
		return ErrTerminalState
	}
	now := time.Now().UTC()
	j.Status = JobStatusCancelled
	j.CompletedAt = &now
	if reason == "" {
		reason = "cancelled"
	}
	j.Error = reason
	j.appendEvent(EventCancelled, reason, nil)
	return nil
}

// IsTerminal reports whether the job reached a final status.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Duration returns the wall-clock run time, measured to CompletedAt for
// finished jobs and to now for running ones. Zero if the job never started.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// AppendStepEvent records a step-level event on the job's event log.
func (j *Job) AppendStepEvent(typ EventType, message string, data map[string]any) {
	j.appendEvent(typ, message, data)
}

func (j *Job) appendEvent(typ EventType, message string, data map[string]any) {
	j.Events = append(j.Events, JobEvent{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Data:      data,
	})
}

// Clone returns a deep copy so stores can hand out values without
// sharing mutable slices and maps with the worker.
func (j *Job) Clone() *Job {
	c := *j
	c.TestIDs = append([]string(nil), j.TestIDs...)
	c.Events = append([]JobEvent(nil), j.Events...)
	if j.ScheduleID != nil {
		id := *j.ScheduleID
		c.ScheduleID = &id
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Result != nil {
		c.Result = make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			c.Result[k] = v
		}
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
