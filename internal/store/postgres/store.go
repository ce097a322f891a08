// Package postgres implements store.JobStore and store.ScheduleStore on
// PostgreSQL via database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/clusterforge/hatest/internal/domain"
	"github.com/clusterforge/hatest/internal/store"
)

// Store implements both persistence contracts on one connection pool.
// Postgres serializes the writes; readers run concurrently.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL-backed store with the given connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	result, eventsJSON, metadataJSON, err := marshalJobBlobs(job)
	if err != nil {
		return err
	}

	var scheduleID any
	if job.ScheduleID != nil {
		scheduleID = *job.ScheduleID
	}

	_, err = s.db.ExecContext(ctx, queryInsertJob,
		job.ID,
		job.WorkspaceID,
		scheduleID,
		job.TestGroup,
		pq.Array(job.TestIDs),
		string(job.Status),
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.Error,
		result,
		eventsJSON,
		metadataJSON,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", store.ErrDuplicateJob, job.ID)
		}
		return err
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, queryGetJob, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) UpdateJob(ctx context.Context, job *domain.Job) error {
	result, eventsJSON, metadataJSON, err := marshalJobBlobs(job)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, queryUpdateJob,
		job.ID,
		string(job.Status),
		job.StartedAt,
		job.CompletedAt,
		job.Error,
		result,
		eventsJSON,
		metadataJSON,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		log.Printf("store: update for unknown job %s ignored", job.ID)
	}
	return nil
}

func (s *Store) GetActiveJobs(ctx context.Context, workspaceID string) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, queryGetActiveJobs, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Store) GetActiveJobForWorkspace(ctx context.Context, workspaceID string) (*domain.Job, error) {
	jobs, err := s.GetActiveJobs(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

func (s *Store) HasActiveJob(ctx context.Context, workspaceID string) (bool, error) {
	job, err := s.GetActiveJobForWorkspace(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	return job != nil, nil
}

func (s *Store) GetJobHistory(ctx context.Context, filter store.HistoryFilter) ([]*domain.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var scheduleID any
	if filter.ScheduleID != nil {
		scheduleID = *filter.ScheduleID
	}
	var cutoff any
	if filter.Days > 0 {
		cutoff = time.Now().UTC().AddDate(0, 0, -filter.Days)
	}

	rows, err := s.db.QueryContext(ctx, queryGetJobHistory,
		filter.WorkspaceID, scheduleID, string(filter.Status), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Store) CreateSchedule(ctx context.Context, schedule *domain.Schedule) error {
	_, err := s.db.ExecContext(ctx, queryInsertSchedule,
		schedule.ID,
		schedule.Name,
		schedule.Description,
		schedule.CronExpression,
		schedule.Timezone,
		pq.Array(schedule.WorkspaceIDs),
		schedule.TestGroup,
		pq.Array(schedule.TestIDs),
		schedule.Enabled,
		schedule.NextRunTime,
		schedule.LastRunTime,
		pq.Array(uuidStrings(schedule.LastRunJobIDs)),
		schedule.TotalRuns,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", store.ErrDuplicateSchedule, schedule.ID)
		}
		return err
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, queryGetSchedule, id)
	schedule, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return schedule, nil
}

func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]*domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, queryListSchedules, enabledOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*domain.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, schedule)
	}
	return result, rows.Err()
}

func (s *Store) UpdateSchedule(ctx context.Context, schedule *domain.Schedule) error {
	res, err := s.db.ExecContext(ctx, queryUpdateSchedule,
		schedule.ID,
		schedule.Name,
		schedule.Description,
		schedule.CronExpression,
		schedule.Timezone,
		pq.Array(schedule.WorkspaceIDs),
		schedule.TestGroup,
		pq.Array(schedule.TestIDs),
		schedule.Enabled,
		schedule.NextRunTime,
		schedule.LastRunTime,
		pq.Array(uuidStrings(schedule.LastRunJobIDs)),
		schedule.TotalRuns,
		schedule.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrScheduleNotFound, schedule.ID)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, queryDeleteSchedule, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*domain.Job, error) {
	var (
		job          domain.Job
		scheduleID   uuid.NullUUID
		status       string
		resultJSON   []byte
		eventsJSON   []byte
		metadataJSON []byte
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)

	err := sc.Scan(
		&job.ID,
		&job.WorkspaceID,
		&scheduleID,
		&job.TestGroup,
		pq.Array(&job.TestIDs),
		&status,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&job.Error,
		&resultJSON,
		&eventsJSON,
		&metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	if scheduleID.Valid {
		id := scheduleID.UUID
		job.ScheduleID = &id
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if err := json.Unmarshal(eventsJSON, &job.Events); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	job.CreatedAt = job.CreatedAt.UTC()
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*domain.Job, error) {
	var result []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

func scanSchedule(sc scanner) (*domain.Schedule, error) {
	var (
		schedule    domain.Schedule
		nextRun     sql.NullTime
		lastRun     sql.NullTime
		lastRunJobs []string
	)

	err := sc.Scan(
		&schedule.ID,
		&schedule.Name,
		&schedule.Description,
		&schedule.CronExpression,
		&schedule.Timezone,
		pq.Array(&schedule.WorkspaceIDs),
		&schedule.TestGroup,
		pq.Array(&schedule.TestIDs),
		&schedule.Enabled,
		&nextRun,
		&lastRun,
		pq.Array(&lastRunJobs),
		&schedule.TotalRuns,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if nextRun.Valid {
		t := nextRun.Time.UTC()
		schedule.NextRunTime = &t
	}
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		schedule.LastRunTime = &t
	}
	for _, raw := range lastRunJobs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse last run job id %q: %w", raw, err)
		}
		schedule.LastRunJobIDs = append(schedule.LastRunJobIDs, id)
	}
	schedule.CreatedAt = schedule.CreatedAt.UTC()
	schedule.UpdatedAt = schedule.UpdatedAt.UTC()
	return &schedule, nil
}

func marshalJobBlobs(job *domain.Job) (result, events, metadata []byte, err error) {
	if job.Result != nil {
		result, err = json.Marshal(job.Result)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	events, err = json.Marshal(job.Events)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal events: %w", err)
	}
	if job.Events == nil {
		events = []byte("[]")
	}
	meta := job.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metadata, err = json.Marshal(meta)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return result, events, metadata, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// isDuplicateKeyError checks for a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key")
}
