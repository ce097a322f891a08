// Package memory implements store.JobStore and store.ScheduleStore with
// in-process maps. An optional snapshot file makes state survive restarts
// for single-node development setups; production deployments use the
// postgres driver instead.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clusterforge/hatest/internal/domain"
	"github.com/clusterforge/hatest/internal/store"
)

// Store holds jobs and schedules behind a single RWMutex: one writer,
// concurrent readers.
type Store struct {
	mu        sync.RWMutex
	jobs      map[uuid.UUID]*domain.Job
	schedules map[uuid.UUID]*domain.Schedule

	snapshotPath string // "" disables snapshots
	clock        func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		jobs:      make(map[uuid.UUID]*domain.Job),
		schedules: make(map[uuid.UUID]*domain.Schedule),
		clock:     time.Now,
	}
}

// NewWithSnapshot creates a store that loads existing state from path and
// rewrites the snapshot after every mutation.
func NewWithSnapshot(path string) (*Store, error) {
	s := New()
	s.snapshotPath = path
	if err := s.loadSnapshot(); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return s, nil
}

func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", store.ErrDuplicateJob, job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	s.persistLocked()
	return nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

func (s *Store) UpdateJob(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; !exists {
		log.Printf("store: update for unknown job %s ignored", job.ID)
		return nil
	}
	s.jobs[job.ID] = job.Clone()
	s.persistLocked()
	return nil
}

func (s *Store) GetActiveJobs(ctx context.Context, workspaceID string) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*domain.Job
	for _, job := range s.jobs {
		if job.IsTerminal() {
			continue
		}
		if workspaceID != "" && job.WorkspaceID != workspaceID {
			continue
		}
		active = append(active, job.Clone())
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active, nil
}

func (s *Store) GetActiveJobForWorkspace(ctx context.Context, workspaceID string) (*domain.Job, error) {
	active, err := s.GetActiveJobs(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	return active[0], nil
}

func (s *Store) HasActiveJob(ctx context.Context, workspaceID string) (bool, error) {
	job, err := s.GetActiveJobForWorkspace(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	return job != nil, nil
}

func (s *Store) GetJobHistory(ctx context.Context, filter store.HistoryFilter) ([]*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cutoff time.Time
	if filter.Days > 0 {
		cutoff = s.clock().UTC().AddDate(0, 0, -filter.Days)
	}

	var history []*domain.Job
	for _, job := range s.jobs {
		if !job.IsTerminal() {
			continue
		}
		if filter.WorkspaceID != "" && job.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if filter.ScheduleID != nil && (job.ScheduleID == nil || *job.ScheduleID != *filter.ScheduleID) {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if !cutoff.IsZero() && (job.CompletedAt == nil || job.CompletedAt.Before(cutoff)) {
			continue
		}
		history = append(history, job.Clone())
	}

	sort.Slice(history, func(i, j int) bool {
		return history[i].CreatedAt.After(history[j].CreatedAt)
	})
	if filter.Limit > 0 && len(history) > filter.Limit {
		history = history[:filter.Limit]
	}
	return history, nil
}

func (s *Store) CreateSchedule(ctx context.Context, schedule *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[schedule.ID]; exists {
		return fmt.Errorf("%w: %s", store.ErrDuplicateSchedule, schedule.ID)
	}
	s.schedules[schedule.ID] = schedule.Clone()
	s.persistLocked()
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, id uuid.UUID) (*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	schedule, ok := s.schedules[id]
	if !ok {
		return nil, nil
	}
	return schedule.Clone(), nil
}

func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]*domain.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var list []*domain.Schedule
	for _, schedule := range s.schedules {
		if enabledOnly && !schedule.Enabled {
			continue
		}
		list = append(list, schedule.Clone())
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list, nil
}

func (s *Store) UpdateSchedule(ctx context.Context, schedule *domain.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[schedule.ID]; !exists {
		return fmt.Errorf("%w: %s", store.ErrScheduleNotFound, schedule.ID)
	}
	s.schedules[schedule.ID] = schedule.Clone()
	s.persistLocked()
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[id]; !exists {
		return false, nil
	}
	delete(s.schedules, id)
	s.persistLocked()
	return true, nil
}

// snapshot is the on-disk JSON layout.
type snapshot struct {
	Jobs      []*domain.Job      `json:"jobs"`
	Schedules []*domain.Schedule `json:"schedules"`
}

func (s *Store) loadSnapshot() error {
	data, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	for _, job := range snap.Jobs {
		s.jobs[job.ID] = job
	}
	for _, schedule := range snap.Schedules {
		s.schedules[schedule.ID] = schedule
	}
	log.Printf("store: loaded snapshot (%d jobs, %d schedules)", len(snap.Jobs), len(snap.Schedules))
	return nil
}

// persistLocked writes the snapshot file. Callers hold the write lock.
// Snapshot failures are logged, not propagated: the in-memory state is
// still authoritative for this process.
func (s *Store) persistLocked() {
	if s.snapshotPath == "" {
		return
	}

	snap := snapshot{}
	for _, job := range s.jobs {
		snap.Jobs = append(snap.Jobs, job)
	}
	for _, schedule := range s.schedules {
		snap.Schedules = append(snap.Schedules, schedule)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("store: marshal snapshot: %v", err)
		return
	}

	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Printf("store: write snapshot: %v", err)
		return
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		log.Printf("store: rename snapshot: %v", err)
	}
}
