// Package scheduler runs the poll loop that fires due schedules and
// submits the resulting jobs to the worker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clusterforge/hatest/internal/domain"
	"github.com/clusterforge/hatest/internal/metrics"
	"github.com/clusterforge/hatest/internal/store"
	"github.com/clusterforge/hatest/internal/worker"
)

var (
	// ErrScheduleNotFound is returned by TriggerNow for unknown ids.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrScheduleDisabled is returned by TriggerNow for disabled schedules.
	ErrScheduleDisabled = errors.New("schedule is disabled")
)

// Submitter accepts jobs for execution. Satisfied by worker.Worker.
type Submitter interface {
	Submit(ctx context.Context, job *domain.Job) error
}

// CronParser computes the next fire time of an expression.
type CronParser interface {
	Next(expression, timezone string, after time.Time) (time.Time, error)
}

type Config struct {
	CheckInterval time.Duration
}

// Service owns the schedule poll loop. The loop itself never exits on
// error: a failing tick is logged and the next tick proceeds.
type Service struct {
	config    Config
	schedules store.ScheduleStore
	submitter Submitter
	parser    CronParser
	metrics   metrics.Sink
	clock     func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(config Config, schedules store.ScheduleStore, submitter Submitter, parser CronParser) *Service {
	if config.CheckInterval <= 0 {
		config.CheckInterval = 30 * time.Second
	}
	return &Service{
		config:    config,
		schedules: schedules,
		submitter: submitter,
		parser:    parser,
		metrics:   metrics.NewNoopSink(),
		clock:     time.Now,
	}
}

func (s *Service) WithMetrics(sink metrics.Sink) *Service {
	s.metrics = sink
	return s
}

// Start launches the poll loop. Calling Start on a running service is a
// no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		log.Println("scheduler: already running, start ignored")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)
	log.Printf("scheduler: started, check interval %s", s.config.CheckInterval)
}

// Stop halts the poll loop and waits for the in-flight tick to finish.
// Calling Stop on a stopped service is a no-op.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	log.Println("scheduler: stopped")
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// runTick shields the loop from a failing or panicking tick.
func (s *Service) runTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: tick panicked: %v", r)
		}
	}()
	if err := s.tick(ctx); err != nil {
		log.Printf("scheduler: tick error: %v", err)
	}
}

func (s *Service) tick(ctx context.Context) error {
	s.metrics.TickStarted()
	started := s.clock()
	now := started.UTC()

	var tickErr error
	defer func() {
		s.metrics.TickCompleted(s.clock().Sub(started), tickErr)
	}()

	schedules, err := store.GetEnabledSchedules(ctx, s.schedules)
	if err != nil {
		tickErr = fmt.Errorf("list schedules: %w", err)
		return tickErr
	}

	for _, schedule := range schedules {
		if !schedule.IsDue(now) {
			continue
		}
		if _, err := s.triggerSchedule(ctx, schedule.ID, now); err != nil {
			log.Printf("scheduler: schedule %s: %v", schedule.ID, err)
		}
	}
	return nil
}

// TriggerNow fires a schedule immediately, outside its cron cadence.
// It runs the same firing path as a due poll, so the next fire time is
// recomputed from the cron expression; a stored next fire time in the
// past would otherwise stay due and double-fire on the next poll.
// Returns the ids of the jobs that were accepted.
func (s *Service) TriggerNow(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	schedule, err := s.schedules.GetSchedule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	if schedule == nil {
		return nil, ErrScheduleNotFound
	}
	if !schedule.Enabled {
		return nil, ErrScheduleDisabled
	}
	return s.triggerSchedule(ctx, id, s.clock().UTC())
}

// triggerSchedule re-fetches the schedule by id before firing so a
// deletion or disable that raced the due check wins. One job is
// submitted per workspace; a workspace already held by a live job is
// skipped, not an error.
func (s *Service) triggerSchedule(ctx context.Context, id uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	schedule, err := s.schedules.GetSchedule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	if schedule == nil || !schedule.Enabled {
		return nil, nil
	}

	var jobIDs []uuid.UUID
	skipped := 0
	for _, workspaceID := range schedule.WorkspaceIDs {
		job := domain.NewJob(workspaceID, schedule.TestGroup, schedule.TestIDs)
		job.ScheduleID = &schedule.ID
		job.Metadata["trigger"] = "schedule"
		job.Metadata["schedule_name"] = schedule.Name

		if err := s.submitter.Submit(ctx, job); err != nil {
			var lockErr *worker.WorkspaceLockError
			if errors.As(err, &lockErr) {
				log.Printf("scheduler: schedule %s: workspace %s busy with job %s, skipping",
					schedule.ID, workspaceID, lockErr.ActiveJobID)
				skipped++
				continue
			}
			log.Printf("scheduler: schedule %s: submit for workspace %s: %v", schedule.ID, workspaceID, err)
			skipped++
			continue
		}
		jobIDs = append(jobIDs, job.ID)
	}
	// The worker counts accepted submissions on its own; the scheduler
	// only records the trigger outcome.
	s.metrics.ScheduleTriggered(len(jobIDs), skipped)

	schedule.LastRunTime = &now
	schedule.LastRunJobIDs = jobIDs
	schedule.TotalRuns++
	next, err := s.parser.Next(schedule.CronExpression, schedule.Timezone, now)
	if err != nil {
		// A schedule that stops parsing must not fire every tick.
		log.Printf("scheduler: schedule %s: recompute next run: %v, disabling", schedule.ID, err)
		schedule.Enabled = false
		schedule.NextRunTime = nil
	} else {
		schedule.NextRunTime = &next
	}
	schedule.Touch()

	if err := s.schedules.UpdateSchedule(ctx, schedule); err != nil {
		return jobIDs, fmt.Errorf("update schedule: %w", err)
	}

	log.Printf("scheduler: schedule %s fired, submitted=%d skipped=%d", schedule.ID, len(jobIDs), skipped)
	return jobIDs, nil
}
