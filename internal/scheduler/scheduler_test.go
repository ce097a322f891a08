package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clusterforge/hatest/internal/cron"
	"github.com/clusterforge/hatest/internal/domain"
	"github.com/clusterforge/hatest/internal/executor"
	"github.com/clusterforge/hatest/internal/metrics"
	"github.com/clusterforge/hatest/internal/store/memory"
	"github.com/clusterforge/hatest/internal/testutil"
	"github.com/clusterforge/hatest/internal/worker"
	"github.com/clusterforge/hatest/internal/workspace"
)

// recordingSubmitter collects submitted jobs and can reject workspaces
// with a lock conflict.
type recordingSubmitter struct {
	mu     sync.Mutex
	jobs   []*domain.Job
	locked map[string]uuid.UUID // workspace -> active job id
}

func (r *recordingSubmitter) Submit(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if active, ok := r.locked[job.WorkspaceID]; ok {
		return &worker.WorkspaceLockError{WorkspaceID: job.WorkspaceID, ActiveJobID: active}
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingSubmitter) submitted() []*domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Job(nil), r.jobs...)
}

func seedSchedule(t *testing.T, s *memory.Store, next time.Time, workspaces ...string) *domain.Schedule {
	t.Helper()
	schedule := &domain.Schedule{
		ID:             uuid.New(),
		Name:           "nightly",
		CronExpression: "0 2 * * *",
		WorkspaceIDs:   workspaces,
		TestGroup:      "HA_DB_HANA",
		TestIDs:        []string{"t1"},
		Enabled:        true,
		NextRunTime:    &next,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := s.CreateSchedule(context.Background(), schedule); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
	return schedule
}

func TestTick_FiresDueSchedule(t *testing.T) {
	s := memory.New()
	now := time.Date(2026, 3, 10, 2, 0, 30, 0, time.UTC)
	schedule := seedSchedule(t, s, now.Add(-time.Second), "ws1", "ws2")

	submitter := &recordingSubmitter{}
	svc := New(Config{CheckInterval: time.Minute}, s, submitter, cron.NewParser())
	svc.clock = testutil.NewFakeClock(now).Now

	if err := svc.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	jobs := submitter.submitted()
	if len(jobs) != 2 {
		t.Fatalf("submitted %d jobs, want 2", len(jobs))
	}
	for _, job := range jobs {
		if job.ScheduleID == nil || *job.ScheduleID != schedule.ID {
			t.Fatalf("job %s not linked to schedule", job.ID)
		}
		if job.Metadata["trigger"] != "schedule" {
			t.Fatalf("job metadata = %v", job.Metadata)
		}
	}

	updated, _ := s.GetSchedule(context.Background(), schedule.ID)
	if updated.TotalRuns != 1 {
		t.Fatalf("total runs = %d, want 1", updated.TotalRuns)
	}
	if updated.LastRunTime == nil || !updated.LastRunTime.Equal(now) {
		t.Fatalf("last run = %v, want %v", updated.LastRunTime, now)
	}
	if len(updated.LastRunJobIDs) != 2 {
		t.Fatalf("last run job ids = %v", updated.LastRunJobIDs)
	}
	if updated.NextRunTime == nil || !updated.NextRunTime.After(now) {
		t.Fatalf("next run = %v, want after %v", updated.NextRunTime, now)
	}
}

func TestTick_SkipsNotDueAndDisabled(t *testing.T) {
	s := memory.New()
	now := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)

	seedSchedule(t, s, now.Add(time.Hour), "ws1") // due in the future

	disabled := seedSchedule(t, s, now.Add(-time.Hour), "ws2")
	disabled.Enabled = false
	disabled.NextRunTime = nil
	if err := s.UpdateSchedule(context.Background(), disabled); err != nil {
		t.Fatalf("disable: %v", err)
	}

	submitter := &recordingSubmitter{}
	svc := New(Config{CheckInterval: time.Minute}, s, submitter, cron.NewParser())
	svc.clock = testutil.NewFakeClock(now).Now

	if err := svc.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(submitter.submitted()) != 0 {
		t.Fatalf("submitted %d jobs, want none", len(submitter.submitted()))
	}
}

func TestTick_BusyWorkspaceIsSkippedNotFatal(t *testing.T) {
	s := memory.New()
	now := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	schedule := seedSchedule(t, s, now.Add(-time.Second), "ws1", "ws2")

	submitter := &recordingSubmitter{locked: map[string]uuid.UUID{"ws1": uuid.New()}}
	svc := New(Config{CheckInterval: time.Minute}, s, submitter, cron.NewParser())
	svc.clock = testutil.NewFakeClock(now).Now

	if err := svc.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	jobs := submitter.submitted()
	if len(jobs) != 1 || jobs[0].WorkspaceID != "ws2" {
		t.Fatalf("submitted = %v, want only ws2", jobs)
	}

	// The run still counts and the next fire time still advances.
	updated, _ := s.GetSchedule(context.Background(), schedule.ID)
	if updated.TotalRuns != 1 {
		t.Fatalf("total runs = %d, want 1", updated.TotalRuns)
	}
	if len(updated.LastRunJobIDs) != 1 {
		t.Fatalf("last run job ids = %v", updated.LastRunJobIDs)
	}
}

// countingSink counts submissions across every component sharing it.
type countingSink struct {
	metrics.Sink
	mu        sync.Mutex
	submitted int
}

func (c *countingSink) JobSubmitted() {
	c.mu.Lock()
	c.submitted++
	c.mu.Unlock()
}

func (c *countingSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitted
}

type okExecutor struct{}

func (okExecutor) RunTest(ctx context.Context, req executor.Request) (executor.Result, error) {
	return executor.Result{Status: executor.StatusSuccess}, nil
}

func TestTick_SharedSinkCountsEachJobOnce(t *testing.T) {
	s := memory.New()
	now := time.Date(2026, 3, 10, 2, 0, 30, 0, time.UTC)
	seedSchedule(t, s, now.Add(-time.Second), "ws1")

	// One sink wired into both the worker and the scheduler, as serve does.
	sink := &countingSink{Sink: metrics.NewNoopSink()}
	loader := workspace.LoaderFunc(func(workspaceID string) (workspace.Config, error) {
		return workspace.Config{}, nil
	})
	jobWorker := worker.New(s, okExecutor{}, loader).WithMetrics(sink)
	defer jobWorker.Shutdown(time.Second)

	svc := New(Config{CheckInterval: time.Minute}, s, jobWorker, cron.NewParser()).WithMetrics(sink)
	svc.clock = testutil.NewFakeClock(now).Now

	if err := svc.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := sink.count(); got != 1 {
		t.Fatalf("JobSubmitted recorded %d times for one accepted job, want 1", got)
	}
}

func TestTriggerSchedule_RefetchesBeforeFiring(t *testing.T) {
	s := memory.New()
	now := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	schedule := seedSchedule(t, s, now.Add(-time.Second), "ws1")

	submitter := &recordingSubmitter{}
	svc := New(Config{CheckInterval: time.Minute}, s, submitter, cron.NewParser())
	svc.clock = testutil.NewFakeClock(now).Now

	// Deleted between the due check and the fire.
	if _, err := s.DeleteSchedule(context.Background(), schedule.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	ids, err := svc.triggerSchedule(context.Background(), schedule.ID, now)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if len(ids) != 0 || len(submitter.submitted()) != 0 {
		t.Fatal("fired a deleted schedule")
	}
}

func TestTriggerSchedule_UnparseableCronDisables(t *testing.T) {
	s := memory.New()
	now := time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)
	schedule := seedSchedule(t, s, now.Add(-time.Second), "ws1")
	schedule.CronExpression = "not a cron"
	if err := s.UpdateSchedule(context.Background(), schedule); err != nil {
		t.Fatalf("update: %v", err)
	}

	submitter := &recordingSubmitter{}
	svc := New(Config{CheckInterval: time.Minute}, s, submitter, cron.NewParser())
	svc.clock = testutil.NewFakeClock(now).Now

	if _, err := svc.triggerSchedule(context.Background(), schedule.ID, now); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	updated, _ := s.GetSchedule(context.Background(), schedule.ID)
	if updated.Enabled {
		t.Fatal("schedule with unparseable cron left enabled")
	}
	if updated.NextRunTime != nil {
		t.Fatalf("next run = %v, want nil", updated.NextRunTime)
	}
}

func TestTriggerNow(t *testing.T) {
	s := memory.New()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	next := time.Date(2026, 3, 11, 2, 0, 0, 0, time.UTC)
	schedule := seedSchedule(t, s, next, "ws1")

	submitter := &recordingSubmitter{}
	svc := New(Config{CheckInterval: time.Minute}, s, submitter, cron.NewParser())
	svc.clock = testutil.NewFakeClock(now).Now

	ids, err := svc.TriggerNow(context.Background(), schedule.ID)
	if err != nil {
		t.Fatalf("trigger now: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("ids = %v, want one job", ids)
	}

	// Recomputing from the cron at noon lands on the same next fire, so
	// a manual trigger does not shift an intact cadence.
	updated, _ := s.GetSchedule(context.Background(), schedule.ID)
	if updated.TotalRuns != 1 {
		t.Fatalf("total runs = %d, want 1", updated.TotalRuns)
	}
	if updated.NextRunTime == nil || !updated.NextRunTime.Equal(next) {
		t.Fatalf("next run = %v, want %v", updated.NextRunTime, next)
	}
}

func TestTriggerNow_RecomputesStaleNextRun(t *testing.T) {
	s := memory.New()
	now := time.Date(2026, 3, 10, 2, 0, 30, 0, time.UTC)
	// Next fire stuck in the past, as after a scheduler outage.
	schedule := seedSchedule(t, s, now.Add(-time.Minute), "ws1")

	submitter := &recordingSubmitter{}
	svc := New(Config{CheckInterval: time.Minute}, s, submitter, cron.NewParser())
	svc.clock = testutil.NewFakeClock(now).Now

	if _, err := svc.TriggerNow(context.Background(), schedule.ID); err != nil {
		t.Fatalf("trigger now: %v", err)
	}

	updated, _ := s.GetSchedule(context.Background(), schedule.ID)
	if updated.NextRunTime == nil || !updated.NextRunTime.After(now) {
		t.Fatalf("next run = %v, want after %v", updated.NextRunTime, now)
	}
	if updated.IsDue(now) {
		t.Fatal("schedule still due after manual trigger, next poll would fire it again")
	}
}

func TestTriggerNow_Errors(t *testing.T) {
	s := memory.New()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc := New(Config{CheckInterval: time.Minute}, s, &recordingSubmitter{}, cron.NewParser())
	svc.clock = testutil.NewFakeClock(now).Now

	if _, err := svc.TriggerNow(context.Background(), uuid.New()); !errors.Is(err, ErrScheduleNotFound) {
		t.Fatalf("err = %v, want ErrScheduleNotFound", err)
	}

	schedule := seedSchedule(t, s, now, "ws1")
	schedule.Enabled = false
	schedule.NextRunTime = nil
	if err := s.UpdateSchedule(context.Background(), schedule); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := svc.TriggerNow(context.Background(), schedule.ID); !errors.Is(err, ErrScheduleDisabled) {
		t.Fatalf("err = %v, want ErrScheduleDisabled", err)
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	s := memory.New()
	svc := New(Config{CheckInterval: 10 * time.Millisecond}, s, &recordingSubmitter{}, cron.NewParser())

	svc.Start()
	svc.Start() // second start is a no-op

	time.Sleep(30 * time.Millisecond)

	svc.Stop()
	svc.Stop() // second stop is a no-op
}
