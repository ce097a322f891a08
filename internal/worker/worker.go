// Package worker drives jobs through their test steps. One job owns its
// workspace exclusively while active; steps within a job run strictly
// sequentially, jobs across workspaces run concurrently.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clusterforge/hatest/internal/domain"
	"github.com/clusterforge/hatest/internal/executor"
	"github.com/clusterforge/hatest/internal/metrics"
	"github.com/clusterforge/hatest/internal/store"
	"github.com/clusterforge/hatest/internal/transport/channel"
	"github.com/clusterforge/hatest/internal/workspace"
)

// WorkspaceLockError reports a submission conflict: another job already
// owns the workspace. It carries the conflicting job's id for diagnostics.
type WorkspaceLockError struct {
	WorkspaceID string
	ActiveJobID uuid.UUID
}

func (e *WorkspaceLockError) Error() string {
	return fmt.Sprintf("workspace %s is locked by active job %s", e.WorkspaceID, e.ActiveJobID)
}

// Notifier ships a terminal job somewhere external, fire-and-forget.
type Notifier interface {
	JobFinished(ctx context.Context, job *domain.Job)
}

// AnalyticsSink records run outcomes, fire-and-forget.
type AnalyticsSink interface {
	RecordJobOutcome(ctx context.Context, job *domain.Job)
}

// handle is the transient in-memory execution state for one live job.
type handle struct {
	cancel context.CancelFunc
	events *channel.Queue

	mu        sync.Mutex
	cancelled bool
	reason    string
}

func (h *handle) requestCancel(reason string) {
	h.mu.Lock()
	if !h.cancelled {
		h.cancelled = true
		h.reason = reason
	}
	h.mu.Unlock()
	h.cancel()
}

func (h *handle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (h *handle) cancelReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reason == "" {
		return "cancelled"
	}
	return h.reason
}

// Worker accepts job submissions and executes them in the background.
type Worker struct {
	store      store.JobStore
	executor   executor.TestExecutor
	workspaces workspace.Loader
	metrics    metrics.Sink
	notifier   Notifier      // optional, nil = disabled
	analytics  AnalyticsSink // optional, nil = disabled

	eventBuffer int

	mu      sync.Mutex
	handles map[uuid.UUID]*handle
	wg      sync.WaitGroup
}

func New(jobs store.JobStore, exec executor.TestExecutor, workspaces workspace.Loader) *Worker {
	return &Worker{
		store:       jobs,
		executor:    exec,
		workspaces:  workspaces,
		metrics:     metrics.NewNoopSink(),
		eventBuffer: 100,
		handles:     make(map[uuid.UUID]*handle),
	}
}

// WithEventBuffer sets the per-job event queue capacity.
func (w *Worker) WithEventBuffer(size int) *Worker {
	if size > 0 {
		w.eventBuffer = size
	}
	return w
}

// WithMetrics attaches a metrics sink to the worker.
func (w *Worker) WithMetrics(sink metrics.Sink) *Worker {
	w.metrics = sink
	return w
}

// WithNotifier attaches a completion notifier.
func (w *Worker) WithNotifier(n Notifier) *Worker {
	w.notifier = n
	return w
}

// WithAnalytics attaches an analytics sink.
func (w *Worker) WithAnalytics(sink AnalyticsSink) *Worker {
	w.analytics = sink
	return w
}

// Submit persists a pending job and starts executing it in the
// background. It returns immediately; the only synchronous failure modes
// are the workspace lock conflict and storage errors. The lock check and
// the handle registration happen under one lock, so concurrent
// submissions for the same workspace cannot both pass.
func (w *Worker) Submit(ctx context.Context, job *domain.Job) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	active, err := w.store.GetActiveJobForWorkspace(ctx, job.WorkspaceID)
	if err != nil {
		return fmt.Errorf("check workspace lock: %w", err)
	}
	if active != nil && active.ID != job.ID {
		return &WorkspaceLockError{WorkspaceID: job.WorkspaceID, ActiveJobID: active.ID}
	}

	if err := w.store.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}

	execCtx, cancel := context.WithCancel(context.Background())
	h := &handle{cancel: cancel, events: channel.NewQueue(w.eventBuffer)}
	w.handles[job.ID] = h

	for _, event := range job.Events {
		h.events.Publish(event)
	}

	w.metrics.JobSubmitted()
	w.metrics.JobsInFlightIncr()
	log.Printf("worker: job %s submitted for workspace %s", job.ID, job.WorkspaceID)

	w.wg.Add(1)
	go w.execute(execCtx, job.Clone(), h)
	return nil
}

// Cancel requests cancellation of a live job. It returns false when the
// job has no live execution handle (never submitted, or already finished
// and cleaned up). The persisted record is marked cancelled immediately
// so the status is visible even while the in-flight step winds down.
func (w *Worker) Cancel(jobID uuid.UUID, reason string) bool {
	w.mu.Lock()
	h, ok := w.handles[jobID]
	w.mu.Unlock()
	if !ok {
		return false
	}

	if reason == "" {
		reason = "cancelled"
	}
	h.requestCancel(reason)

	ctx := context.Background()
	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		log.Printf("worker: cancel %s: load job: %v", jobID, err)
		return true
	}
	if job != nil && !job.IsTerminal() {
		if err := job.Cancel(reason); err == nil {
			w.persist(ctx, job)
			h.events.Publish(job.Events[len(job.Events)-1])
		}
	}

	log.Printf("worker: job %s cancellation requested: %s", jobID, reason)
	return true
}

// Tracks reports whether the worker holds a live execution handle for
// the job. Used by the stale job sweep to tell an interrupted job from
// one that is merely slow.
func (w *Worker) Tracks(jobID uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.handles[jobID]
	return ok
}

// Events returns a live stream of the job's events. The stream ends when
// a terminal event is delivered or when no event arrives within timeout.
// A job without a live queue yields an immediately-closed channel.
func (w *Worker) Events(jobID uuid.UUID, timeout time.Duration) <-chan domain.JobEvent {
	out := make(chan domain.JobEvent)

	w.mu.Lock()
	h, ok := w.handles[jobID]
	w.mu.Unlock()
	if !ok {
		close(out)
		return out
	}

	go func() {
		defer close(out)
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		for {
			select {
			case event, ok := <-h.events.C():
				if !ok {
					return
				}
				select {
				case out <- event:
				case <-timer.C:
					return
				}
				if event.Type.IsTerminal() {
					return
				}
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(timeout)
			case <-timer.C:
				return
			}
		}
	}()
	return out
}

// Shutdown cancels all live jobs and waits up to timeout for them to
// finish. Tracking maps are cleared unconditionally afterwards; shutdown
// never hangs on an uncooperative job.
func (w *Worker) Shutdown(timeout time.Duration) {
	w.mu.Lock()
	n := len(w.handles)
	for _, h := range w.handles {
		h.requestCancel("shutting down")
	}
	w.mu.Unlock()

	if n > 0 {
		log.Printf("worker: shutting down, cancelling %d jobs", n)
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("worker: shutdown timed out after %s", timeout)
	}

	w.mu.Lock()
	for _, h := range w.handles {
		h.events.Close()
	}
	w.handles = make(map[uuid.UUID]*handle)
	w.mu.Unlock()
}

// execute drives one job through its steps. Every error past this point
// lands in the job's own state; nothing escapes the goroutine.
func (w *Worker) execute(ctx context.Context, job *domain.Job, h *handle) {
	defer func() {
		w.mu.Lock()
		delete(w.handles, job.ID)
		w.mu.Unlock()
		h.events.Close()
		w.metrics.JobsInFlightDecr()
		w.wg.Done()
	}()

	persistCtx := context.Background()

	if h.isCancelled() {
		w.finishCancelled(persistCtx, job, h)
		return
	}

	if err := job.Start(); err != nil {
		// Cancelled between Submit and the goroutine starting.
		log.Printf("worker: job %s not started: %v", job.ID, err)
		return
	}
	w.persist(persistCtx, job)
	h.events.Publish(job.Events[len(job.Events)-1])
	log.Printf("worker: job %s started (workspace=%s group=%s tests=%d)",
		job.ID, job.WorkspaceID, job.TestGroup, len(job.TestIDs))

	cfg, err := w.workspaces.Load(job.WorkspaceID)
	if err != nil {
		w.finishFailed(persistCtx, job, h, fmt.Sprintf("resolve workspace config: %v", err))
		return
	}

	steps := job.TestIDs
	if len(steps) == 0 {
		if job.TestGroup == "" {
			w.finishFailed(persistCtx, job, h, "no tests specified")
			return
		}
		// One synthetic step covering the whole group.
		steps = []string{""}
	}

	var results []map[string]any
	passed, failed := 0, 0

	for _, testID := range steps {
		if h.isCancelled() || ctx.Err() != nil {
			break
		}

		name := testID
		if name == "" {
			name = job.TestGroup
		}

		job.AppendStepEvent(domain.EventStepStarted, fmt.Sprintf("running %s", name),
			map[string]any{"test_id": name})
		h.events.Publish(job.Events[len(job.Events)-1])

		start := time.Now()
		result, err := w.executor.RunTest(ctx, executor.Request{
			WorkspaceID:   job.WorkspaceID,
			TestID:        testID,
			TestGroup:     job.TestGroup,
			InventoryPath: cfg.InventoryPath,
			ExtraVars:     cfg.ExtraVars,
		})
		duration := time.Since(start)

		if ctx.Err() != nil {
			// Hard-cancelled mid-step; the interrupted step is not recorded.
			break
		}

		record := map[string]any{
			"test_id":          name,
			"duration_seconds": duration.Seconds(),
		}

		switch {
		case err != nil:
			// Executor-level problem; recorded the same as a failed test,
			// not retried, and not fatal to the job.
			failed++
			record["status"] = "failed"
			record["error"] = err.Error()
			job.AppendStepEvent(domain.EventStepFailed, fmt.Sprintf("%s failed: %v", name, err),
				map[string]any{"test_id": name, "error": err.Error()})
			w.metrics.StepCompleted(metrics.StepFailed, duration)
			log.Printf("worker: job %s step %s failed: %v", job.ID, name, err)

		case result.Status == executor.StatusFailed:
			failed++
			record["status"] = "failed"
			record["error"] = result.Error
			job.AppendStepEvent(domain.EventStepFailed, fmt.Sprintf("%s failed", name),
				map[string]any{"test_id": name, "error": result.Error})
			w.metrics.StepCompleted(metrics.StepFailed, duration)
			log.Printf("worker: job %s step %s failed (exit=%d)", job.ID, name, result.ExitCode)

		default:
			passed++
			record["status"] = "success"
			job.AppendStepEvent(domain.EventStepCompleted, fmt.Sprintf("%s passed", name),
				map[string]any{"test_id": name})
			w.metrics.StepCompleted(metrics.StepSuccess, duration)
			log.Printf("worker: job %s step %s passed in %s", job.ID, name, duration.Round(time.Second))
		}

		h.events.Publish(job.Events[len(job.Events)-1])
		results = append(results, record)
		w.persist(persistCtx, job)
	}

	if h.isCancelled() || ctx.Err() != nil {
		w.finishCancelled(persistCtx, job, h)
		return
	}

	summary := map[string]any{
		"tests_run":    passed + failed,
		"tests_passed": passed,
		"tests_failed": failed,
		"results":      results,
	}
	message := fmt.Sprintf("all %d tests passed", passed)
	if failed > 0 {
		message = fmt.Sprintf("%d passed, %d failed", passed, failed)
	}

	if err := job.Complete(summary, message); err != nil {
		log.Printf("worker: job %s complete: %v", job.ID, err)
		return
	}
	w.persist(persistCtx, job)
	h.events.Publish(job.Events[len(job.Events)-1])
	w.metrics.JobOutcome(metrics.OutcomeCompleted)
	w.fanout(persistCtx, job)
	log.Printf("worker: job %s completed: %s", job.ID, message)
}

func (w *Worker) finishFailed(ctx context.Context, job *domain.Job, h *handle, errMsg string) {
	if err := job.Fail(errMsg); err != nil {
		return
	}
	w.persist(ctx, job)
	h.events.Publish(job.Events[len(job.Events)-1])
	w.metrics.JobOutcome(metrics.OutcomeFailed)
	w.fanout(ctx, job)
	log.Printf("worker: job %s failed: %s", job.ID, errMsg)
}

func (w *Worker) finishCancelled(ctx context.Context, job *domain.Job, h *handle) {
	// Cancel may already have persisted the terminal state; do not write
	// a second cancellation over it. Its snapshot can predate the last
	// per-step persist, in which case the clone's log is the longest
	// pre-terminal prefix: graft the stored terminal event onto it.
	stored, err := w.store.GetJob(ctx, job.ID)
	if err == nil && stored != nil && stored.IsTerminal() {
		if len(job.Events) >= len(stored.Events) {
			terminal := stored.Events[len(stored.Events)-1]
			stored.Events = append(append([]domain.JobEvent(nil), job.Events...), terminal)
			w.persist(ctx, stored)
		}
		w.metrics.JobOutcome(metrics.OutcomeCancelled)
		w.fanout(ctx, stored)
		return
	}

	if err := job.Cancel(h.cancelReason()); err != nil {
		return
	}
	w.persist(ctx, job)
	h.events.Publish(job.Events[len(job.Events)-1])
	w.metrics.JobOutcome(metrics.OutcomeCancelled)
	w.fanout(ctx, job)
	log.Printf("worker: job %s cancelled: %s", job.ID, h.cancelReason())
}

func (w *Worker) persist(ctx context.Context, job *domain.Job) {
	if err := w.store.UpdateJob(ctx, job); err != nil {
		log.Printf("worker: persist job %s: %v", job.ID, err)
	}
}

// fanout ships the terminal job to the optional side sinks. Both are
// fire-and-forget; neither affects the job's outcome.
func (w *Worker) fanout(ctx context.Context, job *domain.Job) {
	if w.notifier != nil {
		w.notifier.JobFinished(ctx, job)
	}
	if w.analytics != nil {
		w.analytics.RecordJobOutcome(ctx, job)
	}
}
