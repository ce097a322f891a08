// Package reconciler fails stale jobs left behind by a crash or restart.
//
// A job is stale when it is persisted as non-terminal but no live
// execution handle exists for it in this process. That happens when the
// service died mid-run: the store still says PENDING or RUNNING, but no
// goroutine will ever finish the job. The reconciler sweeps once at
// startup and then on an interval, marking such jobs failed so their
// workspaces are released.
package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/clusterforge/hatest/internal/domain"
	"github.com/clusterforge/hatest/internal/metrics"
)

const staleReason = "interrupted: no live executor for this job"

// JobStore is the slice of the store the reconciler needs.
type JobStore interface {
	GetActiveJobs(ctx context.Context, workspaceID string) ([]*domain.Job, error)
	UpdateJob(ctx context.Context, job *domain.Job) error
}

// Liveness reports whether a job is still tracked by the worker.
// Satisfied by worker.Worker.
type Liveness interface {
	Tracks(jobID uuid.UUID) bool
}

type Config struct {
	// Interval is how often the sweep runs. Default: 5 minutes.
	Interval time.Duration

	// GracePeriod is how old an untracked job must be before it is
	// declared stale. A job submitted moments ago may not have reached
	// the store and the worker's tracking map atomically. Default: 1 minute.
	GracePeriod time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		GracePeriod: time.Minute,
	}
}

type Reconciler struct {
	config  Config
	store   JobStore
	worker  Liveness
	metrics metrics.Sink
	clock   func() time.Time
}

func New(config Config, store JobStore, worker Liveness) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultConfig().GracePeriod
	}
	return &Reconciler{
		config:  config,
		store:   store,
		worker:  worker,
		metrics: metrics.NewNoopSink(),
		clock:   time.Now,
	}
}

func (r *Reconciler) WithMetrics(sink metrics.Sink) *Reconciler {
	r.metrics = sink
	return r
}

// Run sweeps immediately, then on the interval, until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started, interval=%s grace=%s", r.config.Interval, r.config.GracePeriod)

	r.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass and returns the number of jobs it
// failed. Called once directly at startup before the worker accepts
// submissions, and then by the loop.
func (r *Reconciler) Sweep(ctx context.Context) int {
	now := r.clock().UTC()

	active, err := r.store.GetActiveJobs(ctx, "")
	if err != nil {
		log.Printf("reconciler: fetch active jobs: %v", err)
		return 0
	}

	recovered := 0
	for _, job := range active {
		if ctx.Err() != nil {
			break
		}
		if r.worker.Tracks(job.ID) {
			continue
		}
		ref := job.CreatedAt
		if job.StartedAt != nil {
			ref = *job.StartedAt
		}
		if now.Sub(ref) < r.config.GracePeriod {
			continue
		}

		if err := job.Fail(staleReason); err != nil {
			continue
		}
		if err := r.store.UpdateJob(ctx, job); err != nil {
			log.Printf("reconciler: fail stale job %s: %v", job.ID, err)
			continue
		}
		log.Printf("reconciler: failed stale job %s (workspace=%s, age=%s)",
			job.ID, job.WorkspaceID, now.Sub(ref).Round(time.Second))
		recovered++
	}

	if recovered > 0 {
		r.metrics.StaleJobsRecovered(recovered)
	}
	return recovered
}
