// Package analytics keeps lightweight run-outcome counters in Redis.
// The counters feed external dashboards; losing them never affects a
// job, so every write is best-effort.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clusterforge/hatest/internal/domain"
)

// DefaultRetention is how long a day bucket survives after its last write.
const DefaultRetention = 90 * 24 * time.Hour

type RedisSink struct {
	client    *redis.Client
	retention time.Duration
	clock     func() time.Time
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{
		client:    client,
		retention: DefaultRetention,
		clock:     time.Now,
	}
}

// RecordJobOutcome increments the per-workspace and fleet-wide counters
// for the job's terminal status. Errors are logged and swallowed.
func (s *RedisSink) RecordJobOutcome(ctx context.Context, job *domain.Job) {
	if !job.IsTerminal() {
		return
	}

	day := s.clock().UTC().Format("20060102")
	keys := []string{
		fmt.Sprintf("hatest:outcomes:%s:%s:%s", job.WorkspaceID, job.Status, day),
		fmt.Sprintf("hatest:outcomes:all:%s:%s", job.Status, day),
	}

	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: record outcome for job %s: %v", job.ID, err)
	}
}
