package domain

import (
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring rule that auto-generates jobs for a set of
// workspaces on a cron cadence.
//
// NextRunTime is non-nil if and only if the schedule is enabled: it is
// recomputed whenever an enabled schedule is created, updated or
// triggered, and cleared on disable.
type Schedule struct {
	ID          uuid.UUID
	Name        string
	Description string

	CronExpression string
	Timezone       string // IANA timezone, defaults to UTC

	WorkspaceIDs []string
	TestGroup    string
	TestIDs      []string

	Enabled     bool
	NextRunTime *time.Time

	LastRunTime   *time.Time
	LastRunJobIDs []uuid.UUID
	TotalRuns     int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsDue reports whether the schedule should fire at the given instant.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Enabled && s.NextRunTime != nil && !s.NextRunTime.After(now)
}

// Touch bumps UpdatedAt. Every mutation path calls this before persisting.
func (s *Schedule) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy so stores can hand out values without
// sharing mutable slices with callers.
func (s *Schedule) Clone() *Schedule {
	c := *s
	c.WorkspaceIDs = append([]string(nil), s.WorkspaceIDs...)
	c.TestIDs = append([]string(nil), s.TestIDs...)
	c.LastRunJobIDs = append([]uuid.UUID(nil), s.LastRunJobIDs...)
	if s.NextRunTime != nil {
		t := *s.NextRunTime
		c.NextRunTime = &t
	}
	if s.LastRunTime != nil {
		t := *s.LastRunTime
		c.LastRunTime = &t
	}
	return &c
}
