package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                       {}
func (n *NoopSink) TickCompleted(duration time.Duration, err error)    {}
func (n *NoopSink) ScheduleTriggered(submitted, skipped int)           {}
func (n *NoopSink) JobSubmitted()                                      {}
func (n *NoopSink) JobOutcome(outcome string)                          {}
func (n *NoopSink) StepCompleted(status string, duration time.Duration) {}
func (n *NoopSink) JobsInFlightIncr()                                  {}
func (n *NoopSink) JobsInFlightDecr()                                  {}
func (n *NoopSink) StaleJobsRecovered(count int)                       {}
func (n *NoopSink) NotifyDelivery(outcome string)                      {}
