package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or
// propagate errors. If the metrics backend is unavailable, implementations
// log warnings and continue.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, err error)
	ScheduleTriggered(submitted, skipped int)

	// Worker metrics
	JobSubmitted()
	JobOutcome(outcome string)
	StepCompleted(status string, duration time.Duration)
	JobsInFlightIncr()
	JobsInFlightDecr()

	// Reconciler metrics
	StaleJobsRecovered(count int)

	// Notifier metrics
	NotifyDelivery(outcome string)
}

// Outcome constants for JobOutcome and NotifyDelivery.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeSuccess   = "success"
)

// Step status constants for StepCompleted.
const (
	StepSuccess = "success"
	StepFailed  = "failed"
)
