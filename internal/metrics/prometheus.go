package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget. Registration errors
// are logged but never propagated.
type PrometheusSink struct {
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	tickDuration    prometheus.Histogram
	triggeredTotal  prometheus.Counter
	skippedTotal    prometheus.Counter

	jobsSubmittedTotal prometheus.Counter
	jobOutcomesTotal   *prometheus.CounterVec
	stepsTotal         *prometheus.CounterVec
	stepDuration       prometheus.Histogram
	jobsInFlight       prometheus.Gauge

	staleRecoveredTotal prometheus.Counter

	notifyTotal *prometheus.CounterVec
}

// NewPrometheusSink creates a Prometheus metrics sink registered on reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		ticksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hatest_scheduler_ticks_total",
			Help: "Total number of scheduler poll cycles.",
		}),
		tickErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hatest_scheduler_tick_errors_total",
			Help: "Total number of poll cycles that returned an error.",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hatest_scheduler_tick_duration_seconds",
			Help:    "Duration of each scheduler poll cycle in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		triggeredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hatest_scheduler_jobs_triggered_total",
			Help: "Total number of jobs submitted by schedule triggers.",
		}),
		skippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hatest_scheduler_workspaces_skipped_total",
			Help: "Total number of workspaces skipped during triggers (lock conflicts).",
		}),
		jobsSubmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hatest_worker_jobs_submitted_total",
			Help: "Total number of jobs accepted by the worker.",
		}),
		jobOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hatest_worker_job_outcomes_total",
			Help: "Job terminal outcomes by status.",
		}, []string{"outcome"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hatest_worker_steps_total",
			Help: "Test steps executed by result status.",
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "hatest_worker_step_duration_seconds",
			Help: "Wall-clock duration of individual test steps in seconds.",
			// Steps run whole failure-injection playbooks; minutes, not millis.
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hatest_worker_jobs_in_flight",
			Help: "Number of jobs currently executing.",
		}),
		staleRecoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hatest_reconciler_stale_jobs_recovered_total",
			Help: "Jobs failed by the reconciler because no live executor owned them.",
		}),
		notifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hatest_notify_deliveries_total",
			Help: "Completion webhook deliveries by outcome.",
		}, []string{"outcome"}),
	}

	for _, c := range []prometheus.Collector{
		s.ticksTotal, s.tickErrorsTotal, s.tickDuration, s.triggeredTotal,
		s.skippedTotal, s.jobsSubmittedTotal, s.jobOutcomesTotal,
		s.stepsTotal, s.stepDuration, s.jobsInFlight, s.staleRecoveredTotal,
		s.notifyTotal,
	} {
		if err := reg.Register(c); err != nil {
			log.Printf("metrics: register: %v", err)
		}
	}

	return s
}

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, err error) {
	s.tickDuration.Observe(duration.Seconds())
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) ScheduleTriggered(submitted, skipped int) {
	if submitted > 0 {
		s.triggeredTotal.Add(float64(submitted))
	}
	if skipped > 0 {
		s.skippedTotal.Add(float64(skipped))
	}
}

func (s *PrometheusSink) JobSubmitted() {
	s.jobsSubmittedTotal.Inc()
}

func (s *PrometheusSink) JobOutcome(outcome string) {
	s.jobOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) StepCompleted(status string, duration time.Duration) {
	s.stepsTotal.WithLabelValues(status).Inc()
	s.stepDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) JobsInFlightIncr() {
	s.jobsInFlight.Inc()
}

func (s *PrometheusSink) JobsInFlightDecr() {
	s.jobsInFlight.Dec()
}

func (s *PrometheusSink) StaleJobsRecovered(count int) {
	if count > 0 {
		s.staleRecoveredTotal.Add(float64(count))
	}
}

func (s *PrometheusSink) NotifyDelivery(outcome string) {
	s.notifyTotal.WithLabelValues(outcome).Inc()
}
