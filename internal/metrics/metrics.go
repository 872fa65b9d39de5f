// Package metrics holds the prometheus collectors of the sync engine and the
// task queue. Collectors are registered on a caller-provided registerer so
// several clients can live in one process; a nil *Metrics records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector.
type Metrics struct {
	// Task queue
	TasksEnqueued  *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	TaskRetries    *prometheus.CounterVec
	TasksExhausted *prometheus.CounterVec
	TasksInFlight  prometheus.Gauge

	// Engine
	InboundEvents    *prometheus.CounterVec
	EventsSkipped    prometheus.Counter
	Backfills        prometheus.Counter
	SyncDuration     prometheus.Histogram
	SyncFailures     *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec

	// Attachments
	Downloads *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which tests use to read values without a registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TasksEnqueued: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_tasks_enqueued_total",
				Help: "Total tasks persisted to the outgoing queue",
			},
			[]string{"type"},
		),
		TasksCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_tasks_completed_total",
				Help: "Total tasks completed and removed",
			},
			[]string{"type"},
		),
		TaskRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_task_retries_total",
				Help: "Total task retries after a failed attempt",
			},
			[]string{"type"},
		),
		TasksExhausted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_tasks_exhausted_total",
				Help: "Total tasks that used up their retry budget",
			},
			[]string{"type"},
		),
		TasksInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "convsync_tasks_in_flight",
				Help: "Tasks currently being processed",
			},
		),
		InboundEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_inbound_events_total",
				Help: "Total inbound events applied, by kind",
			},
			[]string{"kind"},
		),
		EventsSkipped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "convsync_events_skipped_total",
				Help: "Total inbound events skipped as already applied",
			},
		),
		Backfills: f.NewCounter(
			prometheus.CounterOpts{
				Name: "convsync_backfills_total",
				Help: "Total conversation resyncs triggered by an id gap",
			},
		),
		SyncDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convsync_sync_duration_seconds",
				Help:    "Duration of full synchronizations",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		SyncFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_sync_failures_total",
				Help: "Total synchronization failures, by error code",
			},
			[]string{"code"},
		),
		StateTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_state_transitions_total",
				Help: "Total engine state transitions, by target state",
			},
			[]string{"state"},
		),
		Downloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convsync_downloads_total",
				Help: "Total attachment fetches, by result",
			},
			[]string{"result"}, // "hit", "fetched" or "error"
		),
	}
}

func (m *Metrics) TaskEnqueued(typ string) {
	if m != nil {
		m.TasksEnqueued.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) TaskCompleted(typ string) {
	if m != nil {
		m.TasksCompleted.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) TaskRetried(typ string) {
	if m != nil {
		m.TaskRetries.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) TaskExhausted(typ string) {
	if m != nil {
		m.TasksExhausted.WithLabelValues(typ).Inc()
	}
}

// TaskStarted and TaskFinished bracket one task attempt.
func (m *Metrics) TaskStarted() {
	if m != nil {
		m.TasksInFlight.Inc()
	}
}

func (m *Metrics) TaskFinished() {
	if m != nil {
		m.TasksInFlight.Dec()
	}
}

func (m *Metrics) InboundEvent(kind string) {
	if m != nil {
		m.InboundEvents.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) EventSkipped() {
	if m != nil {
		m.EventsSkipped.Inc()
	}
}

func (m *Metrics) Backfill() {
	if m != nil {
		m.Backfills.Inc()
	}
}

// ObserveSync records a finished full sync. code is empty on success.
func (m *Metrics) ObserveSync(d time.Duration, code string) {
	if m == nil {
		return
	}
	m.SyncDuration.Observe(d.Seconds())
	if code != "" {
		m.SyncFailures.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) StateChanged(state string) {
	if m != nil {
		m.StateTransitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) Download(result string) {
	if m != nil {
		m.Downloads.WithLabelValues(result).Inc()
	}
}
