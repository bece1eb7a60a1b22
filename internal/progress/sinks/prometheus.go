package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/consulta-orchestrator/internal/progress"
)

// PrometheusSink exports job lifecycle metrics. It owns the collectors for
// admitted, running, and finished jobs and for status transitions.
type PrometheusSink struct {
	jobsAdmitted prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec
	transitions  *prometheus.CounterVec
	jobsReaped   prometheus.Counter

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consulta_jobs_admitted_total",
			Help: "Total lookups admitted.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consulta_jobs_finished_total",
			Help: "Total jobs that reached a terminal status, by job kind and status.",
		}, []string{"kind", "status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "consulta_jobs_running",
			Help: "Current number of admitted jobs without a terminal status.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consulta_job_runtime_seconds",
			Help:    "Wall time from admission to terminal status.",
			Buckets: []float64{5, 15, 30, 60, 120, 180, 300, 600},
		}, []string{"kind", "status"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consulta_job_transitions_total",
			Help: "Job status transitions, by target status.",
		}, []string{"status"}),
		jobsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "consulta_jobs_reaped_events_total",
			Help: "Job records reported as reaped.",
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsAdmitted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobRuntime,
		s.transitions,
		s.jobsReaped,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Kind {
	case progress.KindAdmitted:
		s.jobsAdmitted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.KindTransition:
		s.transitions.WithLabelValues(string(evt.Status)).Inc()
	case progress.KindFinished:
		kind := string(evt.JobKind)
		if kind == "" {
			kind = "unknown"
		}
		s.jobsFinished.WithLabelValues(kind, string(evt.Status)).Inc()
		if evt.Dur > 0 {
			s.jobRuntime.WithLabelValues(kind, string(evt.Status)).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	case progress.KindReaped:
		s.jobsReaped.Inc()
		// A job reaped before finishing stops counting as running.
		if s.tracker.complete(evt.JobID) {
			s.jobsRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
