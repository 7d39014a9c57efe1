package sinks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/buildwatch/internal/event"
	"github.com/JakeFAU/buildwatch/internal/progress"
)

// PrometheusSink exports build progress metrics via Prometheus. It owns all
// collectors for builds started/completed/running and per-stage results.
type PrometheusSink struct {
	eventsTotal     *prometheus.CounterVec
	stageResults    *prometheus.CounterVec
	buildsStarted   prometheus.Counter
	buildsCompleted *prometheus.CounterVec
	buildsRunning   prometheus.Gauge
	buildDuration   *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildwatch_build_events_total",
			Help: "Observed build events partitioned by class.",
		}, []string{"class"}),
		stageResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildwatch_stage_results_total",
			Help: "Stage completions partitioned by stage and result.",
		}, []string{"stage", "result"}),
		buildsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buildwatch_builds_started_total",
			Help: "Builds whose first event has been observed.",
		}),
		buildsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "buildwatch_builds_completed_total",
			Help: "Builds resolved partitioned by result.",
		}, []string{"result"}),
		buildsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buildwatch_builds_running",
			Help: "Repositories with an unresolved build in progress.",
		}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "buildwatch_build_duration_seconds",
			Help:    "Time from the first observed event to resolution.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"result"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.eventsTotal,
		s.stageResults,
		s.buildsStarted,
		s.buildsCompleted,
		s.buildsRunning,
		s.buildDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Record) error {
	for _, rec := range batch {
		s.consumeRecord(rec)
	}
	return nil
}

func (s *PrometheusSink) consumeRecord(rec progress.Record) {
	e := rec.Event
	s.eventsTotal.WithLabelValues(e.Class().String()).Inc()
	switch e.Class() {
	case event.ClassStage:
		result := "done"
		if e.StageFailed() {
			result = "error"
		}
		s.stageResults.WithLabelValues(e.Stage(), result).Inc()
		if s.tracker.start(e.Repo, rec.TS) {
			s.buildsStarted.Inc()
			s.buildsRunning.Inc()
		}
	case event.ClassSucceeded, event.ClassFailed:
		result := e.Class().String()
		s.buildsCompleted.WithLabelValues(result).Inc()
		if started, ok := s.tracker.complete(e.Repo); ok {
			s.buildsRunning.Dec()
			if d := rec.TS.Sub(started); d > 0 {
				s.buildDuration.WithLabelValues(result).Observe(d.Seconds())
			}
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// runTracker remembers which repositories have a build in flight.
type runTracker struct {
	mu      sync.Mutex
	running map[string]time.Time
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]time.Time)}
}

func (t *runTracker) start(repo string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[repo]; ok {
		return false
	}
	t.running[repo] = at
	return true
}

func (t *runTracker) complete(repo string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	started, ok := t.running[repo]
	if !ok {
		return time.Time{}, false
	}
	delete(t.running, repo)
	return started, true
}
