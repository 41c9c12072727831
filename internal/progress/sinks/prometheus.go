package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/parcel-mapper/internal/progress"
)

// PrometheusSink turns progress events into run-level collectors.
type PrometheusSink struct {
	runsStarted    prometheus.Counter
	runsCompleted  prometheus.Counter
	runsRunning    prometheus.Gauge
	runDuration    prometheus.Histogram
	recordsDone    *prometheus.CounterVec
	recordDuration *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the sink's collectors on reg (default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parcelmap_runs_started_total",
			Help: "Resolution runs started.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parcelmap_runs_completed_total",
			Help: "Resolution runs that reached RUN_DONE.",
		}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parcelmap_runs_running",
			Help: "Resolution runs currently in flight.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "parcelmap_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		recordsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parcelmap_run_records_total",
			Help: "Records completed within runs, by outcome.",
		}, []string{"outcome"}),
		recordDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parcelmap_record_duration_seconds",
			Help:    "Time from dispatch to terminal outcome per record.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 90},
		}, []string{"outcome"}),
		tracker: &runTracker{running: make(map[[16]byte]struct{})},
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.recordsDone,
		s.recordDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.tracker.start(evt.RunID) {
				s.runsRunning.Inc()
			}
		case progress.StageRecordDone:
			s.recordsDone.WithLabelValues(evt.Outcome).Inc()
			if evt.Dur > 0 {
				s.recordDuration.WithLabelValues(evt.Outcome).Observe(evt.Dur.Seconds())
			}
		case progress.StageRunDone:
			s.runsCompleted.Inc()
			if evt.Dur > 0 {
				s.runDuration.Observe(evt.Dur.Seconds())
			}
			if s.tracker.finish(evt.RunID) {
				s.runsRunning.Dec()
			}
		}
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) finish(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
