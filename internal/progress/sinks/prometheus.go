package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scopus-crawler/internal/progress"
)

// Search run results used as label values.
const (
	resultSucceeded = "succeeded"
	resultFailed    = "failed"
	resultCanceled  = "canceled"
)

// PrometheusSink exports search run progress via Prometheus. It owns the
// collectors for runs started/completed/running and per-category page and
// entry counters.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	categoryPages    *prometheus.CounterVec
	categoryEntries  *prometheus.CounterVec
	pageDuration     *prometheus.HistogramVec
	categoryDuration *prometheus.HistogramVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scopus_search_runs_started_total",
			Help: "Total search runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scopus_search_runs_completed_total",
			Help: "Total search runs completed partitioned by result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scopus_search_runs_running",
			Help: "Current number of running search runs.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scopus_search_run_duration_seconds",
			Help:    "Wall time per completed search run.",
			Buckets: []float64{10, 60, 300, 900, 1800, 3600, 7200, 21600, 86400},
		}, []string{"result"}),
		categoryPages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scopus_category_pages_total",
			Help: "Result pages processed partitioned by category.",
		}, []string{"category"}),
		categoryEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scopus_category_entries_total",
			Help: "Entries seen partitioned by category and what persistence did.",
		}, []string{"category", "result"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scopus_page_duration_seconds",
			Help:    "Time to fetch and persist one result page.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"category"}),
		categoryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scopus_category_duration_seconds",
			Help:    "Time to crawl one category to exhaustion.",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"category"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.categoryPages,
		s.categoryEntries,
		s.pageDuration,
		s.categoryDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSearchStart:
			s.runsStarted.Inc()
			if s.tracker.start(evt.JobID) {
				s.runsRunning.Inc()
			}
		case progress.StageSearchDone:
			s.finish(evt, resultSucceeded)
		case progress.StageSearchError:
			s.finish(evt, resultFailed)
		case progress.StageSearchCanceled:
			s.finish(evt, resultCanceled)
		case progress.StagePageDone:
			s.handlePage(evt)
		case progress.StageCategoryDone:
			if evt.Dur > 0 {
				s.categoryDuration.WithLabelValues(evt.Category).Observe(evt.Dur.Seconds())
			}
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.JobID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) handlePage(evt progress.Event) {
	s.categoryPages.WithLabelValues(evt.Category).Inc()
	if evt.Created > 0 {
		s.categoryEntries.WithLabelValues(evt.Category, "created").Add(float64(evt.Created))
	}
	if evt.Duplicates > 0 {
		s.categoryEntries.WithLabelValues(evt.Category, "duplicate").Add(float64(evt.Duplicates))
	}
	if evt.Skipped > 0 {
		s.categoryEntries.WithLabelValues(evt.Category, "skipped").Add(float64(evt.Skipped))
	}
	if evt.Dur > 0 {
		s.pageDuration.WithLabelValues(evt.Category).Observe(evt.Dur.Seconds())
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
