package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/opportunity-crawler/internal/progress"
	"github.com/JakeFAU/opportunity-crawler/internal/scrape"
)

// PrometheusSink turns lifecycle events into job and fetch metrics.
type PrometheusSink struct {
	jobsSubmitted  prometheus.Counter
	jobsOverloaded prometheus.Counter
	jobsFinished   *prometheus.CounterVec
	jobsRetried    *prometheus.CounterVec
	jobsReaped     prometheus.Counter
	jobsRunning    prometheus.Gauge
	jobRuntime     *prometheus.HistogramVec
	records        prometheus.Counter

	fetchRequests   *prometheus.CounterVec
	fetchBytes      *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	extractDuration prometheus.Histogram

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_jobs_submitted_total",
			Help: "Jobs accepted by the dispatcher.",
		}),
		jobsOverloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_jobs_overloaded_total",
			Help: "Submissions rejected because the work queue stayed full.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by result.",
		}, []string{"result"}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_jobs_retried_total",
			Help: "Jobs returned to pending for another attempt, by error class.",
		}, []string{"class"}),
		jobsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_jobs_reaped_total",
			Help: "Running jobs whose lease expired and were reclaimed by the reaper.",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_jobs_running",
			Help: "Jobs currently claimed by a worker.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_job_attempt_seconds",
			Help:    "Wall time of one job attempt, by outcome.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"result"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scraper_opportunities_extracted_total",
			Help: "Opportunity records persisted by completed jobs.",
		}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_fetch_requests_total",
			Help: "Page fetches by site and status class.",
		}, []string{"site", "status_class"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_fetch_bytes_total",
			Help: "Bytes downloaded per site.",
		}, []string{"site"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_fetch_duration_seconds",
			Help:    "Fetch duration by site and status class.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"site", "status_class"}),
		extractDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scraper_extract_duration_seconds",
			Help:    "Extraction duration per page.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsSubmitted, s.jobsOverloaded, s.jobsFinished, s.jobsRetried, s.jobsReaped,
		s.jobsRunning, s.jobRuntime, s.records,
		s.fetchRequests, s.fetchBytes, s.fetchDuration, s.extractDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageSubmitted:
		s.jobsSubmitted.Inc()
	case progress.StageOverloaded:
		s.jobsOverloaded.Inc()
	case progress.StageClaimed:
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageFetched:
		s.observeFetch(evt)
	case progress.StageExtracted:
		if evt.Dur > 0 {
			s.extractDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageCompleted:
		s.jobsFinished.WithLabelValues("completed").Inc()
		s.records.Add(float64(evt.Records))
		s.release(evt, "completed")
	case progress.StageFailed:
		s.jobsFinished.WithLabelValues("failed").Inc()
		s.release(evt, "failed")
	case progress.StageCancelled:
		s.jobsFinished.WithLabelValues("cancelled").Inc()
	case progress.StageRetried:
		class := evt.Note
		if class == "" {
			class = "unknown"
		}
		s.jobsRetried.WithLabelValues(class).Inc()
		s.release(evt, "retried")
	case progress.StageReaped:
		s.jobsReaped.Inc()
		s.release(evt, "")
	}
}

func (s *PrometheusSink) release(evt progress.Event, result string) {
	if s.tracker.complete(evt.JobID) {
		s.jobsRunning.Dec()
	}
	if result != "" && evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) observeFetch(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	statusClass := string(evt.StatusClass)
	s.fetchRequests.WithLabelValues(site, statusClass).Inc()
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(site, statusClass).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// jobTracker keeps the running gauge honest when events repeat.
type jobTracker struct {
	mu      sync.Mutex
	running map[scrape.JobID]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[scrape.JobID]struct{})}
}

func (t *jobTracker) start(id scrape.JobID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id scrape.JobID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
