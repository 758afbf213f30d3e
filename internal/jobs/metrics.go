package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ResultRecorder counts finished job runs. observability.Metrics satisfies it.
type ResultRecorder interface {
	ObserveJob(task string, err error)
}

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	results  ResultRecorder
	duration *prometheus.HistogramVec
	grants   *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used. Run outcomes are
// forwarded to results when it is set.
func NewMetrics(registerer prometheus.Registerer, results ResultRecorder) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		m := *defaultMetrics
		m.results = results
		return &m
	}
	m := buildMetrics(registerer)
	m.results = results
	return m
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	task    string
	start   time.Time
}

// Track spawns a tracker for the given task type.
func (m *Metrics) Track(task string) *Tracker {
	if m == nil {
		return &Tracker{task: task, start: time.Now()}
	}
	return &Tracker{metrics: m, task: task, start: time.Now()}
}

// End finalises the tracker, recording duration and outcome and returning the
// provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.task == "" {
		return err
	}
	t.metrics.duration.WithLabelValues(t.task).Observe(time.Since(t.start).Seconds())
	if t.metrics.results != nil {
		t.metrics.results.ObserveJob(t.task, err)
	}
	return err
}

// AddBaselineGrants counts grants created by a role baseline run.
func (m *Metrics) AddBaselineGrants(role string, count int) {
	if m == nil || count <= 0 {
		return
	}
	if role == "" {
		role = "unknown"
	}
	m.grants.WithLabelValues(role).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "k9ops_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
	grants := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "k9ops_baseline_grants_total",
		Help: "Grants created by role baseline jobs, by role.",
	}, []string{"role"})
	registerer.MustRegister(duration, grants)
	return &Metrics{duration: duration, grants: grants}
}
