package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "autorenew"

// Metrics records one run. The registry is private to the run so the
// textfile written at exit contains only this run's series.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	runDuration   prometheus.Gauge
	lastRun       prometheus.Gauge
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	clicks        *prometheus.CounterVec
	challenges    *prometheus.CounterVec
}

// NewMetrics registers the run metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Renewal runs by final outcome.",
		}, []string{"outcome"}),
		runDuration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each workflow stage.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage"}),
		stageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stage_failures_total",
			Help:      "Fatal errors by workflow stage.",
		}, []string{"stage"}),
		clicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "clicks_total",
			Help:      "Robust click results by mechanism.",
		}, []string{"mechanism"}),
		challenges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "challenge_waits_total",
			Help:      "Interstitial waits by result.",
		}, []string{"result"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Runs, StageFailures, Clicks and Challenges expose the counters for
// assertions.
func (m *Metrics) Runs() *prometheus.CounterVec { return m.runs }

func (m *Metrics) StageFailures() *prometheus.CounterVec { return m.stageFailures }

func (m *Metrics) Clicks() *prometheus.CounterVec { return m.clicks }

func (m *Metrics) Challenges() *prometheus.CounterVec { return m.challenges }

// ObserveStage records a finished stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	if err != nil {
		m.stageFailures.WithLabelValues(stage).Inc()
	}
}

// ObserveRun records the final outcome of a run.
func (m *Metrics) ObserveRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Set(d.Seconds())
	m.lastRun.SetToCurrentTime()
}

// ObserveClick counts which mechanism landed a click, or "exhausted".
func (m *Metrics) ObserveClick(mechanism string) {
	if m == nil {
		return
	}
	m.clicks.WithLabelValues(mechanism).Inc()
}

// ObserveChallenge counts interstitial waits by result ("clear", "timeout").
func (m *Metrics) ObserveChallenge(result string) {
	if m == nil {
		return
	}
	m.challenges.WithLabelValues(result).Inc()
}

// WriteTextfile writes the registry in the node_exporter textfile format.
// An empty path disables the export.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
