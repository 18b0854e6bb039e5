package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for Auri phases.
// A nil or disabled *Metrics is valid and records nothing.
type Metrics struct {
	config MetricsConfig

	// Phase metrics
	phaseStatus  *prometheus.GaugeVec
	unitsTotal   *prometheus.CounterVec
	unitDuration *prometheus.HistogramVec
	timeToDetect *prometheus.HistogramVec
	queuedUnits  *prometheus.GaugeVec
	failures     *prometheus.CounterVec

	// Collection metrics
	collectorEvents  *prometheus.CounterVec
	samplesCollected *prometheus.CounterVec
	samplesDropped   *prometheus.CounterVec
	sampleInfo       *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.ExponentialBuckets(1, 2, 12)
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		phaseStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "phase_status",
				Help:      "Current status of a phase (1 for the active status)",
			},
			[]string{"phase", "status"},
		),
		unitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_total",
				Help:      "Total number of sample runs by verdict",
			},
			[]string{"phase", "target", "verdict"},
		),
		unitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_duration_seconds",
				Help:      "Duration of a full sample run, from VM launch to VM stop",
				Buckets:   buckets,
			},
			[]string{"phase", "target"},
		),
		timeToDetect: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "time_to_detect_seconds",
				Help:      "Time spent waiting for changes after the sample was launched",
				Buckets:   buckets,
			},
			[]string{"phase", "target"},
		),
		queuedUnits: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_samples",
				Help:      "Samples waiting to be analyzed at the last count",
			},
			[]string{"phase"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_failures_total",
				Help:      "Total number of phase failures by failed operation",
			},
			[]string{"phase", "what"},
		),
		collectorEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collector_events_total",
				Help:      "Total number of collector status updates by kind",
			},
			[]string{"collector", "kind"},
		),
		samplesCollected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_collected_total",
				Help:      "Total number of new samples stored",
			},
			[]string{"collector"},
		),
		samplesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "samples_dropped_total",
				Help:      "Total number of collected samples not stored, by reason",
			},
			[]string{"collector", "reason"},
		),
		sampleInfo: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sample_info_total",
				Help:      "Total number of sample info rows stored",
			},
			[]string{"provider"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.phaseStatus,
		m.unitsTotal,
		m.unitDuration,
		m.timeToDetect,
		m.queuedUnits,
		m.failures,
		m.collectorEvents,
		m.samplesCollected,
		m.samplesDropped,
		m.sampleInfo,
	)

	return m, nil
}

// Phase Metrics

// SetPhaseStatus marks status as the active status of phase.
func (m *Metrics) SetPhaseStatus(phase, status string, all []string) {
	if m == nil || m.phaseStatus == nil {
		return
	}
	for _, s := range all {
		value := 0.0
		if s == status {
			value = 1.0
		}
		m.phaseStatus.WithLabelValues(phase, s).Set(value)
	}
}

// RecordUnit records a finished sample run.
func (m *Metrics) RecordUnit(phase, target, verdict string, duration, timeToDetect time.Duration) {
	if m == nil || m.unitsTotal == nil {
		return
	}
	m.unitsTotal.WithLabelValues(phase, target, verdict).Inc()
	m.unitDuration.WithLabelValues(phase, target).Observe(duration.Seconds())
	m.timeToDetect.WithLabelValues(phase, target).Observe(timeToDetect.Seconds())
}

// SetQueued sets the number of samples waiting in phase.
func (m *Metrics) SetQueued(phase string, count int) {
	if m == nil || m.queuedUnits == nil {
		return
	}
	m.queuedUnits.WithLabelValues(phase).Set(float64(count))
}

// RecordFailure records a phase ending in failure.
func (m *Metrics) RecordFailure(phase, what string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(phase, what).Inc()
}

// Collection Metrics

// RecordCollectorEvent records a collector status update.
func (m *Metrics) RecordCollectorEvent(collector, kind string) {
	if m == nil || m.collectorEvents == nil {
		return
	}
	m.collectorEvents.WithLabelValues(collector, kind).Inc()
}

// RecordSampleCollected records a new stored sample.
func (m *Metrics) RecordSampleCollected(collector string) {
	if m == nil || m.samplesCollected == nil {
		return
	}
	m.samplesCollected.WithLabelValues(collector).Inc()
}

// RecordSampleDropped records a collected sample that was not stored.
func (m *Metrics) RecordSampleDropped(collector, reason string) {
	if m == nil || m.samplesDropped == nil {
		return
	}
	m.samplesDropped.WithLabelValues(collector, reason).Inc()
}

// RecordSampleInfo records a stored sample info row.
func (m *Metrics) RecordSampleInfo(provider string) {
	if m == nil || m.sampleInfo == nil {
		return
	}
	m.sampleInfo.WithLabelValues(provider).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer exposes the registry. A disabled Metrics gathers nothing.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil || m.registry == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}
