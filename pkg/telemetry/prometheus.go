package telemetry

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusConfig configures the Prometheus sink.
type PrometheusConfig struct {
	// Namespace is the metric namespace.
	// Default: "iotcloud"
	Namespace string

	// Subsystem is the metric subsystem.
	// Default: "client"
	Subsystem string

	// Buckets are the histogram buckets for attempt duration, in seconds.
	Buckets []float64

	// Registry is where the collectors are registered.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// DefaultPrometheusConfig returns the default sink configuration.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Namespace: "iotcloud",
		Subsystem: "client",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		Registry:  prometheus.DefaultRegisterer,
	}
}

// PrometheusSink exports attempt counters, durations and in-flight gauges.
type PrometheusSink struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight *prometheus.GaugeVec
}

// NewPrometheusSink creates the collectors and registers them. Collectors that are
// already registered with an identical description are reused.
func NewPrometheusSink(cfg PrometheusConfig) (*PrometheusSink, error) {
	def := DefaultPrometheusConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = def.Subsystem
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = def.Buckets
	}
	if cfg.Registry == nil {
		cfg.Registry = def.Registry
	}

	s := &PrometheusSink{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "attempts_total",
			Help:      "Registry API attempts by operation, collection, status code and outcome.",
		}, []string{"operation", "collection", "code", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "attempt_duration_seconds",
			Help:      "Duration of registry API attempts.",
			Buckets:   cfg.Buckets,
		}, []string{"operation", "collection", "outcome"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "attempts_inflight",
			Help:      "Registry API attempts currently in flight.",
		}, []string{"operation", "collection"}),
	}

	var err error
	if s.calls, err = register(cfg.Registry, s.calls); err != nil {
		return nil, err
	}
	if s.duration, err = register(cfg.Registry, s.duration); err != nil {
		return nil, err
	}
	if s.inflight, err = register(cfg.Registry, s.inflight); err != nil {
		return nil, err
	}
	return s, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Started implements StartObserver.
func (s *PrometheusSink) Started(info SpanInfo) {
	s.inflight.WithLabelValues(info.Operation, info.Collection).Inc()
}

// Record implements Sink.
func (s *PrometheusSink) Record(ev Event) {
	s.inflight.WithLabelValues(ev.Operation, ev.Collection).Dec()
	code := "none"
	if ev.Status > 0 {
		code = strconv.Itoa(ev.Status)
	}
	s.calls.WithLabelValues(ev.Operation, ev.Collection, code, string(ev.Outcome)).Inc()
	s.duration.WithLabelValues(ev.Operation, ev.Collection, string(ev.Outcome)).Observe(ev.Duration.Seconds())
}
