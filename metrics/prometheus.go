// Package metrics provides Prometheus instrumentation for the admission
// pipeline.
//
// Unlike a rate-limiter library wrapping N swappable limiter instances,
// there's exactly one pipeline per process, so metrics are recorded
// directly from pipeline.Pipeline rather than through a Wrap-style
// decorator:
//
//	collector := metrics.NewCollector()
//	collector.RecordRequest("blocked")
//	collector.ObserveThreatScore(0.91)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Admission actions recorded against the requests-total counter. These
// mirror the pipeline's graduated mitigation outcomes.
const (
	ActionAllowed     = "allowed"
	ActionMonitored   = "monitored"
	ActionChallenged  = "challenged"
	ActionRateLimited = "rate_limited"
	ActionBlocked     = "blocked"
	ActionBlackholed  = "blackholed"
)

// Rate-limit layers recorded against the rate-limit-checks counter.
const (
	LayerPerIP     = "per_ip"
	LayerPerSubnet = "per_subnet"
	LayerGlobal    = "global"
	LayerRule      = "rule"
)

// Rate-limit decisions recorded against the rate-limit-checks counter.
const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
)

// Collector holds the Prometheus metric vectors the pipeline writes to on
// every admitted request.
type Collector struct {
	requests        *prometheus.CounterVec
	threatScore     prometheus.Histogram
	rateLimitChecks *prometheus.CounterVec
	mlTrainTotal    prometheus.Counter
}

type collectorConfig struct {
	namespace string
	subsystem string
	registry  prometheus.Registerer
	buckets   []float64
}

// CollectorOption configures a Collector.
type CollectorOption func(*collectorConfig)

// WithNamespace sets the Prometheus metric namespace (prefix).
func WithNamespace(ns string) CollectorOption {
	return func(c *collectorConfig) { c.namespace = ns }
}

// WithSubsystem sets the Prometheus metric subsystem.
func WithSubsystem(sub string) CollectorOption {
	return func(c *collectorConfig) { c.subsystem = sub }
}

// WithRegistry registers metrics with the given Registerer instead of
// prometheus.DefaultRegisterer.
func WithRegistry(r prometheus.Registerer) CollectorOption {
	return func(c *collectorConfig) { c.registry = r }
}

// WithBuckets sets custom histogram buckets for the threat score.
func WithBuckets(b []float64) CollectorOption {
	return func(c *collectorConfig) { c.buckets = b }
}

var defaultBuckets = []float64{0, .1, .2, .3, .4, .5, .6, .7, .75, .8, .9, 1}

// NewCollector creates a Collector and registers its metrics.
//
// Metrics registered:
//   - {namespace}_requests_total{action}              counter
//   - {namespace}_threat_score                        histogram
//   - {namespace}_rate_limit_checks_total{layer,decision} counter
//   - {namespace}_ml_train_total                       counter
//
// Default namespace is "sentinel".
func NewCollector(opts ...CollectorOption) *Collector {
	cfg := &collectorConfig{
		namespace: "sentinel",
		registry:  prometheus.DefaultRegisterer,
		buckets:   defaultBuckets,
	}
	for _, o := range opts {
		o(cfg)
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "requests_total",
		Help:      "Total requests admitted through the pipeline, partitioned by mitigation action.",
	}, []string{"action"})

	threatScore := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "threat_score",
		Help:      "Blended threat score assigned to each scored request.",
		Buckets:   cfg.buckets,
	})

	rateLimitChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "rate_limit_checks_total",
		Help:      "Total rate limit checks partitioned by layer and decision.",
	}, []string{"layer", "decision"})

	mlTrainTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.namespace,
		Subsystem: cfg.subsystem,
		Name:      "ml_train_total",
		Help:      "Total completed anomaly model training passes.",
	})

	cfg.registry.MustRegister(requests, threatScore, rateLimitChecks, mlTrainTotal)

	return &Collector{
		requests:        requests,
		threatScore:     threatScore,
		rateLimitChecks: rateLimitChecks,
		mlTrainTotal:    mlTrainTotal,
	}
}

// RecordRequest increments the requests-total counter for the given
// mitigation action (one of the Action* constants).
func (c *Collector) RecordRequest(action string) {
	c.requests.WithLabelValues(action).Inc()
}

// ObserveThreatScore records a request's blended threat score.
func (c *Collector) ObserveThreatScore(score float64) {
	c.threatScore.Observe(score)
}

// RecordRateLimitCheck increments the rate-limit-checks counter for the
// given layer (one of the Layer* constants) and decision (Decision*).
func (c *Collector) RecordRateLimitCheck(layer, decision string) {
	c.rateLimitChecks.WithLabelValues(layer, decision).Inc()
}

// RecordMLTrain increments the ML training-pass counter. The pipeline and
// the detection engine do not call it, so the counter only moves when the
// embedding program does.
func (c *Collector) RecordMLTrain() {
	c.mlTrainTotal.Inc()
}
