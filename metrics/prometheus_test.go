package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/sentinel-proxy/sentinel/metrics"
)

func TestRecordRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(reg))

	collector.RecordRequest(metrics.ActionAllowed)
	collector.RecordRequest(metrics.ActionAllowed)
	collector.RecordRequest(metrics.ActionBlocked)

	assertCounter(t, reg, "sentinel_requests_total", map[string]string{"action": "allowed"}, 2)
	assertCounter(t, reg, "sentinel_requests_total", map[string]string{"action": "blocked"}, 1)
}

func TestObserveThreatScore(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(reg))

	collector.ObserveThreatScore(0.2)
	collector.ObserveThreatScore(0.9)

	assertHistogramCount(t, reg, "sentinel_threat_score", nil, 2)
}

func TestRecordRateLimitCheck(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(reg))

	collector.RecordRateLimitCheck(metrics.LayerPerIP, metrics.DecisionAllowed)
	collector.RecordRateLimitCheck(metrics.LayerPerIP, metrics.DecisionDenied)
	collector.RecordRateLimitCheck(metrics.LayerGlobal, metrics.DecisionAllowed)

	assertCounter(t, reg, "sentinel_rate_limit_checks_total", map[string]string{
		"layer": "per_ip", "decision": "allowed",
	}, 1)
	assertCounter(t, reg, "sentinel_rate_limit_checks_total", map[string]string{
		"layer": "per_ip", "decision": "denied",
	}, 1)
	assertCounter(t, reg, "sentinel_rate_limit_checks_total", map[string]string{
		"layer": "global", "decision": "allowed",
	}, 1)
}

func TestRecordMLTrain(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(metrics.WithRegistry(reg))

	collector.RecordMLTrain()
	collector.RecordMLTrain()

	assertCounter(t, reg, "sentinel_ml_train_total", nil, 2)
}

func TestCollectorOptions(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(
		metrics.WithRegistry(reg),
		metrics.WithNamespace("myapp"),
		metrics.WithSubsystem("proxy"),
		metrics.WithBuckets([]float64{.1, .5, .9}),
	)

	collector.RecordRequest(metrics.ActionAllowed)
	collector.ObserveThreatScore(0.5)

	assertCounter(t, reg, "myapp_proxy_requests_total", map[string]string{"action": "allowed"}, 1)
	assertHistogramCount(t, reg, "myapp_proxy_threat_score", nil, 1)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func assertCounter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, want float64) {
	t.Helper()
	val := gatherMetricValue(t, reg, name, labels, func(m *dto.Metric) float64 {
		return m.GetCounter().GetValue()
	})
	if val != want {
		t.Errorf("%s%v = %v, want %v", name, labels, val, want)
	}
}

func assertHistogramCount(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, want uint64) {
	t.Helper()
	val := gatherMetricValue(t, reg, name, labels, func(m *dto.Metric) float64 {
		return float64(m.GetHistogram().GetSampleCount())
	})
	if uint64(val) != want {
		t.Errorf("%s%v sample_count = %v, want %v", name, labels, uint64(val), want)
	}
}

func gatherMetricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, extract func(*dto.Metric) float64) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m, labels) {
				return extract(m)
			}
		}
	}
	if len(labels) > 0 {
		return 0
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func matchLabels(m *dto.Metric, want map[string]string) bool {
	pairs := m.GetLabel()
	if len(pairs) < len(want) {
		return false
	}
	for _, lp := range pairs {
		if v, ok := want[lp.GetName()]; ok && v != lp.GetValue() {
			return false
		}
	}
	return true
}
