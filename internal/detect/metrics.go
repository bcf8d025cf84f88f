package detect

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for detection.
type Metrics struct {
	DetectionsTotal    *prometheus.CounterVec
	DetectionDuration  prometheus.Histogram
	RuleEvaluations    prometheus.Counter
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
	CacheEvictionTotal prometheus.Counter
}

// NewMetrics creates and registers the detection metrics. Registration
// happens once per process; later calls return the same instance.
//
// Metrics:
//   - gitprofile_detections_total{result} - detections by outcome (cached, matched, none)
//   - gitprofile_detection_duration_seconds - detection latency on the miss path
//   - gitprofile_rule_evaluations_total - match rules evaluated
//   - gitprofile_detection_cache_hits_total
//   - gitprofile_detection_cache_misses_total
//   - gitprofile_detection_cache_evictions_total
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			DetectionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gitprofile_detections_total",
					Help: "Total number of profile detections by outcome",
				},
				[]string{"result"},
			),
			DetectionDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "gitprofile_detection_duration_seconds",
					Help:    "Duration of uncached profile detection in seconds",
					Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 100µs to ~200ms
				},
			),
			RuleEvaluations: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "gitprofile_rule_evaluations_total",
					Help: "Total number of match rules evaluated",
				},
			),
			CacheHitsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "gitprofile_detection_cache_hits_total",
					Help: "Total number of detection cache hits",
				},
			),
			CacheMissesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "gitprofile_detection_cache_misses_total",
					Help: "Total number of detection cache misses",
				},
			),
			CacheEvictionTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "gitprofile_detection_cache_evictions_total",
					Help: "Total number of detection cache entries evicted by the LRU bound",
				},
			),
		}
	})
	return globalMetrics
}

func (m *Metrics) recordDetection(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.DetectionsTotal.WithLabelValues(result).Inc()
	if result != resultCached {
		m.DetectionDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) recordEvaluation() {
	if m == nil {
		return
	}
	m.RuleEvaluations.Inc()
}

func (m *Metrics) recordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

func (m *Metrics) recordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

func (m *Metrics) recordEviction() {
	if m == nil {
		return
	}
	m.CacheEvictionTotal.Inc()
}
