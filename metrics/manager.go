package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Manager struct {
	// counters
	CounterAnalyses   *prometheus.CounterVec
	CounterCacheHits  prometheus.Counter
	CounterCacheMiss  prometheus.Counter
	CounterReferences prometheus.Counter

	// gauges
	GaugeInflight prometheus.Gauge

	// histograms
	HistStageDuration *prometheus.HistogramVec
}

func NewTestManager() *Manager {
	return NewManager("posecoach", prometheus.NewRegistry())
}

func NewManager(namespace string, reg prometheus.Registerer) *Manager {
	factory := promauto.With(reg)

	counterAnalyses := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analyses_total",
		Help:      "The total number of analyses by exercise and outcome",
	}, []string{"exercise", "status"})

	counterCacheHits := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detection_cache_hits",
		Help:      "Detection cache hits",
	})
	counterCacheMiss := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detection_cache_misses",
		Help:      "Detection cache misses",
	})
	counterReferences := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "references_stored",
		Help:      "Reference digests stored",
	})

	gaugeInflight := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "analyses_inflight",
		Help:      "Analyses currently running",
	})

	histStageDuration := factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Wall time per pipeline stage",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"stage"})

	return &Manager{
		CounterAnalyses:   counterAnalyses,
		CounterCacheHits:  counterCacheHits,
		CounterCacheMiss:  counterCacheMiss,
		CounterReferences: counterReferences,
		GaugeInflight:     gaugeInflight,
		HistStageDuration: histStageDuration,
	}
}

// ObserveStage satisfies the pipeline's observer interface.
func (m *Manager) ObserveStage(stage string, d time.Duration) {
	m.HistStageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// AnalysisStarted/AnalysisDone bracket one request.
func (m *Manager) AnalysisStarted() { m.GaugeInflight.Inc() }

func (m *Manager) AnalysisDone(exercise, status string) {
	m.GaugeInflight.Dec()
	m.CounterAnalyses.WithLabelValues(exercise, status).Inc()
}

func (m *Manager) CacheHit()  { m.CounterCacheHits.Inc() }
func (m *Manager) CacheMiss() { m.CounterCacheMiss.Inc() }

func (m *Manager) ReferenceStored() { m.CounterReferences.Inc() }
