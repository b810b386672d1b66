package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: длительность проверки прав (включая промах кэша)
	CheckDuration *prometheus.HistogramVec

	// Traffic: решения ACL по исходам
	DecisionTotal *prometheus.CounterVec

	// Попадания в TTL-кэш решений
	CacheHits prometheus.Counter

	// Исходы обработки capability-запросов (grant/deny/confirmation)
	CapabilityOutcomes *prometheus.CounterVec

	// Распределение счета риска
	RiskScore prometheus.Histogram

	// Saturation: заполненность буфера аудита (backpressure)
	AuditBufferFill prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern: без регистратора метрики живут в локальном
	// реестре, который никуда не подключен (удобно в тестах)
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		CheckDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authz_check_duration_seconds",
			Help:    "Histogram of permission check latencies.",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),

		DecisionTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Total number of ACL decisions by outcome.",
		}, []string{"outcome"}), // allow, deny

		CacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "authz_decision_cache_hits_total",
			Help: "Total number of decision cache hits.",
		}),

		CapabilityOutcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "authz_capability_outcomes_total",
			Help: "Capability request outcomes by decision kind.",
		}, []string{"decision"}),

		RiskScore: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "authz_risk_score",
			Help:    "Distribution of computed capability risk scores.",
			Buckets: []float64{0.1, 0.2, 0.3, 0.5, 0.7, 1, 1.5, 2},
		}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "authz_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
