package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Latency: длительность протокольных операций
	RequestDuration *prometheus.HistogramVec

	// Traffic: операции по исходам
	OperationsTotal *prometheus.CounterVec

	// Сколько бюджета выдано (микродоллары)
	GrantedMicrodollars prometheus.Counter

	// Повторы атомарного резервирования из-за конкуренции
	ReserveRetries prometheus.Counter

	// Состояние Circuit Breaker хранилища (0 - closed, 1 - open, 2 - half-open)
	BreakerState prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern: без регистратора метрики живут в локальном реестре
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gate_request_duration_seconds",
			Help:    "Duration of budget protocol operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		OperationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "gate_operations_total",
			Help: "Budget protocol operations by outcome.",
		}, []string{"operation", "status"}),

		GrantedMicrodollars: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gate_granted_microdollars_total",
			Help: "Total budget granted across all leases, in microdollars.",
		}),

		ReserveRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gate_reserve_retries_total",
			Help: "Retries of the atomic reserve due to store contention.",
		}),

		BreakerState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "gate_ledger_breaker_state",
			Help: "Ledger circuit breaker state (0 closed, 1 open, 2 half-open).",
		}),
	}
}
