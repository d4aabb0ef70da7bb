package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sogan_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sogan_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	DiamondConsumptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sogan_diamond_consumptions_total",
			Help: "Consume attempts by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	DiamondsGrantedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sogan_diamonds_granted_total",
			Help: "Diamonds added by grants and refills",
		},
		[]string{"kind"},
	)

	DiamondRefillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sogan_diamond_refills_total",
			Help: "Refill checks that found a refill due",
		},
		[]string{"applied"},
	)

	StorageErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sogan_diamond_storage_errors_total",
			Help: "Ledger operations that failed with a storage error",
		},
		[]string{"operation"},
	)
)

// Consume outcomes
const (
	OutcomeOK           = "ok"
	OutcomeInsufficient = "insufficient"
	OutcomeReplayed     = "replayed"
)

func RecordHTTPRequest(method, path, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func RecordConsume(action, outcome string) {
	DiamondConsumptionsTotal.WithLabelValues(action, outcome).Inc()
}

func RecordGrant(kind string, amount int) {
	if amount <= 0 {
		return
	}
	DiamondsGrantedTotal.WithLabelValues(kind).Add(float64(amount))
}

func RecordRefill(applied bool) {
	label := "false"
	if applied {
		label = "true"
	}
	DiamondRefillsTotal.WithLabelValues(label).Inc()
}

func RecordStorageError(operation string) {
	StorageErrorsTotal.WithLabelValues(operation).Inc()
}
