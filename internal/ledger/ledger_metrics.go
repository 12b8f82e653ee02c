package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// StoreOpsTotal counts ledger store write operations by type.
	StoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "revolve",
			Name:      "ledger_operations_total",
			Help:      "Total ledger store operations by type.",
		},
		[]string{"type"},
	)

	// StoreOpDuration observes operation latency by type.
	StoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "revolve",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger store operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(StoreOpsTotal, StoreOpDuration)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	StoreOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		StoreOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
