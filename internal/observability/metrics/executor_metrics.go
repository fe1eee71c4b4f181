package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	TxOutcomeCommitted = "committed"
	TxOutcomeAborted   = "aborted"
	TxOutcomeExhausted = "exhausted"
)

// ExecutorMetrics tracks transactional executor attempts and retries.
type ExecutorMetrics struct {
	transactions *prometheus.CounterVec
	retries      *prometheus.CounterVec
	attempts     prometheus.Histogram
}

var (
	executorMetricsOnce sync.Once
	executorMetrics     *ExecutorMetrics
)

// Executor returns the singleton executor metrics registry.
func Executor() *ExecutorMetrics {
	return ExecutorWithConfig(Config{})
}

func ExecutorWithConfig(cfg Config) *ExecutorMetrics {
	executorMetricsOnce.Do(func() {
		executorMetrics = newExecutorMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return executorMetrics
}

// ResetExecutorMetricsForTest resets the executor metrics singleton for tests.
func ResetExecutorMetricsForTest() {
	executorMetricsOnce = sync.Once{}
	executorMetrics = nil
}

func newExecutorMetrics(registerer prometheus.Registerer, cfg Config) *ExecutorMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	transactions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditcore_tx_total",
		Help:        "Executor transactions by final outcome.",
		ConstLabels: labels,
	}, []string{"outcome"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "creditcore_tx_retries_total",
		Help:        "Executor retries by transient error reason.",
		ConstLabels: labels,
	}, []string{"reason"})
	attempts := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "creditcore_tx_attempts",
		Help:        "Attempts needed per executor transaction.",
		Buckets:     []float64{1, 2, 3, 4, 5, 8, 10},
		ConstLabels: labels,
	})

	registerer.MustRegister(transactions, retries, attempts)

	return &ExecutorMetrics{
		transactions: transactions,
		retries:      retries,
		attempts:     attempts,
	}
}

func (m *ExecutorMetrics) IncRetry(reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(reason).Inc()
}

func (m *ExecutorMetrics) ObserveTransaction(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		m.attempts.Observe(float64(attempts))
	}
}
