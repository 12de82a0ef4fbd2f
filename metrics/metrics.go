package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricsGenerator interface {
	SetWalletsTotal(int)
	SetWalletsAvailable(int)
	SetOutstanding(int)
	SetExecutorBalance(executor string, ether float64)

	IncUserOpsReceived(status string)
	IncUserOpsSubmitted(status string)
	IncUserOpsOnChain(status string)
	IncBundlesSubmitted(status string)
	IncReplacedTransactions(reason, status string)
	ObserveInclusionDuration(time.Duration)
}

// BundlerMetrics contains instrumented metrics that should be incremented by the bundler using the methods below
type BundlerMetrics struct {
	walletsTotal     prometheus.Gauge
	walletsAvailable prometheus.Gauge
	outstanding      prometheus.Gauge
	executorBalance  *prometheus.GaugeVec

	userOpsReceived      *prometheus.CounterVec
	userOpsSubmitted     *prometheus.CounterVec
	userOpsOnChain       *prometheus.CounterVec
	bundlesSubmitted     *prometheus.CounterVec
	replacedTransactions *prometheus.CounterVec

	inclusionDuration prometheus.Histogram
}

const apNamespace = "ap_bundler"

func NewBundlerMetrics(reg prometheus.Registerer) *BundlerMetrics {
	return &BundlerMetrics{
		walletsTotal: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: apNamespace,
				Name:      "wallets_total",
				Help:      "The number of executor wallets configured",
			}),

		walletsAvailable: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: apNamespace,
				Name:      "wallets_available",
				Help:      "The number of executor wallets not holding an in-flight bundle. If it stays at 0, bundling is starved",
			}),

		outstanding: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: apNamespace,
				Name:      "outstanding_user_operations",
				Help:      "The number of user operations waiting in the outstanding store",
			}),

		executorBalance: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: apNamespace,
				Name:      "executor_balance_ether",
				Help:      "The last observed balance of each executor wallet",
			}, []string{"executor"}),

		userOpsReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "user_operations_received_total",
				Help:      "The number of user operations received, by admission outcome",
			}, []string{"status"}),

		userOpsSubmitted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "user_operations_submitted_total",
				Help:      "The number of user operations sent in a bundle or dropped while bundling",
			}, []string{"status"}),

		userOpsOnChain: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "user_operations_on_chain_total",
				Help:      "The number of user operations resolved on chain",
			}, []string{"status"}),

		bundlesSubmitted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "bundles_submitted_total",
				Help:      "The number of bundle attempts, by result",
			}, []string{"status"}),

		replacedTransactions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: apNamespace,
				Name:      "replaced_transactions_total",
				Help:      "The number of bundle transaction replacements",
			}, []string{"reason", "status"}),

		inclusionDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: apNamespace,
				Name:      "bundles_included_duration_seconds",
				Help:      "Time from first submission of a bundle to its inclusion",
				Buckets:   []float64{1, 2, 4, 8, 15, 30, 60, 120, 300, 600},
			}),
	}
}

func (m *BundlerMetrics) SetWalletsTotal(n int) {
	m.walletsTotal.Set(float64(n))
}

func (m *BundlerMetrics) SetWalletsAvailable(n int) {
	m.walletsAvailable.Set(float64(n))
}

func (m *BundlerMetrics) SetOutstanding(n int) {
	m.outstanding.Set(float64(n))
}

func (m *BundlerMetrics) SetExecutorBalance(executor string, ether float64) {
	m.executorBalance.WithLabelValues(executor).Set(ether)
}

func (m *BundlerMetrics) IncUserOpsReceived(status string) {
	m.userOpsReceived.WithLabelValues(status).Inc()
}

func (m *BundlerMetrics) IncUserOpsSubmitted(status string) {
	m.userOpsSubmitted.WithLabelValues(status).Inc()
}

func (m *BundlerMetrics) IncUserOpsOnChain(status string) {
	m.userOpsOnChain.WithLabelValues(status).Inc()
}

func (m *BundlerMetrics) IncBundlesSubmitted(status string) {
	m.bundlesSubmitted.WithLabelValues(status).Inc()
}

func (m *BundlerMetrics) IncReplacedTransactions(reason, status string) {
	m.replacedTransactions.WithLabelValues(reason, status).Inc()
}

func (m *BundlerMetrics) ObserveInclusionDuration(d time.Duration) {
	m.inclusionDuration.Observe(d.Seconds())
}

// NewTestMetrics returns metrics bound to a private registry.
func NewTestMetrics() *BundlerMetrics {
	return NewBundlerMetrics(prometheus.NewRegistry())
}
