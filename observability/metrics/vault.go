package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type VaultMetrics struct {
	deposits         prometheus.Counter
	withdrawals      prometheus.Counter
	rebalances       prometheus.Counter
	emergencyUnwinds prometheus.Counter
	rejections       *prometheus.CounterVec
	totalAssets      prometheus.Gauge
	totalShares      prometheus.Gauge
	loopIterations   prometheus.Gauge
	loopBorrowed     prometheus.Gauge
	requestLatency   *prometheus.HistogramVec
}

var (
	vaultOnce     sync.Once
	vaultRegistry *VaultMetrics
)

func Vault() *VaultMetrics {
	vaultOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			deposits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_deposits_total",
				Help: "Count of successful deposits.",
			}),
			withdrawals: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_withdrawals_total",
				Help: "Count of successful withdrawals.",
			}),
			rebalances: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_rebalances_total",
				Help: "Count of allocator-triggered rebalances.",
			}),
			emergencyUnwinds: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "vault_emergency_unwinds_total",
				Help: "Count of guardian emergency unwinds.",
			}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "vault_rejections_total",
				Help: "Count of rejected operations by error class.",
			}, []string{"class"}),
			totalAssets: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vault_total_assets",
				Help: "Current base-asset valuation of the vault.",
			}),
			totalShares: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vault_total_shares",
				Help: "Current share supply.",
			}),
			loopIterations: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vault_loop_iterations",
				Help: "Active borrow cycles in the leverage position.",
			}),
			loopBorrowed: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "vault_loop_borrowed",
				Help: "Borrowed-asset principal outstanding across venues.",
			}),
			requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "vault_request_duration_seconds",
				Help:    "Latency of vault API requests by route.",
				Buckets: prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			vaultRegistry.deposits,
			vaultRegistry.withdrawals,
			vaultRegistry.rebalances,
			vaultRegistry.emergencyUnwinds,
			vaultRegistry.rejections,
			vaultRegistry.totalAssets,
			vaultRegistry.totalShares,
			vaultRegistry.loopIterations,
			vaultRegistry.loopBorrowed,
			vaultRegistry.requestLatency,
		)
	})
	return vaultRegistry
}

func (m *VaultMetrics) ObserveDeposit() {
	if m == nil {
		return
	}
	m.deposits.Inc()
}

func (m *VaultMetrics) ObserveWithdrawal() {
	if m == nil {
		return
	}
	m.withdrawals.Inc()
}

func (m *VaultMetrics) ObserveRebalance() {
	if m == nil {
		return
	}
	m.rebalances.Inc()
}

func (m *VaultMetrics) ObserveEmergencyUnwind() {
	if m == nil {
		return
	}
	m.emergencyUnwinds.Inc()
}

func (m *VaultMetrics) ObserveRejection(class string) {
	if m == nil {
		return
	}
	if class == "" {
		class = "unknown"
	}
	m.rejections.WithLabelValues(class).Inc()
}

func (m *VaultMetrics) SetValuation(totalAssets, totalShares float64) {
	if m == nil {
		return
	}
	m.totalAssets.Set(totalAssets)
	m.totalShares.Set(totalShares)
}

func (m *VaultMetrics) SetLoopState(iterations, borrowed float64) {
	if m == nil {
		return
	}
	m.loopIterations.Set(iterations)
	m.loopBorrowed.Set(borrowed)
}

func (m *VaultMetrics) ObserveRequest(route string, seconds float64) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requestLatency.WithLabelValues(route).Observe(seconds)
}
