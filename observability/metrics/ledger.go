package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics tracks operation counts across the escrow and registry
// engines plus the pooled escrow vault balance.
type LedgerMetrics struct {
	opsTotal      *prometheus.CounterVec
	pooledBalance prometheus.Gauge
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Count of ledger operations by method and outcome.",
			}, []string{"method", "outcome"}),
			pooledBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "escrow_pooled_balance",
				Help: "Total funds currently held across all listing vaults.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.opsTotal,
			ledgerRegistry.pooledBalance,
		)
	})
	return ledgerRegistry
}

// ObserveOp records one operation outcome.
func (m *LedgerMetrics) ObserveOp(method string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "rejected"
	}
	m.opsTotal.WithLabelValues(method, outcome).Inc()
}

// SetPooledBalance publishes the instance-wide vault total.
func (m *LedgerMetrics) SetPooledBalance(v float64) {
	if m == nil {
		return
	}
	m.pooledBalance.Set(v)
}
