package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/qtrader/qtrader/internal/domain"
)

var (
	traderUpDesc = prometheus.NewDesc(
		"qtrader_trader_up",
		"1 while the trader subprocess is RUNNING, 0 otherwise.",
		[]string{"account_id"}, nil)
	traderStateDesc = prometheus.NewDesc(
		"qtrader_trader_state",
		"Trader lifecycle state as a label; value is always 1.",
		[]string{"account_id", "state"}, nil)
	traderRestartsDesc = prometheus.NewDesc(
		"qtrader_trader_restarts_total",
		"Automatic restarts performed by the supervisor.",
		[]string{"account_id"}, nil)
)

// FleetCollector reads the proxy snapshots on every scrape instead of
// mirroring state into gauges that could go stale.
type FleetCollector struct {
	snapshot func() []domain.TraderInfo
}

// NewFleetCollector wraps a snapshot function, typically Manager.Traders.
func NewFleetCollector(snapshot func() []domain.TraderInfo) *FleetCollector {
	return &FleetCollector{snapshot: snapshot}
}

func (c *FleetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- traderUpDesc
	ch <- traderStateDesc
	ch <- traderRestartsDesc
}

func (c *FleetCollector) Collect(ch chan<- prometheus.Metric) {
	for _, info := range c.snapshot() {
		up := 0.0
		if info.State == domain.TraderRunning {
			up = 1.0
		}
		ch <- prometheus.MustNewConstMetric(traderUpDesc, prometheus.GaugeValue, up, info.AccountID)
		ch <- prometheus.MustNewConstMetric(traderStateDesc, prometheus.GaugeValue, 1,
			info.AccountID, string(info.State))
		ch <- prometheus.MustNewConstMetric(traderRestartsDesc, prometheus.CounterValue,
			float64(info.RestartCount), info.AccountID)
	}
}
