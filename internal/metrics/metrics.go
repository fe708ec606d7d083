// Package metrics exposes the manager's Prometheus registry: fleet state on
// scrape, API request instruments, and alarm counters fed from the event
// bus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qtrader/qtrader/internal/domain"
)

// Metrics owns one private registry so tests never collide on the global
// default registerer.
type Metrics struct {
	registry *prometheus.Registry

	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
	alarmsTotal *prometheus.CounterVec
	wsClients   prometheus.Gauge
}

// New creates the registry with process and Go runtime collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qtrader_api_requests_total",
			Help: "API requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qtrader_api_request_duration_seconds",
			Help:    "API request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		alarmsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qtrader_alarms_total",
			Help: "Alarms observed on the manager bus by account and level.",
		}, []string{"account_id", "level"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qtrader_websocket_clients",
			Help: "Currently connected websocket clients.",
		}),
	}
	reg.MustRegister(m.apiRequests, m.apiDuration, m.alarmsTotal, m.wsClients)
	return m
}

// Register adds extra collectors, such as the fleet collector.
func (m *Metrics) Register(cs ...prometheus.Collector) {
	m.registry.MustRegister(cs...)
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished API request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	m.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.apiDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// CountAlarm records one alarm seen on the bus.
func (m *Metrics) CountAlarm(accountID string, level domain.AlarmLevel) {
	m.alarmsTotal.WithLabelValues(accountID, string(level)).Inc()
}

// SetWSClients records the current websocket client count.
func (m *Metrics) SetWSClients(n int) {
	m.wsClients.Set(float64(n))
}
