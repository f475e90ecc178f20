package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmesh/agentmesh-server/internal/relay"
)

// Source exposes the relay counters the collector scrapes. *relay.Hub satisfies it.
type Source interface {
	StatsSnapshot() relay.Snapshot
	ConnectionCount() int
}

// Collector reads the relay's atomic counters at scrape time instead of instrumenting the message hot path twice.
type Collector struct {
	source Source

	connections       *prometheus.Desc
	messagesReceived  *prometheus.Desc
	messagesSent      *prometheus.Desc
	messagesDelivered *prometheus.Desc
	messagesFailed    *prometheus.Desc
	uptime            *prometheus.Desc
}

// NewCollector creates a collector over the given relay source.
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		connections: prometheus.NewDesc(
			"agentmesh_connections_active",
			"Number of live WebSocket connections on this instance.",
			nil, nil),
		messagesReceived: prometheus.NewDesc(
			"agentmesh_messages_received_total",
			"Total number of message frames received from clients.",
			nil, nil),
		messagesSent: prometheus.NewDesc(
			"agentmesh_messages_sent_total",
			"Total number of message frames written to clients.",
			nil, nil),
		messagesDelivered: prometheus.NewDesc(
			"agentmesh_messages_delivered_total",
			"Total number of envelopes confirmed delivered to a recipient.",
			nil, nil),
		messagesFailed: prometheus.NewDesc(
			"agentmesh_messages_failed_total",
			"Total number of envelopes that could not be delivered.",
			nil, nil),
		uptime: prometheus.NewDesc(
			"agentmesh_uptime_seconds",
			"Seconds since this instance started.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connections
	ch <- c.messagesReceived
	ch <- c.messagesSent
	ch <- c.messagesDelivered
	ch <- c.messagesFailed
	ch <- c.uptime
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source.StatsSnapshot()

	ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(c.source.ConnectionCount()))
	ch <- prometheus.MustNewConstMetric(c.messagesReceived, prometheus.CounterValue, float64(snap.MessagesReceived))
	ch <- prometheus.MustNewConstMetric(c.messagesSent, prometheus.CounterValue, float64(snap.MessagesSent))
	ch <- prometheus.MustNewConstMetric(c.messagesDelivered, prometheus.CounterValue, float64(snap.MessagesDelivered))
	ch <- prometheus.MustNewConstMetric(c.messagesFailed, prometheus.CounterValue, float64(snap.MessagesFailed))
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, float64(snap.UptimeSeconds))
}

// Handler returns the /metrics HTTP handler backed by a dedicated registry with the collector and the standard Go and
// process collectors registered.
func Handler(source Source) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
