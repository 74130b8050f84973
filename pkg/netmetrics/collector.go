// Package netmetrics exposes a reliable.Transport's connection table as
// Prometheus metrics, following the direct Describe/Collect Collector
// pattern used by the sockstats/conniver TCPInfoCollector rather than
// the client library's higher-level GaugeVec/CounterVec helpers.
package netmetrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"reliabletransport/pkg/netaddr"
	"reliabletransport/pkg/reliable"
)

type info struct {
	description *prometheus.Desc
	supplier    func(peer netaddr.Endpoint, conn *reliable.Connection) prometheus.Metric
}

// TransportCollector is a prometheus.Collector over a live
// reliable.Transport's connection table. It has no package-level state:
// every exported value is read fresh from the transport at Collect time.
type TransportCollector struct {
	transport *reliable.Transport
	peers     func() []netaddr.Endpoint
	infos     []info
}

// New builds a TransportCollector for transport. peers supplies the set
// of currently-known endpoints to scrape (normally a channel.Channel's
// address table, since reliable.Transport itself doesn't enumerate its
// connections outside the scheduler tick).
func New(prefix string, transport *reliable.Transport, peers func() []netaddr.Endpoint) *TransportCollector {
	c := &TransportCollector{transport: transport, peers: peers}
	c.addMetrics(prefix)
	return c
}

func (c *TransportCollector) addMetrics(prefix string) {
	labels := []string{"peer"}
	add := func(name, help string, supplier func(netaddr.Endpoint, *reliable.Connection) float64) {
		desc := prometheus.NewDesc(fmt.Sprintf("%s_%s", prefix, name), help, labels, nil)
		c.infos = append(c.infos, info{
			description: desc,
			supplier: func(peer netaddr.Endpoint, conn *reliable.Connection) prometheus.Metric {
				return prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, supplier(peer, conn), peer.String())
			},
		})
	}

	add("connection_state", "Current per-peer connection state (ordinal of reliable.State).",
		func(_ netaddr.Endpoint, conn *reliable.Connection) float64 { return float64(conn.State()) })
	add("pending_messages", "Messages still queued or awaiting acknowledgement for this peer.",
		func(_ netaddr.Endpoint, conn *reliable.Connection) float64 { return float64(conn.PendingCount()) })
	add("out_of_order_total", "Reliable sub-messages seen outside the expected sequence range.",
		func(_ netaddr.Endpoint, conn *reliable.Connection) float64 { return float64(conn.OutOfOrderCount()) })
	add("ack_rtt_ms", "Mean acknowledgement round-trip time in milliseconds.",
		func(_ netaddr.Endpoint, conn *reliable.Connection) float64 { return conn.AckRTT().Mean() })
	add("ping_rtt_ms", "Mean keep-alive ping round-trip time in milliseconds.",
		func(_ netaddr.Endpoint, conn *reliable.Connection) float64 { return conn.PingRTT().Mean() })
}

// Describe implements prometheus.Collector.
func (c *TransportCollector) Describe(descs chan<- *prometheus.Desc) {
	for _, i := range c.infos {
		descs <- i.description
	}
}

// Collect implements prometheus.Collector.
func (c *TransportCollector) Collect(metrics chan<- prometheus.Metric) {
	for _, peer := range c.peers() {
		conn, ok := c.transport.Connection(peer)
		if !ok {
			continue
		}
		for _, i := range c.infos {
			metrics <- i.supplier(peer, conn)
		}
	}
}
