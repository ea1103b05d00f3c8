// SPDX-License-Identifier: AGPL-3.0-only

// Package stats is the statistics collaborator named (but left
// unspecified) in spec §2/§6: monotonic counters updated via atomic add,
// exposed through prometheus so a host process can scrape them alongside
// its own metrics.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Collector is the set of counters/gauges a tcpmsg endpoint updates.
// Both ClientEndpoint and ServerEndpoint take one at construction;
// NewCollector builds a fresh set of metrics each call. Registering two
// Collectors with the same namespace on one registry panics
// (MustRegister), so endpoints sharing a registry use distinct
// namespaces.
type Collector struct {
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	SyncRequestsSent prometheus.Counter
	SyncTimeouts     prometheus.Counter
	AuthFailures     prometheus.Counter
	ConnectionsTotal prometheus.Counter
	ActiveConnections prometheus.Gauge
}

// NewCollector builds a Collector and registers its metrics with reg.
// Pass prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer in a normal process.
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	c := &Collector{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total",
			Help: "Total messages written to the wire.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_received_total",
			Help: "Total messages decoded off the wire.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total",
			Help: "Total payload bytes written to the wire.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total",
			Help: "Total payload bytes read off the wire.",
		}),
		SyncRequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_requests_sent_total",
			Help: "Total send_and_wait calls issued.",
		}),
		SyncTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sync_timeouts_total",
			Help: "Total send_and_wait calls that hit their deadline.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_failures_total",
			Help: "Total PSK authentication failures.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Total connections accepted or established.",
		}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connections",
			Help: "Currently open connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.MessagesSent, c.MessagesReceived, c.BytesSent, c.BytesReceived,
			c.SyncRequestsSent, c.SyncTimeouts, c.AuthFailures,
			c.ConnectionsTotal, c.ActiveConnections,
		)
	}
	return c
}

// Noop returns a Collector backed by unregistered metrics, safe to call
// Add/Inc on but never scraped — useful where the caller doesn't want a
// prometheus registry at all.
func Noop() *Collector {
	return NewCollector(nil, "tcpmsg_noop")
}
