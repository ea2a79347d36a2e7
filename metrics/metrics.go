// Package metrics exposes the retarder's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsDiverted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socket_retarder_connections_diverted_total", Help: "TCP connects rewritten through the loopback proxy.",
	})
	ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socket_retarder_connect_failures_total", Help: "Next-layer connect failures relayed back to applications.",
	})

	DatagramOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socket_retarder_datagram_outcomes_total", Help: "UDP datagram outcomes at the interposition surface.",
	}, []string{"outcome"}) // enqueued, dropped, damaged, duplicated, forwarded

	DatagramsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socket_retarder_datagrams_sent_total", Help: "Deferred datagrams handed to the next layer.",
	})
	DatagramSendErrs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "socket_retarder_datagram_send_errors_total", Help: "Next-layer sendto failures in the egress worker.",
	})

	InjectedDelayMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "socket_retarder_injected_delay_ms",
		Help:    "Sampled delays applied to connections and datagrams.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "socket_retarder_egress_queue_depth", Help: "Datagrams waiting on their egress deadline.",
	})
	PendingBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "socket_retarder_pending_bytes", Help: "Bytes accepted from applications but not yet released downstream.",
	})

	RelayBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "socket_retarder_relay_bytes_total", Help: "Bytes shuttled by proxy workers.",
	}, []string{"direction"}) // client_to_server, server_to_client

	ProxyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "socket_retarder_proxy_workers", Help: "Proxy workers currently relaying a connection.",
	})
)
