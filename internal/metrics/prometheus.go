package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal    *prometheus.CounterVec
	connectionsActive   *prometheus.GaugeVec
	tlsConnectionsTotal *prometheus.CounterVec
	connectionsRejected *prometheus.CounterVec

	messagesReceivedTotal prometheus.Counter
	messagesRejectedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram

	authAttemptsTotal *prometheus.CounterVec

	commandsTotal *prometheus.CounterVec

	deliveriesTotal *prometheus.CounterVec

	snapshotMessages prometheus.Histogram
	snapshotBytes    prometheus.Histogram
	retrievalsTotal  *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_connections_total",
			Help: "Total number of connections opened, by protocol.",
		}, []string{"protocol"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailcore_connections_active",
			Help: "Number of currently active connections, by protocol.",
		}, []string{"protocol"}),
		tlsConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_tls_connections_total",
			Help: "Total number of TLS connections established, by protocol.",
		}, []string{"protocol"}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_connections_rejected_total",
			Help: "Total number of connections rejected before handshake, by protocol and reason.",
		}, []string{"protocol", "reason"}),

		messagesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailcore_messages_received_total",
			Help: "Total number of messages accepted via SMTP DATA.",
		}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_messages_rejected_total",
			Help: "Total number of messages rejected, by reason.",
		}, []string{"reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailcore_messages_size_bytes",
			Help:    "Size of accepted messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_auth_attempts_total",
			Help: "Total number of authentication attempts, by protocol, mechanism and result.",
		}, []string{"protocol", "mechanism", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_commands_total",
			Help: "Total number of protocol commands processed, by protocol and command.",
		}, []string{"protocol", "command"}),

		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_deliveries_total",
			Help: "Total number of delivery attempts, by result.",
		}, []string{"result"}),

		snapshotMessages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailcore_pop3_snapshot_messages",
			Help:    "Number of messages in a POP3 mailbox snapshot at session start.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		snapshotBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailcore_pop3_snapshot_bytes",
			Help:    "Total byte size of a POP3 mailbox snapshot at session start.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 12),
		}),
		retrievalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcore_pop3_retrievals_total",
			Help: "Total number of POP3 RETR/client retrieve_all completions, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionsTotal,
		c.connectionsRejected,
		c.messagesReceivedTotal,
		c.messagesRejectedTotal,
		c.messagesSizeBytes,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.deliveriesTotal,
		c.snapshotMessages,
		c.snapshotBytes,
		c.retrievalsTotal,
	)

	return c
}

func (c *PrometheusCollector) ConnectionOpened(protocol string) {
	c.connectionsTotal.WithLabelValues(protocol).Inc()
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

func (c *PrometheusCollector) ConnectionClosed(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

func (c *PrometheusCollector) TLSConnectionEstablished(protocol string) {
	c.tlsConnectionsTotal.WithLabelValues(protocol).Inc()
}

func (c *PrometheusCollector) ConnectionRejected(protocol, reason string) {
	c.connectionsRejected.WithLabelValues(protocol, reason).Inc()
}

func (c *PrometheusCollector) MessageReceived(sizeBytes int64) {
	c.messagesReceivedTotal.Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) MessageRejected(reason string) {
	c.messagesRejectedTotal.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) AuthAttempt(protocol, mechanism string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(protocol, mechanism, result).Inc()
}

func (c *PrometheusCollector) CommandProcessed(protocol, command string) {
	c.commandsTotal.WithLabelValues(protocol, command).Inc()
}

func (c *PrometheusCollector) DeliveryCompleted(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.deliveriesTotal.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) SnapshotSize(messageCount int, totalBytes int64) {
	c.snapshotMessages.Observe(float64(messageCount))
	c.snapshotBytes.Observe(float64(totalBytes))
}

func (c *PrometheusCollector) RetrieveCompleted(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.retrievalsTotal.WithLabelValues(result).Inc()
}
