package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "semrelay"

// Label values for the result and reason labels
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultAccepted = "accepted"
	ResultRejected = "rejected"

	ReasonNoChannel = "no_channel"
	ReasonClosed    = "closed"
)

// Metrics contains the relay metrics and the NATS connection metrics.
// All Record methods are safe on a nil receiver, which disables recording.
type Metrics struct {
	// Registry metrics
	RegistryChannels    prometheus.Gauge
	RegistryConnections prometheus.Gauge
	BusSubscribes       *prometheus.CounterVec
	BusUnsubscribes     *prometheus.CounterVec

	// Delivery metrics
	MessagesReceived  prometheus.Counter
	MessagesDelivered prometheus.Counter
	MessagesDropped   *prometheus.CounterVec
	SendFailures      prometheus.Counter

	// Gateway metrics
	GatewayConnections *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new, unregistered Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		RegistryChannels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "channels",
				Help:      "Number of channels with at least one registered connection",
			},
		),

		RegistryConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registry",
				Name:      "connections",
				Help:      "Number of channel memberships held by the registry",
			},
		),

		BusSubscribes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "subscribe_total",
				Help:      "Total number of upstream bus subscribe calls",
			},
			[]string{"result"},
		),

		BusUnsubscribes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "unsubscribe_total",
				Help:      "Total number of upstream bus unsubscribe calls",
			},
			[]string{"result"},
		),

		MessagesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received from the bus",
			},
		),

		MessagesDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "delivered_total",
				Help:      "Total number of per-connection deliveries handed to the transport",
			},
		),

		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "dropped_total",
				Help:      "Total number of messages or deliveries dropped",
			},
			[]string{"reason"},
		),

		SendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "send_failures_total",
				Help:      "Total number of per-connection send failures",
			},
		),

		GatewayConnections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "connections_total",
				Help:      "Total number of connection attempts by outcome",
			},
			[]string{"result"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open)",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RegistryChannels,
		m.RegistryConnections,
		m.BusSubscribes,
		m.BusUnsubscribes,
		m.MessagesReceived,
		m.MessagesDelivered,
		m.MessagesDropped,
		m.SendFailures,
		m.GatewayConnections,
		m.NATSConnected,
		m.NATSRTT,
		m.NATSReconnects,
		m.NATSCircuitBreaker,
	}
}

// RecordRegistrySize updates the channel and membership gauges
func (m *Metrics) RecordRegistrySize(channels, connections int) {
	if m == nil {
		return
	}
	m.RegistryChannels.Set(float64(channels))
	m.RegistryConnections.Set(float64(connections))
}

// RecordBusSubscribe counts one upstream subscribe call
func (m *Metrics) RecordBusSubscribe(err error) {
	if m == nil {
		return
	}
	m.BusSubscribes.WithLabelValues(result(err)).Inc()
}

// RecordBusUnsubscribe counts one upstream unsubscribe call
func (m *Metrics) RecordBusUnsubscribe(err error) {
	if m == nil {
		return
	}
	m.BusUnsubscribes.WithLabelValues(result(err)).Inc()
}

// RecordMessageReceived increments the bus message counter
func (m *Metrics) RecordMessageReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

// RecordDelivered adds n successful per-connection deliveries
func (m *Metrics) RecordDelivered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.MessagesDelivered.Add(float64(n))
}

// RecordDropped adds n drops for reason
func (m *Metrics) RecordDropped(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Add(float64(n))
}

// RecordSendFailures adds n per-connection send failures
func (m *Metrics) RecordSendFailures(n int) {
	if m == nil || n == 0 {
		return
	}
	m.SendFailures.Add(float64(n))
}

// RecordGatewayConnection counts one connection attempt with its outcome
func (m *Metrics) RecordGatewayConnection(outcome string) {
	if m == nil {
		return
	}
	m.GatewayConnections.WithLabelValues(outcome).Inc()
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (m *Metrics) RecordNATSRTT(rtt time.Duration) {
	if m == nil {
		return
	}
	m.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (m *Metrics) RecordCircuitBreakerState(state int) {
	if m == nil {
		return
	}
	m.NATSCircuitBreaker.Set(float64(state))
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}
