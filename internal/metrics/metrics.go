// Package metrics provides Prometheus metrics for the protocol engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "gridwire"
)

// Metrics contains all Prometheus metrics for the engine.
type Metrics struct {
	// Circuit metrics
	CircuitsActive     prometheus.Gauge
	CircuitsOpened     prometheus.Counter
	CircuitStateChange *prometheus.CounterVec

	// Reliable delivery metrics
	PacketsSent         *prometheus.CounterVec
	PacketsReceived     *prometheus.CounterVec
	PacketsRetransmitted prometheus.Counter
	ReliableDeliveryFailures prometheus.Counter
	AcksSent            prometheus.Counter
	AcksReceived        prometheus.Counter
	DuplicatesDropped   prometheus.Counter

	// Codec metrics
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	ZerocodeSavings prometheus.Histogram
	DecodeErrors    *prometheus.CounterVec

	// Ping / RTT metrics
	PingsSent   prometheus.Counter
	PingsEchoed prometheus.Counter
	CircuitRTT  prometheus.Histogram

	// Auth / caps metrics
	LoginAttempts    prometheus.Counter
	LoginFailures    *prometheus.CounterVec
	LoginLatency     prometheus.Histogram
	CapabilitiesFetched prometheus.Gauge
	CapabilitiesMissing prometheus.Counter

	// EventQueue metrics
	EventQueuePolls     prometheus.Counter
	EventQueueErrors    prometheus.Counter
	EventQueueEvents    *prometheus.CounterVec
	EventQueueBackoff   prometheus.Histogram

	// Handover metrics
	HandoverAttempts prometheus.Counter
	HandoverFailures prometheus.Counter
	HandoverLatency  prometheus.Histogram

	// Dispatch metrics
	HandlerErrors  *prometheus.CounterVec
	EventBusLagged prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CircuitsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuits_active",
			Help:      "Number of currently open circuits",
		}),
		CircuitsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuits_opened_total",
			Help:      "Total number of circuits opened",
		}),
		CircuitStateChange: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_state_changes_total",
			Help:      "Total circuit state transitions by target state",
		}, []string{"state"}),

		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total LLUDP packets sent by message name",
		}, []string{"message"}),
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total LLUDP packets received by message name",
		}, []string{"message"}),
		PacketsRetransmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_retransmitted_total",
			Help:      "Total packet retransmissions",
		}),
		ReliableDeliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reliable_delivery_failures_total",
			Help:      "Total reliable packets that exhausted their retransmit budget",
		}),
		AcksSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_sent_total",
			Help:      "Total acknowledgements sent (piggybacked or explicit)",
		}),
		AcksReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_received_total",
			Help:      "Total acknowledgements received",
		}),
		DuplicatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_dropped_total",
			Help:      "Total duplicate inbound packets detected and not re-dispatched",
		}),

		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total UDP bytes sent",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total UDP bytes received",
		}),
		ZerocodeSavings: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "zerocode_savings_ratio",
			Help:      "Histogram of bytes saved by zerocoding as a fraction of input size",
			Buckets:   []float64{0, .1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
		}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total packet decode errors by kind",
		}, []string{"kind"}),

		PingsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_sent_total",
			Help:      "Total StartPingCheck packets sent",
		}),
		PingsEchoed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_echoed_total",
			Help:      "Total CompletePingCheck packets sent in reply",
		}),
		CircuitRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "circuit_rtt_seconds",
			Help:      "Histogram of circuit round-trip time samples",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		LoginAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Total login attempts",
		}),
		LoginFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_failures_total",
			Help:      "Total login failures by reason",
		}, []string{"reason"}),
		LoginLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "login_latency_seconds",
			Help:      "Histogram of login round-trip latency",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10},
		}),
		CapabilitiesFetched: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capabilities_fetched",
			Help:      "Number of capabilities returned by the last seed fetch",
		}),
		CapabilitiesMissing: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capabilities_missing_total",
			Help:      "Total requested capabilities not returned by a seed fetch",
		}),

		EventQueuePolls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_queue_polls_total",
			Help:      "Total EventQueueGet long-poll requests issued",
		}),
		EventQueueErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_queue_errors_total",
			Help:      "Total EventQueueGet errors",
		}),
		EventQueueEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_queue_events_total",
			Help:      "Total events delivered by the event queue, by name",
		}, []string{"event"}),
		EventQueueBackoff: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_queue_backoff_seconds",
			Help:      "Histogram of event queue backoff delays applied",
			Buckets:   []float64{1, 2, 4, 8, 16, 30},
		}),

		HandoverAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handover_attempts_total",
			Help:      "Total region handover attempts",
		}),
		HandoverFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handover_failures_total",
			Help:      "Total region handovers that entered the Failed state",
		}),
		HandoverLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handover_latency_seconds",
			Help:      "Histogram of Idle-to-Connected handover latency",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		HandlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Total dispatch handler errors by message name",
		}, []string{"message"}),
		EventBusLagged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_bus_lagged_total",
			Help:      "Total times a world-event subscriber lagged and dropped events",
		}),
	}
}

// RecordCircuitOpen records a newly opened circuit.
func (m *Metrics) RecordCircuitOpen() {
	m.CircuitsActive.Inc()
	m.CircuitsOpened.Inc()
}

// RecordCircuitClose records a circuit closing.
func (m *Metrics) RecordCircuitClose() {
	m.CircuitsActive.Dec()
}

// RecordCircuitState records a circuit state transition.
func (m *Metrics) RecordCircuitState(state string) {
	m.CircuitStateChange.WithLabelValues(state).Inc()
}

// RecordPacketSent records an outbound packet by message name.
func (m *Metrics) RecordPacketSent(message string, bytes int) {
	m.PacketsSent.WithLabelValues(message).Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordPacketReceived records an inbound packet by message name.
func (m *Metrics) RecordPacketReceived(message string, bytes int) {
	m.PacketsReceived.WithLabelValues(message).Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordRetransmit records a packet retransmission.
func (m *Metrics) RecordRetransmit() {
	m.PacketsRetransmitted.Inc()
}

// RecordReliableDeliveryFailure records a retransmit-budget exhaustion.
func (m *Metrics) RecordReliableDeliveryFailure() {
	m.ReliableDeliveryFailures.Inc()
}

// RecordAckSent records an acknowledgement being sent.
func (m *Metrics) RecordAckSent() {
	m.AcksSent.Inc()
}

// RecordAckReceived records an acknowledgement being received.
func (m *Metrics) RecordAckReceived() {
	m.AcksReceived.Inc()
}

// RecordDuplicate records a duplicate inbound packet.
func (m *Metrics) RecordDuplicate() {
	m.DuplicatesDropped.Inc()
}

// RecordZerocodeSavings records the fraction of bytes saved by zerocoding.
func (m *Metrics) RecordZerocodeSavings(ratio float64) {
	m.ZerocodeSavings.Observe(ratio)
}

// RecordDecodeError records a packet decode error by kind.
func (m *Metrics) RecordDecodeError(kind string) {
	m.DecodeErrors.WithLabelValues(kind).Inc()
}

// RecordPingSent records a StartPingCheck sent.
func (m *Metrics) RecordPingSent() {
	m.PingsSent.Inc()
}

// RecordPingEchoed records a CompletePingCheck sent in reply.
func (m *Metrics) RecordPingEchoed() {
	m.PingsEchoed.Inc()
}

// RecordRTT records an RTT sample.
func (m *Metrics) RecordRTT(seconds float64) {
	m.CircuitRTT.Observe(seconds)
}

// RecordLoginAttempt records a login attempt and its latency.
func (m *Metrics) RecordLoginAttempt(latencySeconds float64) {
	m.LoginAttempts.Inc()
	m.LoginLatency.Observe(latencySeconds)
}

// RecordLoginFailure records a login failure by reason.
func (m *Metrics) RecordLoginFailure(reason string) {
	m.LoginFailures.WithLabelValues(reason).Inc()
}

// RecordCapabilitiesFetched records the capability count and diagnostic
// missing-capability count from a seed fetch.
func (m *Metrics) RecordCapabilitiesFetched(fetched, missing int) {
	m.CapabilitiesFetched.Set(float64(fetched))
	if missing > 0 {
		m.CapabilitiesMissing.Add(float64(missing))
	}
}

// RecordEventQueuePoll records one long-poll round-trip.
func (m *Metrics) RecordEventQueuePoll() {
	m.EventQueuePolls.Inc()
}

// RecordEventQueueError records a long-poll error.
func (m *Metrics) RecordEventQueueError() {
	m.EventQueueErrors.Inc()
}

// RecordEventQueueEvent records a delivered event by name.
func (m *Metrics) RecordEventQueueEvent(name string) {
	m.EventQueueEvents.WithLabelValues(name).Inc()
}

// RecordEventQueueBackoff records an applied backoff delay.
func (m *Metrics) RecordEventQueueBackoff(seconds float64) {
	m.EventQueueBackoff.Observe(seconds)
}

// RecordHandoverAttempt records a handover attempt.
func (m *Metrics) RecordHandoverAttempt() {
	m.HandoverAttempts.Inc()
}

// RecordHandoverFailure records a handover entering Failed.
func (m *Metrics) RecordHandoverFailure() {
	m.HandoverFailures.Inc()
}

// RecordHandoverLatency records Idle-to-Connected latency.
func (m *Metrics) RecordHandoverLatency(seconds float64) {
	m.HandoverLatency.Observe(seconds)
}

// RecordHandlerError records a dispatch handler error by message name.
func (m *Metrics) RecordHandlerError(message string) {
	m.HandlerErrors.WithLabelValues(message).Inc()
}

// RecordEventBusLag records a lagged world-event subscriber.
func (m *Metrics) RecordEventBusLag() {
	m.EventBusLagged.Inc()
}
