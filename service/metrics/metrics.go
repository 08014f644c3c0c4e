package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by the server, the worker and
// the CLI. Every component takes a *Metrics and treats nil as disabled.
type Metrics struct {
	// Ledger RPC Metrics
	ledgerCallsTotal   *prometheus.CounterVec
	ledgerCallDuration *prometheus.HistogramVec

	// Relay Metrics
	relayCallsTotal    *prometheus.CounterVec
	relayCallDuration  *prometheus.HistogramVec
	relayPollAttempts  *prometheus.HistogramVec
	relayPollOutcomes  *prometheus.CounterVec

	// Transfer Metrics
	transfersTotal        *prometheus.CounterVec
	transferDuration      *prometheus.HistogramVec
	transferPhaseDuration *prometheus.HistogramVec
	transferPhaseEntered  *prometheus.CounterVec
	signatureWait         *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections prometheus.Gauge
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec

	// Temporal Metrics
	activityDuration *prometheus.HistogramVec
}

const namespace = "pypay"

func counter(f promauto.Factory, subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func histogram(f promauto.Factory, subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

var (
	fastBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}
	rpcBuckets  = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	waitBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600}
)

// NewMetrics registers every collector on registry, or on
// prometheus.DefaultRegisterer when registry is nil. Registering twice on the
// same registry panics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	f := promauto.With(registry)

	return &Metrics{
		ledgerCallsTotal:   counter(f, "ledger", "rpc_calls_total", "Read-only contract calls by method, ledger and status.", "method", "ledger", "status"),
		ledgerCallDuration: histogram(f, "ledger", "rpc_call_duration_seconds", "Latency of read-only contract calls.", rpcBuckets, "method", "ledger"),

		relayCallsTotal:   counter(f, "relay", "calls_total", "Relay API calls by endpoint and outcome.", "endpoint", "outcome"),
		relayCallDuration: histogram(f, "relay", "call_duration_seconds", "Latency of relay API calls.", rpcBuckets, "endpoint"),
		relayPollAttempts: histogram(f, "relay", "poll_attempts", "Confirmation checks issued per cross-ledger poll.", []float64{1, 2, 5, 10, 15, 20}, "outcome"),
		relayPollOutcomes: counter(f, "relay", "polls_total", "Cross-ledger confirmation polls by outcome.", "outcome"),

		transfersTotal:        counter(f, "transfer", "finished_total", "Sessions that reached a terminal phase, by plan kind, phase and reason.", "kind", "phase", "reason"),
		transferDuration:      histogram(f, "transfer", "duration_seconds", "Wall-clock duration of finished sessions.", waitBuckets, "kind", "phase"),
		transferPhaseDuration: histogram(f, "transfer", "phase_duration_seconds", "Time spent in each phase before leaving it.", append([]float64{0.01, 0.1, 0.5}, waitBuckets[:7]...), "phase"),
		transferPhaseEntered:  counter(f, "transfer", "phase_entered_total", "Transitions into each phase.", "phase"),
		signatureWait:         histogram(f, "signer", "wait_seconds", "Time a signature request stayed open.", waitBuckets[:7], "purpose", "outcome"),

		dbQueryDuration:   histogram(f, "db", "query_duration_seconds", "Latency of journal queries.", fastBuckets, "operation", "table"),
		dbOperationsTotal: counter(f, "db", "operations_total", "Journal operations by status.", "operation", "status"),

		httpRequestDuration: histogram(f, "http", "request_duration_seconds", "Latency of API requests by route.", []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}, "handler", "method", "status"),
		httpRequestsTotal:   counter(f, "http", "requests_total", "API requests by route, method and status class.", "handler", "method", "status"),
		sseActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sse",
			Name:      "active_connections",
			Help:      "Open transition streams.",
		}),
		sseEventsSent: counter(f, "sse", "events_sent_total", "Transition stream events written by type.", "event_type"),

		natsMessagesPublished: counter(f, "nats", "published_total", "JetStream publishes by stream and status.", "stream", "status"),
		natsPublishDuration:   histogram(f, "nats", "publish_duration_seconds", "Latency of JetStream publishes.", fastBuckets[:6], "stream"),

		activityDuration: histogram(f, "temporal", "activity_duration_seconds", "Duration of refresh activity executions.", rpcBuckets[2:], "activity", "status"),
	}
}

// RecordLedgerCall records a read-only contract call against a ledger.
func (m *Metrics) RecordLedgerCall(method, ledger, status string, duration float64) {
	m.ledgerCallsTotal.WithLabelValues(method, ledger, status).Inc()
	m.ledgerCallDuration.WithLabelValues(method, ledger).Observe(duration)
}

// RecordRelayCall records a relay API call. outcome is "accepted", "rejected" or "transport_error".
func (m *Metrics) RecordRelayCall(endpoint, outcome string, duration float64) {
	m.relayCallsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.relayCallDuration.WithLabelValues(endpoint).Observe(duration)
}

// RecordPoll records a finished confirmation poll.
func (m *Metrics) RecordPoll(outcome string, attempts int) {
	m.relayPollOutcomes.WithLabelValues(outcome).Inc()
	m.relayPollAttempts.WithLabelValues(outcome).Observe(float64(attempts))
}

// RecordPhase records entry into a phase and how long the previous one lasted.
func (m *Metrics) RecordPhase(previous, next string, previousDuration float64) {
	m.transferPhaseEntered.WithLabelValues(next).Inc()
	if previous != "" {
		m.transferPhaseDuration.WithLabelValues(previous).Observe(previousDuration)
	}
}

// RecordTransfer records a session reaching a terminal phase.
func (m *Metrics) RecordTransfer(kind, phase, reason string, duration float64) {
	m.transfersTotal.WithLabelValues(kind, phase, reason).Inc()
	m.transferDuration.WithLabelValues(kind, phase).Observe(duration)
}

// RecordSignatureWait records how long a signature request stayed open.
func (m *Metrics) RecordSignatureWait(purpose, outcome string, duration float64) {
	m.signatureWait.WithLabelValues(purpose, outcome).Observe(duration)
}

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(delta float64) {
	m.sseActiveConnections.Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(eventType string) {
	m.sseEventsSent.WithLabelValues(eventType).Inc()
}

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(stream, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(stream, status).Inc()
	m.natsPublishDuration.WithLabelValues(stream).Observe(duration)
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, status string, duration float64) {
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}
