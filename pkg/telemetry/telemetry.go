// Package telemetry holds the Prometheus metrics for the node agent and
// its router. Metrics are process local: the agent serves its registry at
// GET /metrics, while counters incremented inside the router child are
// visible when the router runs in process, as it does under test.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "farmnode"

	subsystemSessions     = "sessions"
	subsystemComputations = "computations"
	subsystemRouter       = "router"
	subsystemEvents       = "events"
	subsystemHTTP         = "http"
)

// Registry collects every farmnode metric plus the standard process and
// Go runtime collectors.
var Registry = prometheus.NewRegistry()

var (
	sessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSessions,
			Name:      "created_total",
			Help:      "Sessions successfully created on this node.",
		},
	)

	sessionsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSessions,
			Name:      "deleted_total",
			Help:      "Sessions shut down on this node, for any reason.",
		},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSessions,
			Name:      "active",
			Help:      "Sessions currently assigned to this node and not defunct.",
		},
	)

	computationsLaunched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemComputations,
			Name:      "launched_total",
			Help:      "Computation processes spawned.",
		},
	)

	computationsExited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemComputations,
			Name:      "exited_total",
			Help:      "Computation processes that have exited.",
		},
	)

	heartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemComputations,
			Name:      "heartbeats_total",
			Help:      "Executor heartbeats received from the router.",
		},
	)

	envelopesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRouter,
			Name:      "envelopes_total",
			Help:      "Envelopes routed, by the kind of peer they arrived from.",
		},
		[]string{"peer"},
	)

	handshakeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRouter,
			Name:      "handshake_failures_total",
			Help:      "Connections rejected because registration failed.",
		},
	)

	eventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEvents,
			Name:      "dispatched_total",
			Help:      "Lifecycle events dispatched to the coordinator, by type.",
		},
		[]string{"type"},
	)

	bannedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemHTTP,
			Name:      "banned_requests_total",
			Help:      "HTTP requests refused because the source address is banned.",
		},
	)
)

func init() {
	Registry.MustRegister(
		sessionsCreated,
		sessionsDeleted,
		sessionsActive,
		computationsLaunched,
		computationsExited,
		heartbeatsReceived,
		envelopesRouted,
		handshakeFailures,
		eventsDispatched,
		bannedRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SessionCreated records a successful session create.
func SessionCreated() {
	sessionsCreated.Inc()
	sessionsActive.Inc()
}

// SessionDeleted records a session reaching its defunct state.
func SessionDeleted() {
	sessionsDeleted.Inc()
	sessionsActive.Dec()
}

// ComputationLaunched records a computation process spawn.
func ComputationLaunched() {
	computationsLaunched.Inc()
}

// ComputationExited records a computation process exit.
func ComputationExited() {
	computationsExited.Inc()
}

// HeartbeatReceived records one executor heartbeat reaching the agent.
func HeartbeatReceived() {
	heartbeatsReceived.Inc()
}

// EnvelopeRouted records one envelope read from a peer of the given kind.
func EnvelopeRouted(peer string) {
	envelopesRouted.WithLabelValues(peer).Inc()
}

// HandshakeFailed records a connection dropped during registration.
func HandshakeFailed() {
	handshakeFailures.Inc()
}

// EventDispatched records a lifecycle event leaving the event queue.
func EventDispatched(eventType string) {
	eventsDispatched.WithLabelValues(eventType).Inc()
}

// RequestBanned records an HTTP request refused by the ban list.
func RequestBanned() {
	bannedRequests.Inc()
}
