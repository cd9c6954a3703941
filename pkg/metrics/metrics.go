package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IntentsSubmitted counts accepted intents by venue
var IntentsSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "intentex_intents_submitted_total",
		Help: "Total number of intents accepted for execution",
	},
	[]string{"chain"},
)

// IntentTransitions counts state machine edges taken
var IntentTransitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "intentex_intent_transitions_total",
		Help: "Intent state transitions by from/to state",
	},
	[]string{"from", "to"},
)

// SimulationLatency records wall time from dispatch to terminal state
var SimulationLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "intentex_simulation_duration_seconds",
		Help:    "Duration of a simulated execution from dispatch to terminal state",
		Buckets: prometheus.DefBuckets,
	},
)

// Executions counts persisted executions by venue and side
var Executions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "intentex_executions_total",
		Help: "Total number of executions written",
	},
	[]string{"chain", "side"},
)

var (
	StreamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "intentex_stream_subscribers",
			Help: "Number of open quote/fill streams",
		},
	)

	StreamEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentex_stream_events_total",
			Help: "Events pushed to stream subscribers by kind",
		},
		[]string{"kind"},
	)

	BusDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentex_bus_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
		[]string{"kind"},
	)
)

// Claims counts settlement claim status changes by strategy
var Claims = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "intentex_claims_total",
		Help: "Settlement claim status changes",
	},
	[]string{"settlement_type", "status"},
)

// RiskAlerts counts rule and limit breaches by action
var RiskAlerts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "intentex_risk_alerts_total",
		Help: "Risk alerts emitted",
	},
	[]string{"condition", "action"},
)

// HTTP surface
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentex_http_requests_total",
			Help: "HTTP requests by route, method and status",
		},
		[]string{"path", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intentex_http_request_duration_seconds",
			Help:    "HTTP request latency by route and method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
)

// Database pool gauges, labelled by driver
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intentex_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"db"},
	)
	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intentex_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
		[]string{"db"},
	)
	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intentex_db_in_use_connections",
			Help: "Number of connections currently in use",
		},
		[]string{"db"},
	)
)

func init() {
	prometheus.MustRegister(IntentsSubmitted, IntentTransitions, SimulationLatency, Executions)
	prometheus.MustRegister(StreamSubscribers, StreamEvents, BusDropped)
	prometheus.MustRegister(Claims, RiskAlerts)
	prometheus.MustRegister(HTTPRequestsTotal, HTTPRequestDuration)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
}
