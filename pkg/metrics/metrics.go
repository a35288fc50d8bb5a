package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection and command metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_connections_total",
			Help: "Total number of connections established",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tern_connections_current",
			Help: "Current number of active connections",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tern_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_commands_total",
			Help: "Total number of protocol commands processed",
		},
		[]string{"protocol", "command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tern_command_duration_seconds",
			Help:    "Duration of protocol commands in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol", "command"},
	)
)

// Recipient resolution metrics
var (
	RecipientDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_recipient_decisions_total",
			Help: "Recipient acceptance decisions by outcome",
		},
		[]string{"outcome"}, // accept, reject_permanent, reject_temporary
	)

	RecipientResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_recipient_resolutions_total",
			Help: "Recipient resolutions by kind",
		},
		[]string{"kind"}, // mailbox, alias_chain, srs, provisioned, unknown
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_rate_limit_decisions_total",
			Help: "Rate limiter admit/deny decisions by purpose",
		},
		[]string{"purpose", "decision"},
	)
)

// Fan-out metrics
var (
	MessageSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tern_message_size_bytes",
			Help:    "Size of received messages in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
		[]string{"protocol"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_deliveries_total",
			Help: "Mailbox deliveries attempted during fan-out",
		},
		[]string{"status"}, // success, drop, failure
	)

	ParseCacheUse = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_parse_cache_use_total",
			Help: "Parsed-message cache hits and misses during fan-out",
		},
		[]string{"result"}, // hit, miss
	)

	ForwardDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_forward_dispatches_total",
			Help: "Forward dispatch submissions by status",
		},
		[]string{"status"},
	)

	ForwardQueueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_forward_queue_operations_total",
			Help: "Forward queue operations by type and status",
		},
		[]string{"operation", "status"},
	)

	ForwardQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tern_forward_queue_depth",
			Help: "Number of dispatch records in each queue state",
		},
		[]string{"state"}, // pending, processing, failed
	)

	ForwardRelayTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_forward_relay_total",
			Help: "Outbound relay attempts by result",
		},
		[]string{"result"},
	)
)

// Database pool metrics
var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tern_db_pool_total_conns",
			Help: "Total connections in the database pool",
		},
		[]string{"role"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tern_db_pool_idle_conns",
			Help: "Idle connections in the database pool",
		},
		[]string{"role"},
	)

	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tern_db_pool_in_use_conns",
			Help: "Acquired connections in the database pool",
		},
		[]string{"role"},
	)
)

// Filter engine metrics
var (
	SieveExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_sieve_executions_total",
			Help: "Sieve script evaluations by status",
		},
		[]string{"protocol", "status"},
	)
)
