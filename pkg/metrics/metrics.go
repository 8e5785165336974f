package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtpd_connections_total",
			Help: "Total number of SMTP connections accepted",
		},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtpd_connections_current",
			Help: "Current number of SMTP connections",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_connections_rejected_total",
			Help: "Connections refused before a session was created",
		},
		[]string{"reason"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_authentication_attempts_total",
			Help: "Total number of AUTH attempts",
		},
		[]string{"mechanism", "result"},
	)

	AuthCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_auth_cache_lookups_total",
			Help: "Submission credential cache lookups",
		},
		[]string{"result"},
	)

	AuthCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtpd_auth_cache_entries",
			Help: "Entries held by the submission credential cache",
		},
	)
)

// Command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_commands_total",
			Help: "Total number of SMTP commands processed",
		},
		[]string{"command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtpd_command_duration_seconds",
			Help:    "Duration of SMTP command handling in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"command"},
	)
)

// Delivery metrics
var (
	RecipientOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_recipient_outcomes_total",
			Help: "Per-recipient results of inbound processing",
		},
		[]string{"outcome"}, // stored, forwarded, discarded, bounced, rejected, deferred
	)

	PolicyMarks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_policy_marks_total",
			Help: "Classifications assigned by the policy pipeline",
		},
		[]string{"check", "mark"},
	)

	PolicyCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtpd_policy_check_duration_seconds",
			Help:    "Duration of verdict collaborator calls",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"check", "status"},
	)

	MessageSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtpd_message_size_bytes",
			Help:    "Size of accepted messages",
			Buckets: []float64{1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864},
		},
		[]string{"direction"},
	)

	OutboundRelays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_outbound_relays_total",
			Help: "Outbound relay attempts by result",
		},
		[]string{"result"},
	)

	NoticesQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_notices_queued_total",
			Help: "Generated bounces, auto-replies and forwards queued for delivery",
		},
		[]string{"kind"},
	)

	QueueDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_queue_deliveries_total",
			Help: "Notice queue delivery attempts by result",
		},
		[]string{"result"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smtpd_queue_depth",
			Help: "Notices waiting in the queue by state",
		},
		[]string{"state"}, // pending, processing, failed
	)

	QueueAge = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smtpd_queue_age_seconds",
			Help:    "Time a notice spent queued before a delivery attempt",
			Buckets: []float64{1, 10, 60, 300, 900, 3600, 21600, 86400},
		},
		[]string{"kind"},
	)
)

// Store metrics
var (
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_store_operations_total",
			Help: "Transactional store operations",
		},
		[]string{"operation", "status"}, // operation: accept, copy, move
	)

	StoreCompensations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_store_compensations_total",
			Help: "Blob deletions performed to undo a failed transaction",
		},
		[]string{"stage"}, // stage: write, commit
	)

	LockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smtpd_mailbox_lock_wait_seconds",
			Help:    "Time spent waiting for the per-mailbox advisory lock",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
	)

	RolloutEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "smtpd_rollout_evicted_messages_total",
			Help: "Messages evicted to bring mailboxes under quota",
		},
	)

	OrphansRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_orphans_removed_total",
			Help: "Orphaned blobs and temp files removed by the sweeper",
		},
		[]string{"kind"},
	)

	StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_blob_operations_total",
			Help: "Blob backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "smtpd_component_health_status",
			Help: "Component health (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_component_health_checks_total",
			Help: "Health checks performed by component and resulting status",
		},
		[]string{"component", "status"},
	)

	SpamCorrections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_spam_corrections_total",
			Help: "Spam classification corrections received over the HTTP API",
		},
		[]string{"class", "status"},
	)
)
