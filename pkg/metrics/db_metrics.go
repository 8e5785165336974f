package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Database transaction metrics
var (
	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_db_transactions_total",
			Help: "Total number of database transactions.",
		},
		[]string{"status"}, // status: "commit", "rollback"
	)

	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smtpd_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)
)

// Database connection pool metrics
var (
	DBPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtpd_db_pool_total_conns",
			Help: "Total number of connections in the pool.",
		},
	)
	DBPoolIdleConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtpd_db_pool_idle_conns",
			Help: "Number of idle connections in the pool.",
		},
	)
	DBPoolAcquiredConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smtpd_db_pool_acquired_conns",
			Help: "Number of connections currently checked out.",
		},
	)
)
