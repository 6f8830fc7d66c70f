// Package metrics registers the Prometheus collectors for the settlement
// core. Collectors are package-level and registered once via promauto.
package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransactionsTotal counts broadcast transactions by chain and terminal outcome.
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paycore_transactions_total",
			Help: "Broadcast transactions by chain and status",
		},
		[]string{"chain", "status"},
	)

	// PendingTransactions tracks the in-flight transaction count per chain.
	PendingTransactions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paycore_pending_transactions",
			Help: "Transactions currently awaiting confirmation",
		},
		[]string{"chain"},
	)

	// FeeBumpsTotal counts fee replacements per chain.
	FeeBumpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paycore_fee_bumps_total",
			Help: "Fee replacements issued for lagging transactions",
		},
		[]string{"chain"},
	)

	// CongestionScore is the latest sampled congestion per chain, 0..1.
	CongestionScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paycore_congestion_score",
			Help: "Latest network congestion observation (0..1)",
		},
		[]string{"chain"},
	)

	// RecommendedFeeGwei is the current recommended fee per chain and tier.
	RecommendedFeeGwei = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "paycore_recommended_fee_gwei",
			Help: "Recommended fee by urgency tier",
		},
		[]string{"chain", "tier"},
	)

	// EscrowTransitionsTotal counts escrow state transitions.
	EscrowTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paycore_escrow_transitions_total",
			Help: "Escrow state machine transitions",
		},
		[]string{"from", "to"},
	)

	// EscrowAmountReleased accumulates released value by currency.
	EscrowAmountReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paycore_escrow_released_total",
			Help: "Total value released from escrow",
		},
		[]string{"currency"},
	)

	// AlertsRaisedTotal counts alerts by type and severity.
	AlertsRaisedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paycore_alerts_raised_total",
			Help: "Operator alerts raised",
		},
		[]string{"type", "severity"},
	)

	// AlertsUndelivered is the current alert queue depth.
	AlertsUndelivered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "paycore_alerts_undelivered",
			Help: "Alerts queued and not yet delivered to the sink",
		},
	)

	// BackupAttemptsTotal counts fallback-rail attempts by provider and outcome.
	BackupAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paycore_backup_attempts_total",
			Help: "Backup provider attempts by outcome",
		},
		[]string{"provider", "status"},
	)

	// HTTPRequestsTotal counts API requests by route and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paycore_http_requests_total",
			Help: "API requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes API latency by route.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "paycore_http_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	dbOpenConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paycore_db_open_connections",
		Help: "Open connections in the database pool",
	})
	dbIdleConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paycore_db_idle_connections",
		Help: "Idle connections in the database pool",
	})
	dbWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paycore_db_wait_count",
		Help: "Cumulative connections waited for",
	})
)

// RecordDBStats publishes a snapshot of the sql pool statistics.
func RecordDBStats(stats sql.DBStats) {
	dbOpenConns.Set(float64(stats.OpenConnections))
	dbIdleConns.Set(float64(stats.Idle))
	dbWaitCount.Set(float64(stats.WaitCount))
}
