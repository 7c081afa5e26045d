// Package metrics provides Prometheus instrumentation for the escrow service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowbot",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowbot",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsInitiated counts trades opened, by currency and recipient kind.
	TransactionsInitiated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowbot",
			Name:      "transactions_initiated_total",
			Help:      "Trades opened by currency and recipient kind (linked, handle).",
		},
		[]string{"currency", "recipient"},
	)

	// TransitionsTotal counts transaction status changes.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowbot",
			Name:      "transaction_transitions_total",
			Help:      "Transaction status transitions by from and to status.",
		},
		[]string{"from", "to"},
	)

	// PayoutsTotal counts payout attempts by kind (release, refund) and result.
	PayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowbot",
			Name:      "payouts_total",
			Help:      "Payout attempts by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// PayoutDuration observes how long a payout takes end to end.
	PayoutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowbot",
			Name:      "payout_duration_seconds",
			Help:      "Payout duration in seconds, including signing and broadcast.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"kind"},
	)

	// CompensationsTotal counts compensating ledger moves by outcome.
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowbot",
			Name:      "compensations_total",
			Help:      "Compensating ledger operations by outcome (ok, failed).",
		},
		[]string{"result"},
	)

	// ExpiredTotal counts trades expired by the sweeper or inline checks.
	ExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowbot",
		Name:      "transactions_expired_total",
		Help:      "PENDING trades moved to EXPIRED.",
	})

	// RecipientsLinked counts handle trades attached to a registered user.
	RecipientsLinked = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowbot",
		Name:      "recipients_linked_total",
		Help:      "Trades addressed to a handle that were linked to a user.",
	})

	// DisputesTotal counts dispute operations by action (opened, resolved) and resolution.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowbot",
			Name:      "disputes_total",
			Help:      "Dispute operations by action and resolution.",
		},
		[]string{"action", "resolution"},
	)

	// WithdrawalsTotal counts withdrawals by result.
	WithdrawalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowbot",
			Name:      "withdrawals_total",
			Help:      "Withdrawals by currency and result.",
		},
		[]string{"currency", "result"},
	)

	// TradeDuration observes time from initiation to a terminal status.
	TradeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowbot",
		Name:      "trade_duration_seconds",
		Help:      "Time from trade initiation to its terminal status in seconds.",
		Buckets:   []float64{60, 300, 1800, 3600, 4 * 3600, 12 * 3600, 86400, 7 * 86400},
	}, []string{"status"})

	// ActiveStreamClients tracks connected event stream clients.
	ActiveStreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowbot", Name: "stream_clients",
		Help: "Number of connected event stream clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowbot", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowbot", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowbot", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowbot", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowbot", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowbot", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsInitiated,
		TransitionsTotal,
		PayoutsTotal,
		PayoutDuration,
		CompensationsTotal,
		ExpiredTotal,
		RecipientsLinked,
		DisputesTotal,
		WithdrawalsTotal,
		TradeDuration,
		ActiveStreamClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
