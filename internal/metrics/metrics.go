// Package metrics provides Prometheus instrumentation for the TimeBank core.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timebank",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "timebank",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HandshakesCreatedTotal counts new handshakes (interest expressed).
	HandshakesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timebank",
		Name:      "handshakes_created_total",
		Help:      "Total handshakes created.",
	})

	// HandshakeTransitionsTotal counts state transitions by target status.
	HandshakeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timebank",
			Name:      "handshake_transitions_total",
			Help:      "Total handshake state transitions by resulting status.",
		},
		[]string{"to"},
	)

	// GuardViolationsTotal counts rejected transitions (wrong actor,
	// wrong status, stale revision).
	GuardViolationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timebank",
		Name:      "guard_violations_total",
		Help:      "Total transitions rejected by a state-machine guard.",
	})

	// SettlementsTotal counts completed settlements.
	SettlementsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timebank",
		Name:      "settlements_total",
		Help:      "Total handshakes settled into the ledger.",
	})

	// SettledHours observes the hour size of settlements.
	SettledHours = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "timebank",
		Name:      "settled_hours",
		Help:      "TimeBank hours moved per settlement.",
		Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 40},
	})

	// ReportsFiledTotal counts dispute reports filed.
	ReportsFiledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timebank",
		Name:      "reports_filed_total",
		Help:      "Total dispute reports filed.",
	})

	// ReportsResolvedTotal counts report resolutions by action.
	ReportsResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timebank",
			Name:      "reports_resolved_total",
			Help:      "Total dispute reports resolved by admin action.",
		},
		[]string{"action"},
	)

	// ChainBreaksTotal counts detected ledger chain invariant violations.
	ChainBreaksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timebank",
		Name:      "ledger_chain_breaks_total",
		Help:      "Total detected ledger chain invariant violations.",
	})

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "timebank",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected activity-feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "timebank",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "timebank", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "timebank", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "timebank", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HandshakesCreatedTotal,
		HandshakeTransitionsTotal,
		GuardViolationsTotal,
		SettlementsTotal,
		SettledHours,
		ReportsFiledTotal,
		ReportsResolvedTotal,
		ChainBreaksTotal,
		WebhookDeliveriesTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the runtime
// goroutine count into gauges. Call in a goroutine; exits when ctx is done.
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
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not raw path (avoids cardinality explosion)
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

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups status codes into their class (2xx, 4xx, ...).
func statusBucket(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
