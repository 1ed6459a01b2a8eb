// Package metrics provides Prometheus instrumentation for the service.
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
			Namespace: "tgbtcpay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tgbtcpay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RequestsCreatedTotal counts created payment requests.
	RequestsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tgbtcpay",
		Name:      "requests_created_total",
		Help:      "Total payment requests created.",
	})

	// RequestTransitionsTotal counts lifecycle transitions by target status.
	RequestTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tgbtcpay",
		Name:      "request_transitions_total",
		Help:      "Total request status transitions by target status.",
	}, []string{"to"})

	// StaleTransitionsTotal counts CAS transitions lost to a concurrent writer.
	StaleTransitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tgbtcpay",
		Name:      "stale_transitions_total",
		Help:      "Total status transitions that lost a compare-and-swap race.",
	})

	// SettlementsTotal counts settlement outcomes by final confirmation state.
	SettlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tgbtcpay",
		Name:      "settlements_total",
		Help:      "Total settlements by confirmation state.",
	}, []string{"state"})

	// ObserverPollsTotal counts chain observer poll cycles by result.
	ObserverPollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tgbtcpay",
		Subsystem: "observer",
		Name:      "polls_total",
		Help:      "Total chain observer poll cycles by result.",
	}, []string{"result"})

	// ObserverEventsTotal counts confirmed events delivered to subscribers.
	ObserverEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tgbtcpay",
		Subsystem: "observer",
		Name:      "events_delivered_total",
		Help:      "Total confirmed chain events delivered to subscribers.",
	})

	// ObserverLowWaterMark tracks the persisted cursor per watched address.
	ObserverLowWaterMark = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tgbtcpay",
		Subsystem: "observer",
		Name:      "low_water_mark",
		Help:      "Highest chain sequence already processed per watched address.",
	}, []string{"address"})

	// NotificationsTotal counts Telegram notification attempts by result.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tgbtcpay",
		Name:      "notifications_total",
		Help:      "Total Telegram notification attempts by result.",
	}, []string{"result"})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tgbtcpay",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tgbtcpay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tgbtcpay", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tgbtcpay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tgbtcpay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RequestsCreatedTotal,
		RequestTransitionsTotal,
		StaleTransitionsTotal,
		SettlementsTotal,
		ObserverPollsTotal,
		ObserverEventsTotal,
		ObserverLowWaterMark,
		NotificationsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Middleware records request counts and latencies for every route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Use the route pattern, not the raw path, to bound cardinality.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusLabel(status)).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func statusLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Handler returns the /metrics scrape endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// StartCollector updates process and DB pool gauges every interval
// until ctx is cancelled. db may be nil (in-memory mode).
func StartCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
			if db != nil {
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBIdleConnections.Set(float64(stats.Idle))
				DBInUseConnections.Set(float64(stats.InUse))
			}
		}
	}
}
