// Package telemetry provides application-level observability for the headcount server.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<HC_TELEMETRY_METRICS_PORT>/metrics
//
// Default port: 9090. It is NOT served by the Gin router, so the realtime and
// public display endpoints never expose it.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Realtime connection gauges and connection outcome counters
//   - Command counters by event and result
//   - Broadcast fan-out and delivery failure counters
//   - State persistence, eviction and snapshot archive counters
//   - Database connection pool gauge (polled every 30 s)
//   - Recovered goroutine panics
//
// # Label Cardinality
//
// No metric is labelled by organization id or connection id. Organization ids are
// user-controlled and unbounded; per-organization detail belongs in logs.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Realtime connection metrics.
//
// ActiveConnections is maintained by the connection registry: incremented on
// Register, decremented on Unregister.
//
// ConnectionsTotal counts websocket handshake attempts by outcome: "accepted",
// "unauthorized", "forbidden", "limited", "upgrade_failed".
//
// Example PromQL queries:
//   - Connected clients:          realtime_active_connections
//   - Rejected handshakes (5 m):  sum by (outcome) (increase(realtime_connections_total{outcome!="accepted"}[5m]))
var (
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_active_connections",
			Help: "Current number of registered realtime connections.",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_connections_total",
			Help: "Total number of realtime handshake attempts, by outcome.",
		},
		[]string{"outcome"},
	)
)

// CommandsTotal counts inbound commands by event name and result. result is one
// of "applied", "noop", "invalid", "rejected", "rate_limited" or "failed". Unknown
// event names are recorded as event="unknown" to bound cardinality.
//
// Example PromQL queries:
//   - Command rate by event:  sum by (event) (rate(realtime_commands_total{result="applied"}[5m]))
//   - Invalid payload rate:   rate(realtime_commands_total{result="invalid"}[5m])
var CommandsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "realtime_commands_total",
		Help: "Total number of inbound realtime commands, by event and result.",
	},
	[]string{"event", "result"},
)

// Broadcast metrics, recorded by the broadcast coordinator.
//
// BroadcastFanout observes the number of recipients of each state publish.
// DeliveryFailuresTotal counts per-connection delivery failures by reason
// ("buffer_full", "closed"); each failure closes the affected connection.
//
// Example PromQL queries:
//   - Publishes per second:       rate(realtime_broadcasts_total[5m])
//   - Average recipients:         rate(realtime_broadcast_fanout_sum[5m]) / rate(realtime_broadcast_fanout_count[5m])
//   - Slow consumers dropped:     increase(realtime_delivery_failures_total{reason="buffer_full"}[15m])
var (
	BroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_broadcasts_total",
			Help: "Total number of organization state publishes.",
		},
	)

	BroadcastFanout = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realtime_broadcast_fanout",
			Help:    "Number of connections a single publish was delivered to.",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128},
		},
	)

	DeliveryFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_delivery_failures_total",
			Help: "Total number of failed per-connection deliveries, by reason.",
		},
		[]string{"reason"},
	)
)

// State store metrics.
//
// LiveOrganizations is the number of organizations with state held in memory.
// OrganizationsEvictedTotal is incremented by the idle evictor.
// StateFlushesTotal counts write-behind saves by persistence backend and result.
//
// Example PromQL queries:
//   - Flush error ratio:  sum(rate(state_flushes_total{result="error"}[15m])) / sum(rate(state_flushes_total[15m]))
var (
	LiveOrganizations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "state_live_organizations",
			Help: "Current number of organizations with state held in memory.",
		},
	)

	OrganizationsEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "state_organizations_evicted_total",
			Help: "Total number of idle organizations evicted from memory.",
		},
	)

	StateFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_flushes_total",
			Help: "Total number of organization state saves, by persistence backend and result.",
		},
		[]string{"backend", "result"},
	)
)

// SnapshotArchivesTotal counts snapshot archive runs by storage backend and result.
// An alert on increase(snapshot_archives_total{result="error"}[1h]) > 0 catches
// bucket permission or credential problems early.
var SnapshotArchivesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "snapshot_archives_total",
		Help: "Total number of snapshot archive runs, by storage backend and result.",
	},
	[]string{"backend", "result"},
)

// PanicsRecoveredTotal counts panics recovered by safego, by goroutine name.
var PanicsRecoveredTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "goroutine_panics_recovered_total",
		Help: "Total number of panics recovered in background goroutines, by goroutine name.",
	},
	[]string{"goroutine"},
)

// DBOpenConnections is a Gauge that tracks the number of open connections currently
// held by the sql.DB connection pool.  It is sampled every 30 seconds by
// StartDBStatsCollector rather than per-request to avoid the overhead of sql.DB.Stats().
//
// Example PromQL queries:
//   - Pool utilisation (%): db_open_connections / <HC_DATABASE_MAX_CONNECTIONS> * 100
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector launches a background goroutine that samples sql.DB connection
// pool statistics every 30 seconds and updates the DBOpenConnections gauge.
// The goroutine exits when the database becomes unreachable, which happens when
// main.go closes the pool on shutdown.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
