package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Board metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_agents_total",
			Help: "Total number of registered agents by status",
		},
		[]string{"status"},
	)

	// Scheduler metrics
	ActiveClaims = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hive_active_claims",
			Help: "Number of unexpired task claims",
		},
	)

	TasksClaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_tasks_claimed_total",
			Help: "Total number of successful claim acquisitions",
		},
	)

	EmptyPolls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_empty_polls_total",
			Help: "Total number of poll_and_claim calls that found no task",
		},
	)

	LeasesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hive_leases_expired_total",
			Help: "Total number of claims reverted after lease expiry",
		},
	)

	// Wait loop metrics
	Waiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hive_waiters",
			Help: "Number of in-flight waitForUpdates calls",
		},
	)

	SSESessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hive_sse_sessions",
			Help: "Number of open SSE event streams",
		},
	)

	// Tool surface metrics
	ToolRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_tool_requests_total",
			Help: "Total number of tool calls by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	ToolRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hive_tool_request_duration_seconds",
			Help:    "Tool call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// Maintenance metrics
	MaintenanceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hive_maintenance_duration_seconds",
			Help:    "Duration of one maintenance pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MaintenanceSwept = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hive_maintenance_swept_total",
			Help: "Rows removed by maintenance sweeps by kind",
		},
		[]string{"kind"},
	)

	OpenSloAlerts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hive_open_slo_alerts",
			Help: "Open SLO alerts by severity",
		},
		[]string{"severity"},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(ActiveClaims)
	prometheus.MustRegister(TasksClaimed)
	prometheus.MustRegister(EmptyPolls)
	prometheus.MustRegister(LeasesExpired)
	prometheus.MustRegister(Waiters)
	prometheus.MustRegister(SSESessions)
	prometheus.MustRegister(ToolRequestsTotal)
	prometheus.MustRegister(ToolRequestDuration)
	prometheus.MustRegister(MaintenanceDuration)
	prometheus.MustRegister(MaintenanceSwept)
	prometheus.MustRegister(OpenSloAlerts)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
