package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the number of realtime connections currently
	// registered with the admission governor on each gateway instance.
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sitewatch_realtime_connections",
			Help: "Number of realtime connections currently tracked by the admission governor",
		},
		[]string{"gateway"},
	)

	// AdmissionsTotal tracks admission outcomes by gateway and decision reason.
	// Accepted admissions are recorded with reason "accepted".
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_admissions_total",
			Help: "Total admission decisions made by the governor, by outcome reason",
		},
		[]string{"gateway", "reason"},
	)

	// EvictionsTotal tracks connections closed by governor sweeps and cleanup,
	// by close reason ("idle timeout", "emergency cleanup", "server cleanup").
	EvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_evictions_total",
			Help: "Total connections evicted by the governor, by close reason",
		},
		[]string{"gateway", "reason"},
	)

	// JobRunsTotal tracks scheduler job executions by job key and status.
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_job_runs_total",
			Help: "Total background job executions, by job key and status",
		},
		[]string{"job", "status"},
	)

	// JobSkipsTotal tracks scheduler job executions skipped because a previous
	// run still holds the dedup lock for the job key.
	JobSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_job_skips_total",
			Help: "Total background job executions skipped due to a held dedup lock",
		},
		[]string{"job"},
	)
)

// SetActiveConnections sets the tracked connection count for a gateway instance.
func SetActiveConnections(gateway string, count int) {
	ActiveConnections.WithLabelValues(gateway).Set(float64(count))
}

// RecordAdmissionAccepted increments the accepted-admission counter.
func RecordAdmissionAccepted(gateway string) {
	AdmissionsTotal.WithLabelValues(gateway, "accepted").Inc()
}

// RecordAdmissionRejected increments the rejection counter for a reason
// ("global limit", "source limit", "rate limit").
func RecordAdmissionRejected(gateway, reason string) {
	AdmissionsTotal.WithLabelValues(gateway, reason).Inc()
}

// RecordEviction increments the eviction counter for a close reason.
func RecordEviction(gateway, reason string) {
	EvictionsTotal.WithLabelValues(gateway, reason).Inc()
}

// RecordJobRun increments the job run counter for a job key and status
// ("ok" or "error").
func RecordJobRun(job, status string) {
	JobRunsTotal.WithLabelValues(job, status).Inc()
}

// RecordJobSkip increments the skipped-run counter for a job key.
func RecordJobSkip(job string) {
	JobSkipsTotal.WithLabelValues(job).Inc()
}
