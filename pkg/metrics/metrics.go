package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EngineCallDuration tracks engine gateway call duration in seconds
	EngineCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_call_duration_seconds",
			Help:    "Duration of engine gateway calls in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"backend", "operation", "outcome"},
	)

	// EngineAPIErrors tracks HTTP engine agent errors by type
	EngineAPIErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_api_errors_total",
			Help: "Total number of engine agent API errors by type",
		},
		[]string{"error_type", "status_code"},
	)

	// ScanPollAttempts tracks number of running-state polls per scan job
	ScanPollAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scan_poll_attempts",
			Help:    "Number of running-state polls per scan job",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 500, 1000},
		},
	)

	// ScanPollFailures tracks swallowed poll failures
	ScanPollFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_poll_failures_total",
			Help: "Total number of failed running-state polls",
		},
		[]string{"reason"},
	)

	// ScanPollSkipped tracks ticks skipped because a poll was still in flight
	ScanPollSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scan_poll_skipped_total",
			Help: "Total number of poll ticks skipped while a previous poll was outstanding",
		},
	)

	// ScanDuration tracks scan job duration by kind and terminal state
	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scan_duration_seconds",
			Help:    "Duration of scan jobs in seconds",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
		},
		[]string{"scan_kind", "state"},
	)

	// ScanTotal tracks scan jobs by kind and terminal state
	ScanTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scan_total",
			Help: "Total number of scan jobs by terminal state",
		},
		[]string{"scan_kind", "state"},
	)

	// ActionTotal tracks remediation outcomes
	ActionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threat_action_total",
			Help: "Total number of threat actions by outcome",
		},
		[]string{"action", "outcome"},
	)

	// ActionDuration tracks remediation engine call duration
	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threat_action_duration_seconds",
			Help:    "Duration of threat actions in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"action", "outcome"},
	)

	// ThreatReloads tracks threat store reloads
	ThreatReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threat_reload_total",
			Help: "Total number of threat store reloads by result",
		},
		[]string{"result"},
	)

	// ThreatCountDrift tracks reloads where engine counters disagreed with the list
	ThreatCountDrift = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threat_count_drift_total",
			Help: "Total number of reloads where engine-reported counts disagreed with the threat list",
		},
	)

	// ThreatsCurrent tracks the current snapshot's threats by severity
	ThreatsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "threats_current",
			Help: "Threats in the current snapshot by severity",
		},
		[]string{"severity"},
	)

	// StatusRefreshes tracks status monitor refresh attempts
	StatusRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_refresh_total",
			Help: "Total number of status refresh attempts by result",
		},
		[]string{"result"},
	)
)

// RecordEngineCall records the duration of an engine gateway call
func RecordEngineCall(backend, operation, outcome string, duration float64) {
	EngineCallDuration.WithLabelValues(backend, operation, outcome).Observe(duration)
}

// RecordEngineAPIError records an HTTP engine agent error
func RecordEngineAPIError(errorType string, statusCode int) {
	EngineAPIErrors.WithLabelValues(errorType, fmt.Sprintf("%d", statusCode)).Inc()
}

// RecordScanPollAttempts records the number of polls for a scan job
func RecordScanPollAttempts(attempts int) {
	ScanPollAttempts.Observe(float64(attempts))
}

// RecordScanPollFailure records a swallowed poll failure
func RecordScanPollFailure(reason string) {
	ScanPollFailures.WithLabelValues(reason).Inc()
}

// RecordScanPollSkipped records a tick skipped behind an outstanding poll
func RecordScanPollSkipped() {
	ScanPollSkipped.Inc()
}

// RecordScan records a scan job reaching a terminal state
func RecordScan(scanKind, state string, duration float64) {
	ScanTotal.WithLabelValues(scanKind, state).Inc()
	ScanDuration.WithLabelValues(scanKind, state).Observe(duration)
}

// RecordAction records a threat action outcome
func RecordAction(action, outcome string, duration float64) {
	ActionTotal.WithLabelValues(action, outcome).Inc()
	ActionDuration.WithLabelValues(action, outcome).Observe(duration)
}

// RecordThreatReload records a threat store reload
func RecordThreatReload(result string) {
	ThreatReloads.WithLabelValues(result).Inc()
}

// RecordThreatCountDrift records an engine counter mismatch
func RecordThreatCountDrift() {
	ThreatCountDrift.Inc()
}

// SetThreatsCurrent publishes the current per-severity counts
func SetThreatsCurrent(high, medium, low, unknown int) {
	ThreatsCurrent.WithLabelValues("high").Set(float64(high))
	ThreatsCurrent.WithLabelValues("medium").Set(float64(medium))
	ThreatsCurrent.WithLabelValues("low").Set(float64(low))
	ThreatsCurrent.WithLabelValues("unknown").Set(float64(unknown))
}

// RecordStatusRefresh records a status refresh attempt
func RecordStatusRefresh(result string) {
	StatusRefreshes.WithLabelValues(result).Inc()
}
