// Package metrics defines Prometheus metrics for the deployment engine.
//
// All metrics are registered with the controller-runtime default registry
// (ctrlmetrics.Registry). No HTTP handler in this repository serves that
// registry.
//
// Metric naming follows Prometheus conventions:
//   - deployctl_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// DeploymentsTotal counts deployments by environment and terminal status.
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployctl_deployments_total",
			Help: "Total number of deployments by environment and status.",
		},
		[]string{"environment", "status"},
	)

	// StageDurationSeconds is a histogram of stage duration by stage name.
	StageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deployctl_stage_duration_seconds",
			Help:    "Duration of orchestration stages in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"stage"},
	)

	// CommandsExecutedTotal counts command-queue executions by type and outcome.
	CommandsExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployctl_commands_executed_total",
			Help: "Total commands executed by the command queue.",
		},
		[]string{"type", "outcome"},
	)

	// CommandsDeniedTotal counts commands the validator refused to enqueue.
	CommandsDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployctl_commands_denied_total",
			Help: "Total proposed commands denied by the validator.",
		},
		[]string{"type"},
	)

	// ApprovalsPendingTotal counts approvals requested by environment.
	ApprovalsPendingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployctl_approvals_requested_total",
			Help: "Total approval requests raised.",
		},
		[]string{"environment"},
	)

	// HealthChecksTotal counts resource health checks by status.
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployctl_health_checks_total",
			Help: "Total resource health checks by status.",
		},
		[]string{"status"},
	)

	// NotificationsSentTotal counts notification deliveries by channel and outcome.
	NotificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployctl_notifications_sent_total",
			Help: "Total notifications sent by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	// ActiveDeployments is the number of deployments currently in a non-terminal state.
	ActiveDeployments = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "deployctl_active_deployments",
			Help: "Number of deployments currently in a non-terminal state.",
		},
	)
)

func init() {
	ctrlmetrics.Registry.MustRegister(
		DeploymentsTotal,
		StageDurationSeconds,
		CommandsExecutedTotal,
		CommandsDeniedTotal,
		ApprovalsPendingTotal,
		HealthChecksTotal,
		NotificationsSentTotal,
		ActiveDeployments,
	)
}

// RecordDeploymentTerminal records a deployment reaching a terminal status.
func RecordDeploymentTerminal(environment, status string) {
	DeploymentsTotal.WithLabelValues(environment, status).Inc()
}

// RecordStageDuration records how long a stage took to verify-and-advance.
func RecordStageDuration(stage string, d time.Duration) {
	StageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordCommandExecuted records a single command-queue execution.
func RecordCommandExecuted(cmdType, outcome string) {
	CommandsExecutedTotal.WithLabelValues(cmdType, outcome).Inc()
}

// RecordCommandDenied records a single validator denial.
func RecordCommandDenied(cmdType string) {
	CommandsDeniedTotal.WithLabelValues(cmdType).Inc()
}

// RecordApprovalRequested records an approval request being raised.
func RecordApprovalRequested(environment string) {
	ApprovalsPendingTotal.WithLabelValues(environment).Inc()
}

// RecordHealthCheck records a single resource health-check result.
func RecordHealthCheck(status string) {
	HealthChecksTotal.WithLabelValues(status).Inc()
}

// RecordNotificationSent records a single notification delivery attempt.
func RecordNotificationSent(channel, outcome string) {
	NotificationsSentTotal.WithLabelValues(channel, outcome).Inc()
}
