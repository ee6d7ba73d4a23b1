package controller

import "github.com/prometheus/client_golang/prometheus"

var (
	// decisionLabels categorizes webhook requests by what was done with them.
	decisionLabels = []string{"decision"}

	// statusLabels categorizes deploys and notifications by their outcome.
	statusLabels = []string{"status"}
)

// NewCollectorWebhookRequests returns a counter of the webhook requests received, by decision.
func NewCollectorWebhookRequests() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tag_deployer_webhook_requests_total",
			Help: "Number of webhook requests received, by decision",
		},
		decisionLabels,
	)
}

// NewCollectorDeploys returns a counter of the deploys which ran, by status.
func NewCollectorDeploys() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tag_deployer_deploys_total",
			Help: "Number of deploys which ran, by status",
		},
		statusLabels,
	)
}

// NewCollectorDeployDurationSeconds returns a histogram of the deploy scripts durations.
// Buckets range from one second to a bit more than an hour.
func NewCollectorDeployDurationSeconds() prometheus.Histogram {
	return prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tag_deployer_deploy_duration_seconds",
			Help:    "Duration of the deploy scripts",
			Buckets: prometheus.ExponentialBuckets(1, 2, 13),
		},
	)
}

// NewCollectorDeploysInFlight returns a gauge of the deploys currently running.
func NewCollectorDeploysInFlight() prometheus.Gauge {
	return prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tag_deployer_deploys_in_flight",
			Help: "Number of deploys currently running",
		},
	)
}

// NewCollectorNotifications returns a counter of the notifications, by status.
func NewCollectorNotifications() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tag_deployer_notifications_total",
			Help: "Number of deploy notifications, by delivery status",
		},
		statusLabels,
	)
}

// NewInternalCollectorWebhookRequestsPerSecond returns a gauge of the webhook requests rate.
func NewInternalCollectorWebhookRequestsPerSecond() prometheus.Gauge {
	return prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tag_deployer_webhook_requests_per_second",
			Help: "Rate of webhook requests received over the last second",
		},
	)
}

// NewInternalCollectorCurrentlyQueuedTasksCount returns a gauge of the deploy leases currently held.
func NewInternalCollectorCurrentlyQueuedTasksCount() prometheus.Gauge {
	return prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tag_deployer_queued_tasks",
			Help: "Number of deploy leases currently held",
		},
	)
}

// NewInternalCollectorExecutedTasksCount returns a gauge of the deploy leases released.
func NewInternalCollectorExecutedTasksCount() prometheus.Gauge {
	return prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tag_deployer_executed_tasks",
			Help: "Number of deploy leases released",
		},
	)
}
