package controller

import (
	"context"

	"github.com/paulbellamy/ratecounter"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/helvethink/tag-deployer/pkg/schemas"
	"github.com/helvethink/tag-deployer/pkg/store"
	"github.com/helvethink/tag-deployer/pkg/webhook"
)

// Notification delivery statuses.
const (
	notificationStatusSent   = "sent"
	notificationStatusFailed = "failed"
)

// Registry wraps a pointer to prometheus.Registry and holds the collectors of the application.
type Registry struct {
	*prometheus.Registry

	// InternalCollectors are refreshed from the store at scrape time.
	InternalCollectors struct {
		CurrentlyQueuedTasksCount prometheus.Gauge
		ExecutedTasksCount        prometheus.Gauge
		WebhookRequestsPerSecond  prometheus.Gauge
	}

	// Collectors are updated as webhooks and deploys happen.
	Collectors struct {
		WebhookRequests       *prometheus.CounterVec
		Deploys               *prometheus.CounterVec
		DeployDurationSeconds prometheus.Histogram
		DeploysInFlight       prometheus.Gauge
		Notifications         *prometheus.CounterVec
	}
}

// NewRegistry initializes and returns a new Registry instance with all the necessary collectors registered.
func NewRegistry(ctx context.Context) *Registry {
	r := &Registry{
		Registry: prometheus.NewRegistry(),
	}

	r.InternalCollectors.CurrentlyQueuedTasksCount = NewInternalCollectorCurrentlyQueuedTasksCount()
	r.InternalCollectors.ExecutedTasksCount = NewInternalCollectorExecutedTasksCount()
	r.InternalCollectors.WebhookRequestsPerSecond = NewInternalCollectorWebhookRequestsPerSecond()

	r.Collectors.WebhookRequests = NewCollectorWebhookRequests()
	r.Collectors.Deploys = NewCollectorDeploys()
	r.Collectors.DeployDurationSeconds = NewCollectorDeployDurationSeconds()
	r.Collectors.DeploysInFlight = NewCollectorDeploysInFlight()
	r.Collectors.Notifications = NewCollectorNotifications()

	for _, c := range []prometheus.Collector{
		r.InternalCollectors.CurrentlyQueuedTasksCount,
		r.InternalCollectors.ExecutedTasksCount,
		r.InternalCollectors.WebhookRequestsPerSecond,
		r.Collectors.WebhookRequests,
		r.Collectors.Deploys,
		r.Collectors.DeployDurationSeconds,
		r.Collectors.DeploysInFlight,
		r.Collectors.Notifications,
	} {
		if err := r.Register(c); err != nil {
			log.WithContext(ctx).
				Fatal(err)
		}
	}

	return r
}

// ExportInternalMetrics refreshes the internal collectors from the store and the requests rate counter.
func (r *Registry) ExportInternalMetrics(ctx context.Context, s store.Store, requests *ratecounter.RateCounter) (err error) {
	var currentlyQueuedTasks, executedTasksCount uint64

	if currentlyQueuedTasks, err = s.CurrentlyQueuedTasksCount(ctx); err != nil {
		return
	}

	if executedTasksCount, err = s.ExecutedTasksCount(ctx); err != nil {
		return
	}

	r.InternalCollectors.CurrentlyQueuedTasksCount.Set(float64(currentlyQueuedTasks))
	r.InternalCollectors.ExecutedTasksCount.Set(float64(executedTasksCount))
	r.InternalCollectors.WebhookRequestsPerSecond.Set(float64(requests.Rate()))

	return
}

// ObserveDecision counts a classified webhook request.
func (r *Registry) ObserveDecision(d webhook.Decision) {
	r.Collectors.WebhookRequests.WithLabelValues(d.Label()).Inc()
}

// DeployStarted tracks a deploy starting to run.
func (r *Registry) DeployStarted() {
	r.Collectors.DeploysInFlight.Inc()
}

// DeployFinished tracks a deploy which ran.
func (r *Registry) DeployFinished(outcome schemas.DeployOutcome) {
	r.Collectors.DeploysInFlight.Dec()
	r.Collectors.Deploys.WithLabelValues(string(outcome.Status)).Inc()
	r.Collectors.DeployDurationSeconds.Observe(outcome.Duration.Seconds())
}

// ObserveNotification counts a deploy notification.
func (r *Registry) ObserveNotification(delivered bool) {
	if delivered {
		r.Collectors.Notifications.WithLabelValues(notificationStatusSent).Inc()
	} else {
		r.Collectors.Notifications.WithLabelValues(notificationStatusFailed).Inc()
	}
}
