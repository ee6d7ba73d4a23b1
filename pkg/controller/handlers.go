package controller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/helvethink/tag-deployer/pkg/schemas"
	"github.com/helvethink/tag-deployer/pkg/webhook"
)

// HealthCheckHandler creates and returns a health check handler for the controller.
// The service is ready once every deploy script can be executed and Redis, when used, answers.
func (c *Controller) HealthCheckHandler(ctx context.Context) (h healthcheck.Handler) {
	h = healthcheck.NewHandler()

	if c.Config.Deploy.DryRun {
		log.WithContext(ctx).
			Debug("dry run enabled, deploy scripts won't be checked for readiness")
	} else {
		h.AddReadinessCheck("deploy-scripts-executable", c.deployScriptsCheck)
	}

	if c.Redis != nil {
		h.AddReadinessCheck("redis-reachable", healthcheck.Timeout(func() error {
			return c.Redis.Ping(ctx).Err()
		}, 5*time.Second))
	}

	return
}

// deployScriptsCheck verifies that the deploy script of every repository is an executable file.
func (c *Controller) deployScriptsCheck() error {
	for _, name := range c.Config.RepositoryNames() {
		params, err := c.Config.DeployParametersFor(name)
		if err != nil {
			return err
		}

		fi, err := os.Stat(params.ScriptPath)
		if err != nil {
			return errors.Wrapf(err, "deploy script of %s", name)
		}

		if fi.IsDir() || fi.Mode().Perm()&0o111 == 0 {
			return fmt.Errorf("deploy script of %s is not executable: %s", name, params.ScriptPath)
		}
	}

	return nil
}

// MetricsHandler serves the /metrics HTTP endpoint to expose Prometheus metrics.
func (c *Controller) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	defer span.End()

	if err := c.Registry.ExportInternalMetrics(ctx, c.Store, c.WebhookRequestsCounter); err != nil {
		log.WithContext(ctx).
			WithError(err).
			Warn()
	}

	otelhttp.NewHandler(
		promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{
			Registry:          c.Registry,
			EnableOpenMetrics: c.Config.Server.Metrics.EnableOpenmetricsEncoding,
		}),
		"/metrics",
	).ServeHTTP(w, r)
}

// DeployHandler handles the GitHub webhook requests. Triggered deploys run
// detached, the answer is sent as soon as the deploy has been queued.
func (c *Controller) DeployHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	c.WebhookRequestsCounter.Incr(1)

	logger := log.
		WithContext(ctx).
		WithFields(log.Fields{
			"ip-address":  r.RemoteAddr,
			"user-agent":  r.UserAgent(),
			"delivery-id": r.Header.Get(schemas.HeaderDelivery),
		})

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeText(w, http.StatusMethodNotAllowed, "method not allowed")

		return
	}

	signatures := r.Header.Values(schemas.HeaderSignature)
	e := schemas.InboundEvent{
		EventType:    r.Header.Get(schemas.HeaderEvent),
		DeliveryID:   r.Header.Get(schemas.HeaderDelivery),
		HasSignature: len(signatures) > 0,
	}

	if e.HasSignature {
		e.Signature = signatures[0]
	}

	// Only push payloads are read, other events are ignored whatever their size
	if e.EventType == schemas.EventTypePush {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, c.Config.Server.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				logger.
					WithField("limit", tooLarge.Limit).
					Warn("webhook payload too large")
				writeText(w, http.StatusRequestEntityTooLarge, "payload too large")

				return
			}

			logger.
				WithError(err).
				Warn("unable to read body of a received webhook")
			writeText(w, http.StatusBadRequest, "unreadable body")

			return
		}

		e.RawBody = body
	}

	d := c.Classifier.Classify(ctx, e)
	if d.Action == webhook.ActionTrigger {
		logger = logger.WithFields(deployLogFields(*d.Request))

		if err := c.ScheduleDeploy(ctx, *d.Request); err != nil {
			d = webhook.Decision{
				Action:     webhook.ActionReject,
				Reason:     err.Error(),
				StatusCode: http.StatusServiceUnavailable,
			}

			if errors.Is(err, ErrDeployInProgress) {
				d.StatusCode = http.StatusConflict
			}
		}
	}

	c.Registry.ObserveDecision(d)

	logger.
		WithField("decision", d.Label()).
		Info("webhook request handled")

	writeText(w, d.StatusCode, d.Body())
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}
