package controller

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helvethink/tag-deployer/pkg/schemas"
)

// deployLogFields returns the log fields identifying a deploy.
func deployLogFields(req schemas.DeployRequest) log.Fields {
	return log.Fields{
		"deploy-id":  req.ID,
		"repository": req.RepositoryFullName,
		"tag":        req.Tag,
	}
}

// Deploy runs the deploy script of the request then reports its outcome.
// The notification is sent whatever happened to the script.
func (c *Controller) Deploy(ctx context.Context, req schemas.DeployRequest) schemas.DeployOutcome {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:Deploy")
	defer span.End()

	span.SetAttributes(
		attribute.String("repository", req.RepositoryFullName),
		attribute.String("tag", req.Tag),
	)

	logger := log.WithContext(ctx).WithFields(deployLogFields(req))

	if waited, err := c.Limiter.Take(ctx); err != nil {
		logger.
			WithError(err).
			Warn("waiting for the deploy rate limiter")
	} else if waited > time.Second {
		logger.
			WithField("waited", waited.String()).
			Info("deploy start throttled")
	}

	outcome := c.run(ctx, req)
	span.SetAttributes(attribute.String("status", string(outcome.Status)))

	_, delivered := c.Notifier.Notify(ctx, req, outcome)
	c.Registry.ObserveNotification(delivered)

	return outcome
}

// run executes the deploy, a panicking runner is reported as a failed deploy.
func (c *Controller) run(ctx context.Context, req schemas.DeployRequest) (outcome schemas.DeployOutcome) {
	logger := log.WithContext(ctx).WithFields(deployLogFields(req))
	start := time.Now()

	c.Registry.DeployStarted()
	defer func() {
		if r := recover(); r != nil {
			logger.
				WithField("panic", r).
				Error("recovered from a panic while running the deploy script")

			outcome = schemas.NewFailureOutcome(schemas.FailureKindExecute, fmt.Sprintf("deploy runner panicked: %v", r))
		}

		if outcome.Duration == 0 {
			outcome.Duration = time.Since(start)
		}

		c.Registry.DeployFinished(outcome)
	}()

	logger.
		WithField("script", req.ScriptPath).
		Info("deploying")

	return c.Runner.Run(ctx, req)
}
