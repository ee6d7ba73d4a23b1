package notifier

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helvethink/tag-deployer/pkg/schemas"
)

const (
	tracerName = "tag-deployer"

	// SubjectSuccess is the subject of the notification sent after a successful deploy.
	SubjectSuccess = "Deploy successful"

	// SubjectFailure is the subject of the notification sent after a failed deploy.
	SubjectFailure = "Deploy failed"
)

// Mailer delivers notifications.
type Mailer interface {
	Send(ctx context.Context, subject, body string) error
}

// Dispatcher turns deploy outcomes into notifications and hands them to the Mailer.
// The mailer is guarded so that any number of deploys can notify concurrently
// while it is being (re)initialized exclusively.
type Dispatcher struct {
	mutex  sync.RWMutex
	mailer Mailer
}

// NewDispatcher returns a Dispatcher delivering through m, which may be nil.
func NewDispatcher(m Mailer) *Dispatcher {
	return &Dispatcher{mailer: m}
}

// SetMailer replaces the mailer.
func (d *Dispatcher) SetMailer(m Mailer) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.mailer = m
}

// NewNotification formats the report of a deploy.
func NewNotification(req schemas.DeployRequest, outcome schemas.DeployOutcome) schemas.Notification {
	subject, verb := SubjectFailure, "failed"
	if outcome.Succeeded() {
		subject, verb = SubjectSuccess, "successful"
	}

	return schemas.Notification{
		Subject: subject,
		Body:    fmt.Sprintf("Deploy of %s for %s %s: %s", req.Tag, req.RepositoryFullName, verb, outcome.Text()),
	}
}

// Notify reports the outcome of a deploy. It is best-effort: delivery errors are
// logged and swallowed, delivered tells whether the mailer accepted the notification.
func (d *Dispatcher) Notify(ctx context.Context, req schemas.DeployRequest, outcome schemas.DeployOutcome) (n schemas.Notification, delivered bool) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "notifier:Notify")
	defer span.End()

	n = NewNotification(req, outcome)
	span.SetAttributes(attribute.String("subject", n.Subject))

	logger := log.WithContext(ctx).
		WithFields(log.Fields{
			"deploy-id":  req.ID,
			"repository": req.RepositoryFullName,
			"tag":        req.Tag,
		})

	if outcome.Succeeded() {
		logger.Info(n.Body)
	} else {
		logger.Error(n.Body)
	}

	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if d.mailer == nil {
		logger.Warn("no mailer configured, notification not sent")
		return n, false
	}

	if err := d.mailer.Send(ctx, n.Subject, n.Body); err != nil {
		logger.
			WithError(err).
			Warn("sending deploy notification")

		return n, false
	}

	return n, true
}
