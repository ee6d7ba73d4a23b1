package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/mod/semver"

	"github.com/helvethink/tag-deployer/pkg/schemas"
)

const tracerName = "tag-deployer"

// Action is what should be done with a webhook request.
type Action string

const (
	// ActionIgnore acknowledges the request without doing anything.
	ActionIgnore Action = "ignored"

	// ActionReject refuses the request with an error status.
	ActionReject Action = "rejected"

	// ActionTrigger starts a deploy.
	ActionTrigger Action = "triggered"
)

// Reasons reported for ignored and rejected requests.
const (
	ReasonNotPush          = "not push"
	ReasonMissingSignature = "missing signature"
	ReasonBadSignature     = "bad signature"
	ReasonInvalidPayload   = "invalid payload"
	ReasonRepoMismatch     = "repo mismatch"
	ReasonNotTagRef        = "not a tag ref"
	ReasonTagDeleted       = "tag deleted"
	ReasonNotSemverTag     = "not a semver tag"
	ReasonInternalError    = "internal error"
)

// Decision is the result of classifying a webhook request.
type Decision struct {
	Action     Action
	Reason     string                 // Set for ignored and rejected requests
	StatusCode int                    // HTTP status to answer with
	Request    *schemas.DeployRequest // Set for triggered requests only
}

// Body returns the short human-readable response body of the decision.
func (d Decision) Body() string {
	switch d.Action {
	case ActionTrigger:
		return "deploy triggered"
	case ActionIgnore:
		return "ignored (" + d.Reason + ")"
	default:
		return d.Reason
	}
}

// Label returns a low cardinality label describing the decision, used by metrics.
func (d Decision) Label() string {
	if d.Action == ActionTrigger {
		return string(d.Action)
	}

	return string(d.Action) + ":" + strings.ReplaceAll(d.Reason, " ", "_")
}

func ignore(reason string) Decision {
	return Decision{Action: ActionIgnore, Reason: reason, StatusCode: http.StatusOK}
}

func reject(reason string, code int) Decision {
	return Decision{Action: ActionReject, Reason: reason, StatusCode: code}
}

// RepositoryPolicy tells which repositories may trigger deploys and with which parameters.
type RepositoryPolicy interface {
	IsRepositoryAllowed(fullName string) bool
	DeployParametersFor(fullName string) (schemas.DeployParameters, error)
}

// Classifier decides whether webhook requests trigger a deploy.
type Classifier struct {
	Secret            string           // Shared webhook secret
	Repositories      RepositoryPolicy // Allow-list and per repository parameters
	RequireSemverTags bool             // Ignore tags which are not semantic versions
}

// NewClassifier returns a Classifier.
func NewClassifier(secret string, repositories RepositoryPolicy, requireSemverTags bool) *Classifier {
	return &Classifier{
		Secret:            secret,
		Repositories:      repositories,
		RequireSemverTags: requireSemverTags,
	}
}

// Classify applies the policy to the event, first match wins:
//  1. not a push event: ignored
//  2. no signature: rejected (401)
//  3. invalid signature: rejected (401)
//  4. invalid JSON: rejected (400)
//  5. repository not allow-listed: rejected (403)
//  6. not a tag reference: ignored
//  7. deleted tag: ignored
//  8. not a semver tag, when required: ignored
//  9. otherwise the deploy is triggered
//
// The payload is never parsed before its signature has been verified.
func (c *Classifier) Classify(ctx context.Context, e schemas.InboundEvent) (d Decision) {
	_, span := otel.Tracer(tracerName).Start(ctx, "webhook:Classify")
	defer func() {
		span.SetAttributes(attribute.String("decision", d.Label()))
		span.End()
	}()

	if e.EventType != schemas.EventTypePush {
		return ignore(ReasonNotPush)
	}

	if !e.HasSignature {
		return reject(ReasonMissingSignature, http.StatusUnauthorized)
	}

	if !VerifySignature(c.Secret, e.RawBody, e.Signature) {
		return reject(ReasonBadSignature, http.StatusUnauthorized)
	}

	var payload schemas.PushPayload
	if err := json.Unmarshal(e.RawBody, &payload); err != nil {
		log.WithContext(ctx).
			WithField("delivery-id", e.DeliveryID).
			WithError(err).
			Warn("invalid webhook payload")

		return reject(ReasonInvalidPayload, http.StatusBadRequest)
	}

	if !c.Repositories.IsRepositoryAllowed(payload.Repository.FullName) {
		log.WithContext(ctx).
			WithField("repository", payload.Repository.FullName).
			Warn("repository not allowed to deploy")

		return reject(ReasonRepoMismatch, http.StatusForbidden)
	}

	tag, ok := schemas.TagFromRef(payload.Ref)
	if !ok {
		log.WithContext(ctx).
			WithFields(log.Fields{
				"repository": payload.Repository.FullName,
				"ref":        payload.Ref,
				"ref-kind":   schemas.KindOfRef(payload.Ref),
			}).
			Debug("push does not concern a tag")

		return ignore(ReasonNotTagRef)
	}

	if payload.Deleted {
		return ignore(ReasonTagDeleted)
	}

	if c.RequireSemverTags && !IsSemverTag(tag) {
		return ignore(ReasonNotSemverTag)
	}

	params, err := c.Repositories.DeployParametersFor(payload.Repository.FullName)
	if err != nil {
		log.WithContext(ctx).
			WithField("repository", payload.Repository.FullName).
			WithError(err).
			Error("resolving deploy parameters")

		return reject(ReasonInternalError, http.StatusInternalServerError)
	}

	req := schemas.NewDeployRequest(uuid.NewString(), payload.Repository.FullName, tag, params)
	req.DeliveryID = e.DeliveryID

	return Decision{
		Action:     ActionTrigger,
		StatusCode: http.StatusOK,
		Request:    &req,
	}
}

// IsSemverTag returns whether tag is a semantic version, with or without its leading "v".
func IsSemverTag(tag string) bool {
	if !strings.HasPrefix(tag, "v") {
		tag = "v" + tag
	}

	return semver.IsValid(tag)
}
