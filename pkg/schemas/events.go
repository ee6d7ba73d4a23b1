package schemas

// Headers set by GitHub on every webhook delivery.
const (
	HeaderEvent     string = "X-GitHub-Event"
	HeaderSignature string = "X-Hub-Signature-256"
	HeaderDelivery  string = "X-GitHub-Delivery"

	// EventTypePush is the only event type able to trigger a deploy.
	EventTypePush string = "push"
)

// InboundEvent holds what is needed from a webhook request to classify it.
// It is immutable and scoped to a single request.
type InboundEvent struct {
	EventType    string // Value of the X-GitHub-Event header
	DeliveryID   string // Value of the X-GitHub-Delivery header, only used for logging
	Signature    string // Value of the X-Hub-Signature-256 header
	HasSignature bool   // Whether the signature header was present at all
	RawBody      []byte // Untouched request body, used for signature verification
}

// PushPayload is the subset of a GitHub push event the deployer cares about.
// Absent fields are left to their zero value.
type PushPayload struct {
	Ref        string         `json:"ref"`     // e.g. refs/tags/v1.2.3
	Deleted    bool           `json:"deleted"` // true when the reference was removed
	Repository PushRepository `json:"repository"`
}

// PushRepository describes the repository a push event originates from.
type PushRepository struct {
	FullName string `json:"full_name"` // owner/name
}
