package schemas

import (
	"fmt"
	"strings"
	"time"
)

// DeployStatus represents the final status of a deploy.
type DeployStatus string

// FailureKind distinguishes a deploy script which could not be started from one which ran and failed.
type FailureKind string

const (
	// DeployStatusSuccess is the status of a deploy whose script exited with code 0.
	DeployStatusSuccess DeployStatus = "success"

	// DeployStatusFailure is the status of any other deploy.
	DeployStatusFailure DeployStatus = "failure"

	// FailureKindSpawn is used when the deploy process could not be started.
	FailureKindSpawn FailureKind = "spawn"

	// FailureKindExecute is used when the deploy process ran but did not succeed.
	FailureKindExecute FailureKind = "execute"
)

// DeployParameters holds the deployment context supplied by configuration, never by the caller.
type DeployParameters struct {
	ScriptPath string // Path to the deploy script
	DevDir     string // Working directory handed over to the script
	ScriptsDir string // Directory the script writes its logs to
}

// DeployRequest represents a deploy accepted by the classifier.
type DeployRequest struct {
	ID                  string // Unique identifier, used to correlate logs
	RepositoryFullName  string // owner/name
	RepositoryShortName string // Portion after the last '/'
	Tag                 string // Tag name, without the refs/tags/ prefix
	DeliveryID          string // GitHub delivery which triggered the deploy

	DeployParameters
}

// NewDeployRequest builds a DeployRequest for the given repository and tag.
func NewDeployRequest(id, repositoryFullName, tag string, params DeployParameters) DeployRequest {
	return DeployRequest{
		ID:                  id,
		RepositoryFullName:  repositoryFullName,
		RepositoryShortName: RepositoryShortName(repositoryFullName),
		Tag:                 tag,
		DeployParameters:    params,
	}
}

// RepositoryShortName returns the part of a repository full name following the last '/'.
// It falls back to the full name when there is no '/' or nothing follows it.
func RepositoryShortName(fullName string) string {
	i := strings.LastIndex(fullName, "/")
	if i < 0 || i == len(fullName)-1 {
		return fullName
	}

	return fullName[i+1:]
}

// DeployOutcome is the result of running a deploy.
type DeployOutcome struct {
	Status   DeployStatus
	Result   string      // Trimmed stdout of a successful deploy
	Kind     FailureKind // Set on failures only
	Detail   string      // Human readable failure detail
	ExitCode *int        // nil when the process never ran or was killed
	Duration time.Duration
}

// Succeeded returns whether the deploy was successful.
func (o DeployOutcome) Succeeded() bool {
	return o.Status == DeployStatusSuccess
}

// Text returns the result text on success or the failure detail otherwise.
func (o DeployOutcome) Text() string {
	if o.Succeeded() {
		return o.Result
	}

	return o.Detail
}

// NewSuccessOutcome returns a successful outcome carrying the given result text.
func NewSuccessOutcome(result string) DeployOutcome {
	return DeployOutcome{
		Status: DeployStatusSuccess,
		Result: result,
	}
}

// NewFailureOutcome returns a failed outcome of the given kind.
func NewFailureOutcome(kind FailureKind, detail string) DeployOutcome {
	return DeployOutcome{
		Status: DeployStatusFailure,
		Kind:   kind,
		Detail: detail,
	}
}

// DeployError is the error raised when a deploy does not succeed.
type DeployError struct {
	Kind FailureKind
	Msg  string
}

func (e *DeployError) Error() string {
	switch e.Kind {
	case FailureKindSpawn:
		return fmt.Sprintf("CommandSpawnError: %s", e.Msg)
	default:
		return fmt.Sprintf("CommandExecuteError: %s", e.Msg)
	}
}

// Notification is the human readable report of a deploy.
type Notification struct {
	Subject string
	Body    string
}

// Lease marks a repository as currently being deployed.
type Lease struct {
	ProcessUUID string    // Controller owning the lease
	DeployID    string    // Deploy holding the lease
	Tag         string    // Tag being deployed
	StartedAt   time.Time // When the lease was taken
}
