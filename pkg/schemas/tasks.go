package schemas

// TaskType represents the type of task as a string.
type TaskType string

const (
	// TaskTypeDeploy represents the detached deploy + notify unit of work.
	TaskTypeDeploy TaskType = "Deploy"
)

// Tasks is a map structure used to keep track of tasks.
// It maps a TaskType to the unique identifiers currently queued for it.
type Tasks map[TaskType]map[string]Lease
