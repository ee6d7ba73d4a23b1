package store

import (
	"context"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/helvethink/tag-deployer/pkg/schemas"
)

// Store keeps track of the tasks currently in flight. It holds no deploy history.
type Store interface {
	// Helpers to keep track of currently queued tasks and avoid running them
	// twice, the unique ID of a deploy task is the repository full name
	QueueTask(ctx context.Context, tt schemas.TaskType, uniqueID string, lease schemas.Lease) (bool, error) // QueueTask takes the lease, false if it is already held
	UnqueueTask(ctx context.Context, tt schemas.TaskType, uniqueID string) error                            // UnqueueTask releases the lease
	CurrentLease(ctx context.Context, tt schemas.TaskType, uniqueID string) (schemas.Lease, bool, error)    // CurrentLease returns the lease currently held, if any
	CurrentlyQueuedTasksCount(ctx context.Context) (uint64, error)                                          // CurrentlyQueuedTasksCount counts the leases currently held
	ExecutedTasksCount(ctx context.Context) (uint64, error)                                                 // ExecutedTasksCount counts the released leases
}

// NewLocalStore creates a new instance of local storage.
func NewLocalStore() Store {
	return &Local{
		tasks: make(schemas.Tasks),
	}
}

// NewRedisStore creates a new instance of storage using Redis.
func NewRedisStore(client *redis.Client) Store {
	return &Redis{
		Client: client,
	}
}

// New creates a new store, backed by Redis when a client is provided.
func New(ctx context.Context, r *redis.Client) (s Store) {
	ctx, span := otel.Tracer("tag-deployer").Start(ctx, "store:New")
	defer span.End()

	if r != nil {
		s = NewRedisStore(r)
	} else {
		s = NewLocalStore()
	}

	log.WithContext(ctx).
		WithField("redis", r != nil).
		Debug("store initialized")

	return s
}
