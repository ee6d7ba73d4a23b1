package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"      // Redis client for Go
	"github.com/vmihailenco/msgpack/v5" // Library for MessagePack serialization

	"github.com/helvethink/tag-deployer/pkg/schemas" // Data schemas
)

// Constants for Redis keys
const (
	redisTaskKey               string = "task"
	redisTasksExecutedCountKey string = "tasksExecutedCount"
	redisKeepaliveKey          string = "keepalive"
)

// Redis is a Store shared by several processes. Leases are owned by a process
// and can be taken over once its keepalive has expired.
type Redis struct {
	*redis.Client
}

// SetKeepalive sets a key with a UUID corresponding to the currently running process.
// It is refreshed periodically, the process is considered dead once it expires.
func (r *Redis) SetKeepalive(ctx context.Context, uuid string, ttl time.Duration) (bool, error) {
	_, err := r.Set(ctx, fmt.Sprintf("%s:%s", redisKeepaliveKey, uuid), nil, ttl).Result()
	return err == nil, err
}

// KeepaliveExists returns whether a keepalive exists or not for a particular UUID.
func (r *Redis) KeepaliveExists(ctx context.Context, uuid string) (bool, error) {
	exists, err := r.Exists(ctx, fmt.Sprintf("%s:%s", redisKeepaliveKey, uuid)).Result()
	return exists == 1, err
}

// getRedisQueueKey generates a Redis key for a task.
func getRedisQueueKey(tt schemas.TaskType, uniqueID string) string {
	return fmt.Sprintf("%s:%v:%s", redisTaskKey, tt, uniqueID)
}

// QueueTask registers that we are running the task.
// It returns true if it managed to take the lease, false if it is held by a live process.
func (r *Redis) QueueTask(ctx context.Context, tt schemas.TaskType, uniqueID string, lease schemas.Lease) (set bool, err error) {
	k := getRedisQueueKey(tt, uniqueID)

	// Marshall the lease into binary format using MessagePack
	marshalledLease, err := msgpack.Marshal(lease)
	if err != nil {
		return false, err
	}

	// Attempt to set the key, if it already exists, do not overwrite it
	set, err = r.SetNX(ctx, k, marshalledLease, 0).Result()
	if err != nil || set {
		return
	}

	current, held, err := r.CurrentLease(ctx, tt, uniqueID)
	if err != nil {
		return false, err
	}

	// Released in the meantime
	if !held {
		return r.SetNX(ctx, k, marshalledLease, 0).Result()
	}

	if current.ProcessUUID == lease.ProcessUUID {
		return false, nil
	}

	// Leases of a process which stopped refreshing its keepalive are taken over
	uuidIsAlive, err := r.KeepaliveExists(ctx, current.ProcessUUID)
	if err != nil || uuidIsAlive {
		return false, err
	}

	if _, err = r.Set(ctx, k, marshalledLease, 0).Result(); err != nil {
		return false, err
	}

	return true, nil
}

// UnqueueTask removes the task from the tracker.
func (r *Redis) UnqueueTask(ctx context.Context, tt schemas.TaskType, uniqueID string) (err error) {
	var matched int64

	// Delete the lease from redis
	matched, err = r.Del(ctx, getRedisQueueKey(tt, uniqueID)).Result()
	if err != nil {
		return
	}

	if matched > 0 {
		_, err = r.Incr(ctx, redisTasksExecutedCountKey).Result()
	}

	return
}

// CurrentLease returns the lease held for the task, if any.
func (r *Redis) CurrentLease(ctx context.Context, tt schemas.TaskType, uniqueID string) (lease schemas.Lease, held bool, err error) {
	marshalledLease, err := r.Get(ctx, getRedisQueueKey(tt, uniqueID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return lease, false, nil
	}

	if err != nil {
		return
	}

	// Unmarshal the lease data into the returned structure
	if err = msgpack.Unmarshal(marshalledLease, &lease); err != nil {
		return lease, false, errors.Wrap(err, "decoding lease")
	}

	return lease, true, nil
}

// CurrentlyQueuedTasksCount returns the count of currently queued tasks.
func (r *Redis) CurrentlyQueuedTasksCount(ctx context.Context) (count uint64, err error) {
	iter := r.Scan(ctx, 0, fmt.Sprintf("%s:*", redisTaskKey), 0).Iterator()
	for iter.Next(ctx) {
		count++
	}

	err = iter.Err()

	return
}

// ExecutedTasksCount returns the count of executed tasks.
func (r *Redis) ExecutedTasksCount(ctx context.Context) (uint64, error) {
	countString, err := r.Get(ctx, redisTasksExecutedCountKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	c, err := strconv.ParseUint(countString, 10, 64) // Parse the count string to uint64

	return c, err
}
