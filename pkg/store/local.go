package store

import (
	"context"
	"sync"

	"github.com/helvethink/tag-deployer/pkg/schemas"
)

// Local is an in-memory Store, suitable for a single process.
type Local struct {
	tasks              schemas.Tasks
	tasksMutex         sync.RWMutex // Mutex for thread-safe access to tasks
	executedTasksCount uint64       // Counter for the number of released leases
}

// QueueTask registers that we are running the task.
// It returns true if it managed to take the lease, false if it was already held.
func (l *Local) QueueTask(_ context.Context, tt schemas.TaskType, uniqueID string, lease schemas.Lease) (bool, error) {
	l.tasksMutex.Lock()         // Lock the mutex for exclusive access
	defer l.tasksMutex.Unlock() // Ensure the mutex is unlocked when the function exits

	if _, ok := l.tasks[tt]; !ok {
		l.tasks[tt] = make(map[string]schemas.Lease)
	}

	if _, alreadyQueued := l.tasks[tt][uniqueID]; alreadyQueued {
		return false, nil
	}

	l.tasks[tt][uniqueID] = lease // Take the lease

	return true, nil
}

// UnqueueTask removes the task from the tracker.
func (l *Local) UnqueueTask(_ context.Context, tt schemas.TaskType, uniqueID string) error {
	l.tasksMutex.Lock()
	defer l.tasksMutex.Unlock()

	if _, queued := l.tasks[tt][uniqueID]; queued {
		delete(l.tasks[tt], uniqueID) // Release the lease
		l.executedTasksCount++
	}

	return nil
}

// CurrentLease returns the lease held for the task, if any.
func (l *Local) CurrentLease(_ context.Context, tt schemas.TaskType, uniqueID string) (lease schemas.Lease, held bool, err error) {
	l.tasksMutex.RLock()         // Lock the mutex for read-only access
	defer l.tasksMutex.RUnlock() // Unlock the mutex when the function exits

	lease, held = l.tasks[tt][uniqueID]

	return
}

// CurrentlyQueuedTasksCount returns the count of currently queued tasks.
func (l *Local) CurrentlyQueuedTasksCount(_ context.Context) (count uint64, err error) {
	l.tasksMutex.RLock()
	defer l.tasksMutex.RUnlock()

	for _, t := range l.tasks {
		count += uint64(len(t))
	}

	return
}

// ExecutedTasksCount returns the count of executed tasks.
func (l *Local) ExecutedTasksCount(_ context.Context) (uint64, error) {
	l.tasksMutex.RLock()
	defer l.tasksMutex.RUnlock()

	return l.executedTasksCount, nil
}
