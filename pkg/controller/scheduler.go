package controller

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/taskq/memqueue/v4"
	"github.com/vmihailenco/taskq/redisq/v4"
	"github.com/vmihailenco/taskq/v4"
	"github.com/xeonx/timeago"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helvethink/tag-deployer/pkg/schemas"
	"github.com/helvethink/tag-deployer/pkg/store"
)

var (
	// ErrDeployInProgress is returned when a deploy of the repository is already running.
	ErrDeployInProgress = errors.New("deploy already in progress")

	// ErrQueueUnavailable is returned when the deploy could not be queued.
	ErrQueueUnavailable = errors.New("deploy queue unavailable")
)

// TaskController holds the components needed to manage the deploys queue.
type TaskController struct {
	Factory taskq.Factory  // Factory creates task queues and manages their lifecycle.
	Queue   taskq.Queue    // Queue is the actual task queue instance where tasks are enqueued and consumed.
	TaskMap *taskq.TaskMap // TaskMap holds the mapping of task types to their handlers for processing.
}

// NewTaskController initializes and returns a new TaskController.
// The queue is backed by Redis when a client is provided, in memory otherwise.
func NewTaskController(ctx context.Context, r *redis.Client, maximumJobsQueueSize int) (t TaskController) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:NewTaskController")
	defer span.End()

	t.TaskMap = &taskq.TaskMap{}

	queueOptions := &taskq.QueueConfig{
		Name:                 "deploys",
		PauseErrorsThreshold: 3,
		Handler:              t.TaskMap,
		BufferSize:           maximumJobsQueueSize,

		// Deploys can be long, they must not be redelivered to another consumer while running
		ReservationTimeout: time.Hour,
	}

	if r != nil {
		t.Factory = redisq.NewFactory()
		queueOptions.Redis = r
	} else {
		t.Factory = memqueue.NewFactory()
	}

	t.Queue = t.Factory.RegisterQueue(queueOptions)

	// Deploys queued before a restart are dropped, their webhooks can be redelivered from GitHub
	if err := t.Queue.Purge(ctx); err != nil {
		log.WithContext(ctx).
			WithError(err).
			Error("purging the deploys queue")
	}

	if r != nil {
		if err := t.Factory.StartConsumers(context.TODO()); err != nil {
			log.WithContext(ctx).
				WithError(err).
				Fatal("starting consuming the task queue")
		}
	}

	return
}

// TaskHandlerDeploy runs a deploy then reports its outcome.
// It never returns an error: a deploy is never retried, and a panic is contained here.
func (c *Controller) TaskHandlerDeploy(ctx context.Context, req schemas.DeployRequest) error {
	if c.Config.Deploy.SingleFlight {
		defer c.unqueueTask(ctx, schemas.TaskTypeDeploy, req.RepositoryFullName)
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithContext(ctx).
				WithFields(deployLogFields(req)).
				WithField("panic", r).
				Error("recovered from a panic while deploying")
		}
	}()

	c.Deploy(ctx, req)

	return nil
}

// Schedule starts the background routines of the controller.
func (c *Controller) Schedule(ctx context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:Schedule")
	defer span.End()

	if c.Redis != nil {
		c.ScheduleRedisSetKeepalive(ctx)
	}
}

// ScheduleRedisSetKeepalive periodically refreshes a Redis key signaling that this
// instance is alive, so that the leases it owns are not taken over.
// A failure to refresh it is fatal, the leases would be silently lost otherwise.
func (c *Controller) ScheduleRedisSetKeepalive(ctx context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:ScheduleRedisSetKeepalive")
	defer span.End()

	setKeepalive := func() {
		if _, err := c.Store.(*store.Redis).SetKeepalive(ctx, c.UUID.String(), time.Duration(10)*time.Second); err != nil {
			// Shutting down
			if ctx.Err() != nil {
				return
			}

			log.WithContext(ctx).
				WithError(err).
				Fatal("setting keepalive")
		}
	}

	setKeepalive()

	go func(ctx context.Context) {
		ticker := time.NewTicker(time.Duration(1) * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info("stopped redis keepalive")

				return
			case <-ticker.C:
				setKeepalive()
			}
		}
	}(ctx)
}

// ScheduleDeploy queues the detached deploy of the request.
// With single flight enabled, the lease of the repository is taken first and
// ErrDeployInProgress is returned when it is already held.
func (c *Controller) ScheduleDeploy(ctx context.Context, req schemas.DeployRequest) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:ScheduleDeploy")
	defer span.End()

	span.SetAttributes(attribute.String("task_type", string(schemas.TaskTypeDeploy)))
	span.SetAttributes(attribute.String("task_unique_id", req.RepositoryFullName))

	logger := log.WithContext(ctx).WithFields(deployLogFields(req))

	qlen, err := c.TaskController.Queue.Len(ctx)
	if err != nil {
		logger.
			WithError(err).
			Warn("unable to read task queue length, skipping scheduling of deploy..")

		return ErrQueueUnavailable
	}

	if qlen >= c.TaskController.Queue.Options().BufferSize {
		logger.Warn("queue buffer size exhausted, skipping scheduling of deploy..")

		return ErrQueueUnavailable
	}

	if c.Config.Deploy.SingleFlight {
		if err = c.takeLease(ctx, req); err != nil {
			return err
		}
	}

	job := c.TaskController.TaskMap.Get(string(schemas.TaskTypeDeploy)).NewJob(req)
	if err = c.TaskController.Queue.AddJob(ctx, job); err != nil {
		logger.
			WithError(err).
			Warn("scheduling deploy")

		if c.Config.Deploy.SingleFlight {
			c.unqueueTask(ctx, schemas.TaskTypeDeploy, req.RepositoryFullName)
		}

		return ErrQueueUnavailable
	}

	logger.Debug("deploy scheduled")

	return nil
}

// takeLease marks the repository of the request as being deployed.
func (c *Controller) takeLease(ctx context.Context, req schemas.DeployRequest) error {
	logger := log.WithContext(ctx).WithFields(deployLogFields(req))

	queued, err := c.Store.QueueTask(ctx, schemas.TaskTypeDeploy, req.RepositoryFullName, schemas.Lease{
		ProcessUUID: c.UUID.String(),
		DeployID:    req.ID,
		Tag:         req.Tag,
		StartedAt:   time.Now(),
	})
	if err != nil {
		logger.
			WithError(err).
			Warn("unable to declare the deploy, skipping scheduling of deploy..")

		return ErrQueueUnavailable
	}

	if !queued {
		if lease, held, err := c.Store.CurrentLease(ctx, schemas.TaskTypeDeploy, req.RepositoryFullName); err == nil && held {
			logger = logger.WithFields(log.Fields{
				"running-deploy-id":  lease.DeployID,
				"running-tag":        lease.Tag,
				"running-started-at": timeago.English.Format(lease.StartedAt),
			})
		}

		logger.Info("deploy already in progress, skipping scheduling of deploy..")

		return ErrDeployInProgress
	}

	return nil
}
