package controller

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/paulbellamy/ratecounter"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/taskq/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.7.0"
	"google.golang.org/grpc"

	"github.com/helvethink/tag-deployer/pkg/config"
	"github.com/helvethink/tag-deployer/pkg/deployer"
	"github.com/helvethink/tag-deployer/pkg/mail"
	"github.com/helvethink/tag-deployer/pkg/notifier"
	"github.com/helvethink/tag-deployer/pkg/ratelimit"
	"github.com/helvethink/tag-deployer/pkg/schemas"
	"github.com/helvethink/tag-deployer/pkg/store"
	"github.com/helvethink/tag-deployer/pkg/webhook"
)

const tracerName = "tag-deployer"

// Controller holds the necessary clients and components to receive webhooks and run deploys.
// The UUID field uniquely identifies this controller instance, it owns the deploy
// leases taken in Redis when several instances share it.
type Controller struct {
	Config         config.Config        // Application configuration settings
	Redis          *redis.Client        // Redis client, nil when running standalone
	Store          store.Store          // Deploy leases
	TaskController TaskController       // Detached deploys queue
	Classifier     *webhook.Classifier  // Decides what to do with webhook requests
	Runner         deployer.Runner      // Runs the deploy scripts
	Notifier       *notifier.Dispatcher // Reports deploy outcomes
	Limiter        ratelimit.Limiter    // Throttles deploy starts
	Registry       *Registry            // Prometheus collectors

	// WebhookRequestsCounter tracks the rate of webhook requests received.
	WebhookRequestsCounter *ratecounter.RateCounter

	UUID    uuid.UUID
	Version string

	mailer notifier.Mailer // Installed into the Notifier once the configuration is known
}

// Option customizes the Controller built by New.
type Option func(*Controller)

// WithRunner replaces the deploy runner selected from the configuration.
func WithRunner(r deployer.Runner) Option {
	return func(c *Controller) {
		c.Runner = r
	}
}

// WithMailer replaces the SMTP mailer built from the configuration.
func WithMailer(m notifier.Mailer) Option {
	return func(c *Controller) {
		c.mailer = m
	}
}

// New creates and initializes a new Controller instance.
// It sets up tracing, the Redis connection, the task queue, the store, the deploy
// runner and the notifier, then starts the background routines.
func New(ctx context.Context, cfg config.Config, version string, opts ...Option) (c *Controller, err error) {
	c = &Controller{
		Config:                 cfg,
		UUID:                   uuid.New(),
		Version:                version,
		Notifier:               notifier.NewDispatcher(nil),
		WebhookRequestsCounter: ratecounter.NewRateCounter(time.Second),
	}

	for _, opt := range opts {
		opt(c)
	}

	if err = configureTracing(ctx, cfg.OpenTelemetry.GRPCEndpoint, version); err != nil {
		return
	}

	if err = c.configureRedis(ctx, cfg.Redis.URL); err != nil {
		return
	}

	c.TaskController = NewTaskController(ctx, c.Redis, cfg.Deploy.MaximumJobsQueueSize)
	c.registerTasks()

	c.Store = store.New(ctx, c.Redis)
	c.Registry = NewRegistry(ctx)
	c.Classifier = webhook.NewClassifier(cfg.Github.WebhookSecret, cfg, cfg.Deploy.RequireSemverTags)

	c.configureRunner(cfg.Deploy)
	c.configureLimiter(cfg.Deploy)

	if err = c.configureNotifier(cfg.Mail); err != nil {
		return
	}

	c.Schedule(ctx)

	return
}

// registerTasks registers the task handlers with the TaskController's task map.
// Deploys are never retried, a failed deploy is reported and left to a human.
func (c *Controller) registerTasks() {
	for n, h := range map[schemas.TaskType]interface{}{
		schemas.TaskTypeDeploy: c.TaskHandlerDeploy,
	} {
		_, _ = c.TaskController.TaskMap.Register(string(n), &taskq.TaskConfig{
			Handler:    h,
			RetryLimit: 1,
		})
	}
}

// unqueueTask releases the lease of a task, logging failures.
func (c *Controller) unqueueTask(ctx context.Context, tt schemas.TaskType, uniqueID string) {
	if err := c.Store.UnqueueTask(ctx, tt, uniqueID); err != nil {
		log.WithContext(ctx).
			WithFields(log.Fields{
				"task_type":      tt,
				"task_unique_id": uniqueID,
			}).
			WithError(err).
			Warn("unqueuing task")
	}
}

// configureTracing sets up OpenTelemetry tracing via a gRPC endpoint.
// If no endpoint is provided, tracing support is skipped.
func configureTracing(ctx context.Context, grpcEndpoint, version string) error {
	if len(grpcEndpoint) == 0 {
		log.Debug("opentelemetry.grpc_endpoint is not configured, skipping open telemetry support")
		return nil
	}

	log.WithFields(log.Fields{
		"opentelemetry_grpc_endpoint": grpcEndpoint,
	}).Info("opentelemetry gRPC endpoint provided, initializing connection..")

	traceClient := otlptracegrpc.NewClient(
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(grpcEndpoint),
		otlptracegrpc.WithDialOption(grpc.WithBlock()), // nolint: staticcheck
	)

	traceExp, err := otlptrace.New(ctx, traceClient)
	if err != nil {
		return errors.Wrap(err, "creating trace exporter")
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("tag-deployer"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return errors.Wrap(err, "describing trace resource")
	}

	bsp := sdktrace.NewBatchSpanProcessor(traceExp)
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp),
	)

	otel.SetTracerProvider(tracerProvider)

	return nil
}

// configureRedis initializes the Redis client using the provided URL and sets up OpenTelemetry tracing instrumentation.
func (c *Controller) configureRedis(ctx context.Context, url string) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:configureRedis")
	defer span.End()

	if len(url) <= 0 {
		log.Debug("redis url is not configured, skipping configuration & using local driver")
		return
	}

	log.Info("redis url configured, initializing connection..")

	var opt *redis.Options

	if opt, err = redis.ParseURL(url); err != nil {
		return errors.Wrap(err, "parsing redis url")
	}

	c.Redis = redis.NewClient(opt)

	if err = redisotel.InstrumentTracing(c.Redis); err != nil {
		return
	}

	if _, err := c.Redis.Ping(ctx).Result(); err != nil {
		return errors.Wrap(err, "connecting to redis")
	}

	log.Info("connected to redis")

	return
}

// configureRunner selects the deploy runner, unless one was provided.
func (c *Controller) configureRunner(cfg config.Deploy) {
	if c.Runner != nil {
		return
	}

	if cfg.DryRun {
		log.Warn("dry run enabled, deploy scripts will not be executed")
		c.Runner = deployer.NewFakeRunner()

		return
	}

	c.Runner = deployer.NewScriptRunner(cfg.Timeout)
}

// configureLimiter throttles deploy starts, across all the instances sharing Redis when it is configured.
func (c *Controller) configureLimiter(cfg config.Deploy) {
	if c.Redis != nil {
		c.Limiter = ratelimit.NewRedisLimiter(c.Redis, cfg.MaximumStartsPerSecond, cfg.BurstableStartsPerSecond)
	} else {
		c.Limiter = ratelimit.NewLocalLimiter(cfg.MaximumStartsPerSecond, cfg.BurstableStartsPerSecond)
	}
}

// configureNotifier builds the SMTP mailer, unless one was provided, and installs it.
func (c *Controller) configureNotifier(cfg config.Mail) error {
	if c.mailer == nil {
		m, err := mail.NewSMTP(cfg)
		if err != nil {
			return errors.Wrap(err, "configuring mail notifications")
		}

		c.mailer = m
	}

	c.Notifier.SetMailer(c.mailer)

	return nil
}
