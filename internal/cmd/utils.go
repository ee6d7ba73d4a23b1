package cmd

import (
	"io"
	stdlibLog "log"
	"os"
	"time"

	"github.com/go-logr/stdr"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otellogrus"
	"github.com/urfave/cli/v2"
	"github.com/vmihailenco/taskq/v4"

	"github.com/helvethink/tag-deployer/internal/logging"
	"github.com/helvethink/tag-deployer/pkg/config"
)

var (
	start   time.Time
	logFile io.Closer = io.NopCloser(nil)
)

// configure loads the configuration file and the credentials, applies the command
// line overrides, validates the result and sets up logging.
func configure(ctx *cli.Context) (cfg config.Config, err error) {
	start = ctx.App.Metadata["startTime"].(time.Time)

	assertStringVariableDefined(ctx, "config")

	cfg, err = config.ParseFile(ctx.String("config"))
	if err != nil {
		return
	}

	cfg.Global = parseGlobalFlags(ctx)

	if err = cfg.LoadCredentials(); err != nil {
		return
	}

	configCliOverrides(ctx, &cfg)

	if err = cfg.Validate(); err != nil {
		return
	}

	if logFile, err = logger.Configure(logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Path:     cfg.Log.Path,
		ToStdout: cfg.Log.ToStdout,
	}); err != nil {
		return
	}

	// Export the warnings and errors to the current span
	log.AddHook(otellogrus.NewHook(otellogrus.WithLevels(
		log.PanicLevel,
		log.FatalLevel,
		log.ErrorLevel,
		log.WarnLevel,
	)))

	// Redirect task queue logs to the main log system using standard library compatibility
	taskq.SetLogger(stdr.New(stdlibLog.New(log.StandardLogger().WriterLevel(log.WarnLevel), "taskq", 0)))

	log.WithFields(
		log.Fields{
			"repositories":   cfg.RepositoryNames(),
			"redis-enabled":  cfg.Redis.URL != "",
			"smtp-endpoint":  cfg.Mail.SMTPEndpoint,
			"notify-address": cfg.Mail.To,
		},
	).Info("configured")

	log.WithFields(cfg.Deploy.Log()).Info("deploys")

	return
}

// parseGlobalFlags parses global CLI flags into the Global config struct.
func parseGlobalFlags(ctx *cli.Context) (cfg config.Global) {
	cfg.CredentialsDirectory = ctx.String("credentials-directory")
	return
}

// exit logs the execution time and error (if any), then returns a CLI exit code.
func exit(exitCode int, err error) cli.ExitCoder {
	defer log.WithFields(
		log.Fields{
			"execution-time": time.Since(start), // nolint: govet
		},
	).Debug("exited..")

	if err != nil {
		log.WithError(err).Error()
	}

	_ = logFile.Close()

	return cli.Exit("", exitCode)
}

// ExecWrapper gracefully logs and exits our `run` functions.
// It wraps a function returning (int, error) into a `cli.ActionFunc` compatible with urfave/cli.
func ExecWrapper(f func(ctx *cli.Context) (int, error)) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		return exit(f(ctx))
	}
}

// configCliOverrides overrides configuration fields with command-line flags if present.
func configCliOverrides(ctx *cli.Context, cfg *config.Config) {
	if ctx.String("webhook-secret") != "" {
		cfg.Github.WebhookSecret = ctx.String("webhook-secret")
	}

	if ctx.String("redis-url") != "" {
		cfg.Redis.URL = ctx.String("redis-url")
	}
}

// assertStringVariableDefined ensures a required string flag is set.
// If not, it prints help and exits the program.
func assertStringVariableDefined(ctx *cli.Context, k string) {
	if len(ctx.String(k)) == 0 {
		_ = cli.ShowAppHelp(ctx)

		log.Errorf("'--%s' must be set!", k)
		os.Exit(2)
	}
}
