package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/helvethink/tag-deployer/internal/cmd"
)

// Run handles the instantiation of the CLI application.
func Run(version string, args []string) {
	if err := NewApp(version, time.Now()).Run(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
}

// NewApp configures the CLI application.
func NewApp(version string, start time.Time) (app *cli.App) {
	app = cli.NewApp()
	app.Name = "tag-deployer"
	app.Version = version
	app.Usage = "Run deploy scripts when tags are pushed to GitHub repositories"
	app.EnableBashCompletion = true

	app.Flags = cli.FlagsByName{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			EnvVars: []string{"TAG_DEPLOYER_CONFIG"},
			Usage:   "config `file`",
		},
		&cli.StringFlag{
			Name:    "credentials-directory",
			EnvVars: []string{"CREDENTIALS_DIRECTORY"},
			Usage:   "`directory` holding the mail_smtp_user, mail_smtp_password and github_webhook_secret files",
		},
		&cli.StringFlag{
			Name:    "webhook-secret",
			EnvVars: []string{"TAG_DEPLOYER_WEBHOOK_SECRET"},
			Usage:   "GitHub webhook `secret` (overrides config and credentials)",
		},
		&cli.StringFlag{
			Name:    "redis-url",
			EnvVars: []string{"TAG_DEPLOYER_REDIS_URL"},
			Usage:   "redis `url` for sharing deploy leases and queue between instances (overrides config)",
		},
	}

	app.Action = cmd.ExecWrapper(cmd.Run)

	app.Commands = cli.CommandsByName{
		{
			Name:   "run",
			Usage:  "start the webhook server",
			Action: cmd.ExecWrapper(cmd.Run),
		},
		{
			Name:   "validate",
			Usage:  "validate the configuration and the credentials",
			Action: cmd.ExecWrapper(cmd.Validate),
		},
	}

	app.Metadata = map[string]interface{}{
		"startTime": start,
	}

	return
}
