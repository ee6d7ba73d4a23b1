package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// Validate checks whether the application configuration is valid, credentials included.
func Validate(cliCtx *cli.Context) (int, error) {
	log.Debug("Validating configuration..")

	cfg, err := configure(cliCtx)
	if err != nil {
		log.WithError(err).Error("Failed to configure")
		return 1, err
	}

	log.Debugf("Configuration is valid:\n%s", cfg.ToYAML())

	return 0, nil
}
