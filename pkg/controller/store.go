package controller

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/helvethink/tag-deployer/pkg/schemas"
)

// RunningDeploys returns the deploy leases currently held for the allow-listed repositories.
func (c *Controller) RunningDeploys(ctx context.Context) map[string]schemas.Lease {
	leases := make(map[string]schemas.Lease)

	for _, name := range c.Config.RepositoryNames() {
		lease, held, err := c.Store.CurrentLease(ctx, schemas.TaskTypeDeploy, name)
		if err != nil {
			log.WithContext(ctx).
				WithField("repository", name).
				WithError(err).
				Error("reading deploy lease from the store")

			continue
		}

		if held {
			leases[name] = lease
		}
	}

	return leases
}
