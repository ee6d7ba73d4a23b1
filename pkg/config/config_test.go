package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	c := New()
	c.Mail.SMTPEndpoint = "smtp.example.com:587"
	c.Mail.From = "deployer@example.com"
	c.Mail.To = "ops@example.com"
	c.Github.WebhookSecret = "s3cr3t"
	c.Github.Repositories = []Repository{{FullName: "org/app"}}
	c.Deploy.ScriptPath = "/opt/deploy/deploy.sh"

	return c
}

func TestNew(t *testing.T) {
	c := New()

	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, "text", c.Log.Format)
	assert.True(t, c.Log.ToStdout)
	assert.Equal(t, ":8443", c.Server.ListenAddress)
	assert.Equal(t, int64(26214400), c.Server.MaxBodyBytes)
	assert.True(t, c.Server.Metrics.Enabled)
	assert.Equal(t, time.Duration(0), c.Deploy.Timeout)
	assert.Equal(t, 1, c.Deploy.MaximumStartsPerSecond)
	assert.Equal(t, 5, c.Deploy.BurstableStartsPerSecond)
	assert.False(t, c.Deploy.SingleFlight)
	assert.False(t, c.Deploy.DryRun)
	assert.Equal(t, 1000, c.Deploy.MaximumJobsQueueSize)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	c := validConfig()
	c.Github.WebhookSecret = ""
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Github.Repositories = nil
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Github.Repositories = []Repository{{FullName: "org/app"}, {FullName: "org/app"}}
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Mail.To = "not-an-email"
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Log.Format = "xml"
	assert.Error(t, c.Validate())

	c = validConfig()
	c.Server.TLS.CertFile = "/etc/ssl/chain.pem"
	assert.Error(t, c.Validate())

	c.Server.TLS.KeyFile = "/etc/ssl/key.pem"
	assert.NoError(t, c.Validate())
	assert.True(t, c.Server.TLS.Enabled())
}

func TestValidateDeployScript(t *testing.T) {
	c := validConfig()
	c.Deploy.ScriptPath = ""
	assert.Error(t, c.Validate())

	c.Github.Repositories[0].Deploy.ScriptPath = "/opt/deploy/app.sh"
	assert.NoError(t, c.Validate())
}

func TestToYAMLOmitsSecrets(t *testing.T) {
	c := validConfig()
	c.Mail.SMTPUser = "deployer"
	c.Mail.SMTPPassword = "hunter2"

	out := c.ToYAML()
	assert.NotContains(t, out, "s3cr3t")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "smtp_user")
	assert.Contains(t, out, "smtp.example.com:587")
}

func TestIsRepositoryAllowed(t *testing.T) {
	c := validConfig()
	c.Github.Repositories = append(c.Github.Repositories, Repository{FullName: "org/other"})

	assert.True(t, c.IsRepositoryAllowed("org/app"))
	assert.True(t, c.IsRepositoryAllowed("org/other"))
	assert.False(t, c.IsRepositoryAllowed("org/App"))
	assert.False(t, c.IsRepositoryAllowed("evil/app"))
	assert.False(t, c.IsRepositoryAllowed(""))
}

func TestDeployParametersFor(t *testing.T) {
	c := validConfig()
	c.Deploy.DevDir = "/srv/dev"
	c.Deploy.ScriptsDir = "/var/log/deploy"
	c.Github.Repositories = append(c.Github.Repositories, Repository{
		FullName: "org/special",
		Deploy:   DeployParameters{ScriptPath: "/opt/deploy/special.sh"},
	})

	p, err := c.DeployParametersFor("org/app")
	require.NoError(t, err)
	assert.Equal(t, "/opt/deploy/deploy.sh", p.ScriptPath)
	assert.Equal(t, "/srv/dev", p.DevDir)
	assert.Equal(t, "/var/log/deploy", p.ScriptsDir)

	p, err = c.DeployParametersFor("org/special")
	require.NoError(t, err)
	assert.Equal(t, "/opt/deploy/special.sh", p.ScriptPath)
	assert.Equal(t, "/srv/dev", p.DevDir)

	// Defaults must not be altered by the merge
	assert.Equal(t, "/opt/deploy/deploy.sh", c.Deploy.ScriptPath)
}
