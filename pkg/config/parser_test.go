package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTypeFromFileExtension(t *testing.T) {
	f, err := GetTypeFromFileExtension("/etc/tag-deployer/config.yml")
	assert.NoError(t, err)
	assert.Equal(t, FormatYAML, f)

	f, err = GetTypeFromFileExtension("config.yaml")
	assert.NoError(t, err)
	assert.Equal(t, FormatYAML, f)

	_, err = GetTypeFromFileExtension("config.toml")
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	cfg, err := Parse(FormatYAML, []byte(`
log:
  level: debug
server:
  listen_address: 127.0.0.1:9000
mail:
  smtp_endpoint: smtp.example.com:465
  from: deployer@example.com
  to: ops@example.com
github:
  repositories:
    - full_name: org/app
    - full_name: org/special
      deploy:
        script_path: /opt/deploy/special.sh
deploy:
  script_path: /opt/deploy/deploy.sh
  dev_dir: /srv/dev
  timeout: 10m
  single_flight: true
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.ListenAddress)
	assert.True(t, cfg.Server.Metrics.Enabled)
	assert.Equal(t, "smtp.example.com:465", cfg.Mail.SMTPEndpoint)
	assert.Equal(t, []string{"org/app", "org/special"}, cfg.RepositoryNames())
	assert.Equal(t, "/opt/deploy/special.sh", cfg.Github.Repositories[1].Deploy.ScriptPath)
	assert.Equal(t, "/opt/deploy/deploy.sh", cfg.Deploy.ScriptPath)
	assert.Equal(t, "/srv/dev", cfg.Deploy.DevDir)
	assert.Equal(t, 10*time.Minute, cfg.Deploy.Timeout)
	assert.True(t, cfg.Deploy.SingleFlight)
	assert.Equal(t, 1, cfg.Deploy.MaximumStartsPerSecond)
}

func TestParseRejectsSecrets(t *testing.T) {
	for name, doc := range map[string]string{
		"webhook secret": "github:\n  webhook_secret: from-the-file\n",
		"smtp user":      "mail:\n  smtp_user: deployer\n",
		"smtp password":  "mail:\n  smtp_endpoint: smtp.example.com:587\n  smtp_password: filepass\n",
	} {
		_, err := Parse(FormatYAML, []byte(doc))
		if assert.Error(t, err, name) {
			assert.Contains(t, err.Error(), "credentials directory", name)
		}
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(FormatYAML, []byte(""))
	require.NoError(t, err)
	assert.Equal(t, New(), cfg)
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse(FormatYAML, []byte("log: [unclosed"))
	assert.Error(t, err)
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: json\n"), 0o600))

	cfg, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "info", cfg.Log.Level)

	_, err = ParseFile(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}
