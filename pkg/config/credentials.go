package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Names of the credential files expected in the credentials directory.
const (
	CredentialMailSMTPUser        string = "mail_smtp_user"
	CredentialMailSMTPPassword    string = "mail_smtp_password"
	CredentialGithubWebhookSecret string = "github_webhook_secret"
)

// ReadCredential reads the secret called name from the credentials directory.
// Trailing whitespace, usually a newline left by editors, is removed.
func ReadCredential(dir, name string) (string, error) {
	if dir == "" {
		return "", errors.Errorf("credentials directory is not set, unable to read '%s'", name)
	}

	b, err := os.ReadFile(filepath.Join(filepath.Clean(dir), name))
	if err != nil {
		return "", errors.Wrapf(err, "reading credential '%s'", name)
	}

	return strings.TrimRight(string(b), " \t\r\n"), nil
}

// LoadCredentials populates the sensitive fields of the config from the credentials directory,
// which is mandatory.
func (c *Config) LoadCredentials() (err error) {
	dir := c.Global.CredentialsDirectory
	if dir == "" {
		return errors.New("credentials directory is not set, use --credentials-directory or $CREDENTIALS_DIRECTORY")
	}

	for name, target := range map[string]*string{
		CredentialMailSMTPUser:        &c.Mail.SMTPUser,
		CredentialMailSMTPPassword:    &c.Mail.SMTPPassword,
		CredentialGithubWebhookSecret: &c.Github.WebhookSecret,
	} {
		if *target, err = ReadCredential(dir, name); err != nil {
			return
		}
	}

	return nil
}
