package mail

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
	gomail "github.com/wneessen/go-mail"

	"github.com/helvethink/tag-deployer/pkg/config"
)

// implicitTLSPort is the SMTPS port, on which TLS is negotiated before any SMTP command.
const implicitTLSPort = 465

// SMTP sends notifications through an SMTP server.
type SMTP struct {
	from    string
	to      string
	options []gomail.Option
	host    string
}

// NewSMTP validates the mail configuration and returns an SMTP mailer.
// No connection is opened, the server is dialed for every message.
func NewSMTP(cfg config.Mail) (*SMTP, error) {
	host, portString, err := net.SplitHostPort(cfg.SMTPEndpoint)
	if err != nil {
		return nil, errors.Wrap(err, "parsing smtp endpoint")
	}

	port, err := strconv.Atoi(portString)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing smtp port '%s'", portString)
	}

	options := []gomail.Option{gomail.WithPort(port)}
	if port == implicitTLSPort {
		options = append(options, gomail.WithSSL())
	} else {
		options = append(options, gomail.WithTLSPolicy(gomail.TLSMandatory))
	}

	if cfg.SMTPUser != "" {
		options = append(options,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.SMTPUser),
			gomail.WithPassword(cfg.SMTPPassword),
		)
	}

	s := &SMTP{
		from:    cfg.From,
		to:      cfg.To,
		options: options,
		host:    host,
	}

	// Catch invalid options and addresses at startup rather than on the first deploy
	if _, err = gomail.NewClient(s.host, s.options...); err != nil {
		return nil, errors.Wrap(err, "configuring smtp client")
	}

	if _, err = s.message("", ""); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *SMTP) message(subject, body string) (*gomail.Msg, error) {
	m := gomail.NewMsg()
	if err := m.From(s.from); err != nil {
		return nil, errors.Wrapf(err, "invalid from address '%s'", s.from)
	}

	if err := m.To(s.to); err != nil {
		return nil, errors.Wrapf(err, "invalid to address '%s'", s.to)
	}

	m.Subject(subject)
	m.SetBodyString(gomail.TypeTextPlain, body)

	return m, nil
}

// Send delivers a plain text message to the configured recipient.
func (s *SMTP) Send(ctx context.Context, subject, body string) error {
	m, err := s.message(subject, body)
	if err != nil {
		return err
	}

	c, err := gomail.NewClient(s.host, s.options...)
	if err != nil {
		return errors.Wrap(err, "creating smtp client")
	}

	return errors.Wrap(c.DialAndSendWithContext(ctx, m), "sending mail")
}
