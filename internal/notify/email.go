package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/vzahanych/barnwatch/internal/config"
	"github.com/vzahanych/barnwatch/internal/logger"
)

// EmailChannel sends a plain-text mail per payload over SMTP
type EmailChannel struct {
	name   string
	cfg    config.EmailConfig
	client *mail.Client
	logger *logger.Logger
}

// NewEmailChannel creates an SMTP channel. The server is contacted on
// each send.
func NewEmailChannel(name string, cfg config.EmailConfig, log *logger.Logger) (*EmailChannel, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(tlsPolicy(cfg.TLS)),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}

	return &EmailChannel{name: name, cfg: cfg, client: client, logger: log}, nil
}

func tlsPolicy(s string) mail.TLSPolicy {
	switch strings.ToLower(s) {
	case "none":
		return mail.NoTLS
	case "opportunistic":
		return mail.TLSOpportunistic
	default:
		return mail.TLSMandatory
	}
}

func (c *EmailChannel) Name() string { return c.name }

func (c *EmailChannel) Send(ctx context.Context, p Payload) error {
	msg, err := buildMessage(c.cfg.From, c.cfg.To, p)
	if err != nil {
		return err
	}
	if err := c.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	c.logger.Debug("Email sent", "to", c.cfg.To, "subject", p.Subject())
	return nil
}

func (c *EmailChannel) Close() error { return nil }

func buildMessage(from string, to []string, p Payload) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	if err := m.To(to...); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	m.Subject(p.Subject())
	m.SetBodyString(mail.TypeTextPlain, emailBody(p))
	return m, nil
}

func emailBody(p Payload) string {
	rule := strings.Repeat("=", 40)
	return strings.Join([]string{
		"barnwatch - " + strings.TrimPrefix(p.Subject(), subjectPrefix+" "),
		rule,
		"",
		"Report Generated: " + p.GeneratedAt.Format(timeLayout),
		"",
		p.Text(),
		"",
		rule,
		"This is an automated message from barnwatch.",
	}, "\n")
}
