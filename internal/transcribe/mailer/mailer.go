// Package mailer delivers transcripts through an SMTP relay.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

// Message is one outgoing notification.
type Message struct {
	From        string
	To          []string
	Subject     string
	Body        string
	Attachments []string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ErrNoRecipients is returned for a message without recipients.
var ErrNoRecipients = errors.New("message has no recipients")

// SMTPConfig points at the relay. TLS is "opportunistic", "mandatory" or
// "none".
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      string
	Timeout  time.Duration
}

// SMTPSender sends each message over a fresh relay connection.
type SMTPSender struct {
	config SMTPConfig
}

// NewSMTPSender creates a sender for the relay in config.
func NewSMTPSender(config SMTPConfig) *SMTPSender {
	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == 0 {
		config.Port = 25
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &SMTPSender{config: config}
}

// Send builds msg and hands it to the relay.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m, err := buildMsg(msg)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(s.config.Host, s.clientOptions()...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send to %s:%d: %w", s.config.Host, s.config.Port, err)
	}
	return nil
}

func (s *SMTPSender) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(s.config.Port),
		mail.WithTimeout(s.config.Timeout),
	}

	switch s.config.TLS {
	case "mandatory":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	if s.config.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.config.Username),
			mail.WithPassword(s.config.Password),
		)
	}
	return opts
}

func buildMsg(msg Message) (*mail.Msg, error) {
	if len(msg.To) == 0 {
		return nil, ErrNoRecipients
	}

	m := mail.NewMsg()
	if err := m.From(msg.From); err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", msg.From, err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	for _, path := range msg.Attachments {
		m.AttachFile(path)
	}
	return m, nil
}
