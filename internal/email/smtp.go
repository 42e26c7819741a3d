package email

import (
	"context"
	"fmt"

	"github.com/tasktrack/tasktrack/internal/config"
	"gopkg.in/gomail.v2"
)

type dialSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender delivers mail through an SMTP relay
type SMTPSender struct {
	dialer dialSender
	from   string
}

// NewSMTPSender creates an SMTPSender
func NewSMTPSender(cfg config.SMTPEmailConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.SenderAddress == "" {
		return nil, fmt.Errorf("smtp: host and sender address are required")
	}
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password),
		from:   formatAddress(cfg.SenderName, cfg.SenderAddress),
	}, nil
}

// Send builds a gomail message and hands it to the relay. gomail has no
// context support, so ctx is only checked before dialing.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)

	switch {
	case msg.TextBody != "" && msg.HTMLBody != "":
		m.SetBody("text/plain", msg.TextBody)
		m.AddAlternative("text/html", msg.HTMLBody)
	case msg.HTMLBody != "":
		m.SetBody("text/html", msg.HTMLBody)
	default:
		m.SetBody("text/plain", msg.TextBody)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp: failed to send email: %w", err)
	}
	return nil
}
