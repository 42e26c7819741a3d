package email

import (
	"context"
	"fmt"

	"github.com/tasktrack/tasktrack/internal/config"
	"github.com/tasktrack/tasktrack/internal/logger"
)

// Sender is the interface that all email providers must implement.
type Sender interface {
	// Send sends an email to the specified recipient.
	Send(ctx context.Context, msg Message) error
}

// Message represents an email message to be sent.
type Message struct {
	To       string // recipient email address
	Subject  string // email subject
	HTMLBody string // HTML email body
	TextBody string // plain-text fallback body
}

// LogSender writes messages to the application log instead of delivering
// them. Bodies contain one-time codes, so it is for development only.
type LogSender struct {
	log *logger.Logger
}

// NewLogSender creates a LogSender
func NewLogSender(log *logger.Logger) *LogSender {
	return &LogSender{log: log.WithComponent("email")}
}

// Send logs the message
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.log.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("body", msg.TextBody).
		Msg("email not delivered (log provider)")
	return nil
}

// New builds the sender selected by cfg.Provider
func New(ctx context.Context, cfg config.EmailConfig, log *logger.Logger) (Sender, error) {
	switch cfg.Provider {
	case "", "log":
		log.Warn().Msg("email provider is 'log'; messages will not be delivered")
		return NewLogSender(log), nil
	case "smtp":
		return NewSMTPSender(cfg.SMTP)
	case "gmail":
		g := cfg.Gmail
		if g.CredentialsJSON != "" {
			return NewGmailSender(ctx, g)
		}
		return NewGmailSenderWithToken(ctx, g)
	default:
		return nil, fmt.Errorf("unknown email provider: %s", cfg.Provider)
	}
}
