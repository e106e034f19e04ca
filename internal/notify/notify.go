// Package notify mails operator notifications: crawler start and stop
// events, upload failures and the weekly log digest.
package notify

import (
	"context"
	"time"

	"github.com/tweetcrawler/tweetcrawler/internal/config"
	"github.com/tweetcrawler/tweetcrawler/internal/logging"
)

// SubjectPrefix starts every notification subject.
const SubjectPrefix = "[TweetCrawler]: "

// Message is one notification.
type Message struct {
	Subject string
	Body    string

	// Attachments are local file paths sent as application/octet-stream parts.
	Attachments []string
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Nop drops every message.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Message) error { return nil }

// New returns an SMTP notifier, or Nop when the email block is incomplete.
func New(cfg config.EmailConfig) Notifier {
	if !cfg.Enabled() {
		return Nop{}
	}
	return NewSMTPNotifier(cfg)
}

// Send delivers msg and logs a failure instead of returning it; a failed
// notification never interrupts the caller.
func Send(ctx context.Context, n Notifier, msg Message) {
	if n == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := n.Notify(ctx, msg); err != nil {
		log := logging.Component("notify")
		log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to send email")
	}
}
