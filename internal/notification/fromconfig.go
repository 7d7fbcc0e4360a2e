package notification

import (
	"log/slog"

	"github.com/kaitd/kaitd/internal/config"
)

// NewDispatcherFromConfig builds a Dispatcher with every configured
// channel backend registered. Channels left nil in config are skipped.
func NewDispatcherFromConfig(cfg *config.NotificationConfig, logger *slog.Logger) *Dispatcher {
	d := NewDispatcher(logger)
	if cfg == nil {
		return d
	}
	if t := cfg.Telegram; t != nil && t.BotToken != "" {
		d.RegisterSender(NewTelegramSender(t.BotToken, t.ChatID, logger))
	}
	if s := cfg.Slack; s != nil && s.BotToken != "" {
		d.RegisterSender(NewSlackSender(s.BotToken, s.ChannelID, logger))
	}
	if e := cfg.Email; e != nil && e.SMTPHost != "" {
		d.RegisterSender(NewEmailSender(e.SMTPHost, e.SMTPPort, e.Username, e.Password, e.From, e.To, logger))
	}
	if w := cfg.Webhook; w != nil && w.URL != "" {
		d.RegisterSender(NewWebhookSender(w.URL, logger))
	}
	if w := cfg.WhatsApp; w != nil && w.AccessToken != "" {
		d.RegisterSender(NewWhatsAppSender(w.AccessToken, w.PhoneNumberID, w.Recipient, logger))
	}
	if s := cfg.Signal; s != nil && s.APIURL != "" {
		d.RegisterSender(NewSignalSender(s.APIURL, s.SenderNumber, s.Recipient, logger))
	}
	return d
}
