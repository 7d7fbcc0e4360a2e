// Package notification implements the notification dispatcher used to
// alert operators when a promotion tick fails outright (spec §4.9).
// Every channel-specific sender the teacher originally wired for
// multi-tenant chat gateways is kept and adapted to a single-operator
// config-driven destination per channel type, since kaitd has one
// promotion loop per process rather than per-organization channels.
package notification

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Sender is the interface for a single notification channel backend.
type Sender interface {
	// Type returns the channel type identifier ("telegram", "slack", "email", "webhook", "whatsapp", "signal").
	Type() string
	// Send delivers a message to this sender's configured destination.
	Send(ctx context.Context, msg *Message) error
}

// Message is the payload to be sent through a notification channel.
type Message struct {
	Subject  string
	Body     string
	Metadata map[string]string
}

// Dispatcher routes notifications to registered Senders by channel type name.
// Thread-safe.
type Dispatcher struct {
	mu      sync.RWMutex
	senders map[string]Sender
	logger  *slog.Logger
}

// NewDispatcher creates an empty notification dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{senders: make(map[string]Sender), logger: logger}
}

// RegisterSender adds a channel backend, replacing any sender of the same
// type. It takes the dispatcher's write lock.
func (d *Dispatcher) RegisterSender(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[s.Type()] = s
}

// Notify sends msg through every named channel type, continuing past
// individual failures. Returns a combined error if every channel failed,
// nil if at least one succeeded (or channels is empty).
func (d *Dispatcher) Notify(ctx context.Context, channels []string, msg *Message) error {
	if len(channels) == 0 {
		return nil
	}

	var errs []string
	succeeded := 0

	for _, name := range channels {
		d.mu.RLock()
		sender, ok := d.senders[name]
		d.mu.RUnlock()
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: no sender registered", name))
			continue
		}

		if err := sender.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			d.logger.WarnContext(ctx, "notification send failed",
				slog.String("channel", name), slog.String("error", err.Error()))
			continue
		}
		succeeded++
		d.logger.InfoContext(ctx, "notification sent", slog.String("channel", name))
	}

	if succeeded == 0 && len(errs) > 0 {
		return fmt.Errorf("all notification channels failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
