package notify

import (
	"context"
	"errors"
	"log/slog"

	"StoryProcessor/internal/ports"
)

// Multi fans a message out to every configured channel.
type Multi struct {
	notifiers []ports.Notifier
	logger    *slog.Logger
}

var _ ports.Notifier = (*Multi)(nil)

// NewMulti skips nil notifiers.
func NewMulti(logger *slog.Logger, notifiers ...ports.Notifier) *Multi {
	m := &Multi{logger: logger}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Len reports how many channels are configured.
func (m *Multi) Len() int {
	return len(m.notifiers)
}

// Notify tries every channel and joins the failures.
func (m *Multi) Notify(ctx context.Context, subject, body string) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, subject, body); err != nil {
			if m.logger != nil {
				m.logger.Warn("notification failed", "subject", subject, "error", err)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
