package notify

import (
	"context"
	"errors"
	"log/slog"
)

// ErrNotificationFailed wraps every delivery failure.
var ErrNotificationFailed = errors.New("notification failed")

// Notifier delivers a text message to a chat channel.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// Multi delivers to every notifier in order and joins their errors.
type Multi []Notifier

// Notify sends message through each notifier, continuing past failures.
func (m Multi) Notify(ctx context.Context, message string) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deliver sends message best-effort: failures are logged and never returned.
// It reports whether delivery succeeded. A nil notifier delivers nothing.
func Deliver(ctx context.Context, n Notifier, message string) bool {
	if n == nil {
		slog.Warn("No notifier configured, report not sent")
		return false
	}
	if err := n.Notify(ctx, message); err != nil {
		slog.Error("Failed to send notification", "error", err)
		return false
	}
	slog.Info("Notification sent")
	return true
}
