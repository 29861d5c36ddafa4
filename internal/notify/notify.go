// Package notify carries operator-facing notifications raised while the
// import runs: progress at info level and failures at error level.
package notify

import (
	"context"
	"errors"

	"nald_import/platform/logger"
)

// Notifier is handed explicitly to every component that reports progress or
// failure. There is no package-level notifier.
type Notifier interface {
	Info(ctx context.Context, message string, args ...any)
	Error(ctx context.Context, message string, err error, args ...any)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	log *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Info(ctx context.Context, message string, args ...any) {
	n.log.WithContext(ctx).Info(message, args...)
}

func (n *LogNotifier) Error(ctx context.Context, message string, err error, args ...any) {
	if err != nil {
		args = append(args, "error", err.Error())
	}
	n.log.WithContext(ctx).Error(message, args...)
}

// Fanout delivers every notification to each of its notifiers in turn.
type Fanout []Notifier

func (f Fanout) Info(ctx context.Context, message string, args ...any) {
	for _, n := range f {
		n.Info(ctx, message, args...)
	}
}

func (f Fanout) Error(ctx context.Context, message string, err error, args ...any) {
	for _, n := range f {
		n.Error(ctx, message, err, args...)
	}
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Info(context.Context, string, ...any)         {}
func (Nop) Error(context.Context, string, error, ...any) {}

// ErrNoRecipients is returned when an alert has nowhere to go.
var ErrNoRecipients = errors.New("notify: no alert recipients configured")
