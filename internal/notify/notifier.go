package notify

import (
	"context"
	"log/slog"

	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// Notifier delivers notifications to flow participants. Implementations
// must not block on slow transports; delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n schema.Notification) error
}

// LogNotifier writes notifications to the structured log. It is the default
// sink when no delivery channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier returns a LogNotifier. A nil logger falls back to slog.Default.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, notification schema.Notification) error {
	n.logger.InfoContext(ctx, "notification",
		"kind", string(notification.Kind),
		"flow_id", notification.FlowID,
		"step_id", notification.StepID,
		"contact_id", notification.ContactID,
		"user_id", notification.UserID,
	)
	return nil
}
