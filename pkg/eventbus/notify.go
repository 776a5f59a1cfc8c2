package eventbus

import (
	"context"
	"log/slog"
)

// Notify publishes event and logs any failure. Notifications are best effort: a nil publisher or a
// failed publish never reaches the caller.
func Notify(ctx context.Context, logger *slog.Logger, publisher EventPublisher, key string, event Event) {
	if publisher == nil {
		return
	}

	err := publisher.Publish(ctx, key, event)
	if err != nil {
		logger.WarnContext(ctx, "Failed to publish event",
			"event_type", event.GetType(),
			"key", key,
			"error", err,
		)
	}
}
