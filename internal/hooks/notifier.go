package hooks

import (
	"context"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

// TriggerPublisher delivers stage and monitor triggers to the message bus.
type TriggerPublisher interface {
	PublishTrigger(ctx context.Context, msg model.TriggerMessage) error
}

// NotificationPublisher delivers operator notifications.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, n model.Notification) error
}
