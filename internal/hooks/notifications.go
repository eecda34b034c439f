package hooks

import (
	"context"
	"errors"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

// Fanout publishes a notification to every registered publisher. A failing
// publisher does not stop the others.
type Fanout struct {
	publishers []NotificationPublisher
}

func NewFanout(publishers ...NotificationPublisher) *Fanout {
	return &Fanout{publishers: publishers}
}

func (f *Fanout) PublishNotification(ctx context.Context, n model.Notification) error {
	logger := log.FromContext(ctx)

	var errs []error
	for _, publisher := range f.publishers {
		if err := publisher.PublishNotification(ctx, n); err != nil {
			logger.Error(err, "failed to publish notification",
				"app", n.App,
				"status", n.Status,
				"eventID", n.EventID,
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotificationQueue decouples notification delivery from the pipeline
// handlers. Enqueueing never blocks; when the buffer is full the
// notification is dropped and logged.
type NotificationQueue struct {
	updates chan model.Notification
	target  NotificationPublisher
}

func NewNotificationQueue(size int, target NotificationPublisher) *NotificationQueue {
	return &NotificationQueue{
		updates: make(chan model.Notification, size),
		target:  target,
	}
}

func (q *NotificationQueue) PublishNotification(ctx context.Context, n model.Notification) error {
	select {
	case q.updates <- n:
	default:
		log.FromContext(ctx).Error(nil, "Notification queue full, dropping notification",
			"app", n.App,
			"status", n.Status,
			"eventID", n.EventID,
		)
	}
	return nil
}

// Loop delivers queued notifications until ctx is done.
func (q *NotificationQueue) Loop(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("notification-queue")
	logger.Info("Notification queue started")

	for {
		select {
		case n := <-q.updates:
			logger.Info("Delivering notification",
				"app", n.App,
				"command", n.Command,
				"status", n.Status,
				"forced", n.Forced,
			)
			// Errors are logged by the target.
			_ = q.target.PublishNotification(ctx, n)
		case <-ctx.Done():
			logger.Info("Notification queue stopped", "pending", len(q.updates))
			return
		}
	}
}
