package transport

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub/v2"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// PubSubSubscriber pulls trigger messages from a Google Cloud Pub/Sub
// subscription. Messages that should be tried again are nacked; the
// subscription's retry policy provides the delay.
type PubSubSubscriber struct {
	client       *pubsub.Client
	subscriber   *pubsub.Subscriber
	dispatcher   *Dispatcher
	subscription string
}

// ParseSubscriptionPath parses projects/<project>/subscriptions/<subscription>.
func ParseSubscriptionPath(path string) (projectID, subscriptionID string, err error) {
	parts := strings.Split(path, "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "subscriptions" {
		return "", "", fmt.Errorf("invalid subscription path %q: expected format projects/<project>/subscriptions/<subscription>", path)
	}
	return parts[1], parts[3], nil
}

// NewPubSubSubscriber connects to the subscription using Application Default
// Credentials.
func NewPubSubSubscriber(ctx context.Context, subscriptionPath string, maxOutstanding int, dispatcher *Dispatcher) (*PubSubSubscriber, error) {
	projectID, subscriptionID, err := ParseSubscriptionPath(subscriptionPath)
	if err != nil {
		return nil, err
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	subscriber := client.Subscriber(subscriptionID)
	if maxOutstanding > 0 {
		subscriber.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	}

	return &PubSubSubscriber{
		client:       client,
		subscriber:   subscriber,
		dispatcher:   dispatcher,
		subscription: subscriptionPath,
	}, nil
}

// Start blocks receiving messages until ctx is cancelled.
func (s *PubSubSubscriber) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("pubsub-subscriber")
	logger.Info("Receiving trigger messages", "subscription", s.subscription)

	err := s.subscriber.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		ctx = log.IntoContext(ctx, logger.WithValues("messageId", m.ID, "deliveryAttempt", deliveryAttempt(m)))
		res := s.dispatcher.Dispatch(ctx, m.Data)
		settle(m, res)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("pubsub receive on %s: %w", s.subscription, err)
	}
	return nil
}

// Stop closes the client.
func (s *PubSubSubscriber) Stop() error {
	return s.client.Close()
}

type acker interface {
	Ack()
	Nack()
}

func settle(m acker, res Result) {
	if res.Class.Redeliver() {
		m.Nack()
		return
	}
	m.Ack()
}

func deliveryAttempt(m *pubsub.Message) int {
	if m.DeliveryAttempt == nil {
		return 0
	}
	return *m.DeliveryAttempt
}
