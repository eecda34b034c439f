package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub/v2"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

// PubSubPublisher sends triggers and notifications to a Google Cloud Pub/Sub topic
type PubSubPublisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	topicPath string
	component string
}

// ParseTopicPath parses a full Pub/Sub topic path and returns projectID and topicID.
// Expected format: projects/<project>/topics/<topic>
func ParseTopicPath(topicPath string) (projectID, topicID string, err error) {
	parts := strings.Split(topicPath, "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "topics" {
		return "", "", fmt.Errorf("invalid topic path %q: expected format projects/<project>/topics/<topic>", topicPath)
	}
	return parts[1], parts[3], nil
}

// NewPubSubPublisher creates a new Google Cloud Pub/Sub publisher
//
// Authentication is handled via Application Default Credentials (ADC):
//   - Workload Identity (GKE): Auto-detected from metadata server (recommended)
//   - Service Account JSON key: Set GOOGLE_APPLICATION_CREDENTIALS env var
//   - Default credentials: gcloud auth application-default login
//
// Parameters:
//   - topicPath: Full Pub/Sub topic path (projects/<project>/topics/<topic>)
//   - component: Name written to the "source" attribute
func NewPubSubPublisher(ctx context.Context, topicPath, component string) (*PubSubPublisher, error) {
	projectID, topicID, err := ParseTopicPath(topicPath)
	if err != nil {
		return nil, err
	}

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	// Messages for one application share an ordering key so a monitor tick is
	// never delivered ahead of the trigger that caused it.
	// The subscription must also have message ordering enabled.
	publisher := client.Publisher(topicID)
	publisher.EnableMessageOrdering = true

	return &PubSubPublisher{
		client:    client,
		publisher: publisher,
		topicPath: topicPath,
		component: component,
	}, nil
}

// PublishTrigger sends a handle or monitor trigger
func (p *PubSubPublisher) PublishTrigger(ctx context.Context, msg model.TriggerMessage) error {
	attributes := map[string]string{
		"action": string(msg.Action),
		"app":    msg.App,
		"source": p.component,
	}
	if msg.Command != "" {
		attributes["command"] = msg.Command
	}
	return p.publish(ctx, msg, msg.App, attributes)
}

// PublishNotification sends an operator notification
func (p *PubSubPublisher) PublishNotification(ctx context.Context, n model.Notification) error {
	attributes := map[string]string{
		"event_type":      "pipeline_notification",
		"app":             n.App,
		"status":          n.Status,
		"pipeline_status": string(n.PipelineStatus),
		"source":          p.component,
	}
	return p.publish(ctx, n, n.App, attributes)
}

func (p *PubSubPublisher) publish(ctx context.Context, payload any, orderingKey string, attributes map[string]string) error {
	logger := log.FromContext(ctx)

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attributes,
		OrderingKey: orderingKey,
	})

	msgID, err := result.Get(ctx)
	if err != nil {
		// A failed publish pauses the ordering key until resumed.
		p.publisher.ResumePublish(orderingKey)
		logger.Error(err, "Failed to publish message to Pub/Sub",
			"topic", p.topicPath,
			"orderingKey", orderingKey,
		)
		return fmt.Errorf("failed to publish message to pubsub: %w", err)
	}

	logger.V(1).Info("Message published to Google Pub/Sub",
		"topic", p.topicPath,
		"messageID", msgID,
		"orderingKey", orderingKey,
		"attributes", attributes,
	)
	return nil
}

// Stop stops the publisher and closes the client
func (p *PubSubPublisher) Stop() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		_ = p.client.Close()
	}
}
