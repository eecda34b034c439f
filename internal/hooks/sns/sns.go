// Package sns publishes triggers and notifications to AWS SNS topics.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

// Publisher sends messages to a single topic ARN.
type Publisher struct {
	api      snsiface.SNSAPI
	topicArn string
}

func NewPublisher(api snsiface.SNSAPI, topicArn string) *Publisher {
	return &Publisher{api: api, topicArn: topicArn}
}

func (p *Publisher) PublishTrigger(ctx context.Context, msg model.TriggerMessage) error {
	subject := "Handle deployment " + msg.Command
	if msg.Action == model.ActionMonitorDeployment {
		subject = "Monitor deployment"
	}
	return p.publish(ctx, msg, subject, map[string]string{
		"action": string(msg.Action),
		"app":    msg.App,
	})
}

func (p *Publisher) PublishNotification(ctx context.Context, n model.Notification) error {
	subject := fmt.Sprintf("[%s] %s", n.App, n.Status)
	return p.publish(ctx, n, subject, map[string]string{
		"app":    n.App,
		"status": n.Status,
	})
}

func (p *Publisher) publish(ctx context.Context, payload any, subject string, attributes map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	attrs := make(map[string]*sns.MessageAttributeValue, len(attributes))
	for k, v := range attributes {
		if v == "" {
			continue
		}
		attrs[k] = &sns.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}

	// SNS rejects subjects longer than 100 characters.
	if len(subject) > 100 {
		subject = subject[:100]
	}

	out, err := p.api.PublishWithContext(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicArn),
		Message:           aws.String(string(data)),
		Subject:           aws.String(subject),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to sns topic %s: %w", p.topicArn, err)
	}
	log.FromContext(ctx).V(1).Info("Message published to SNS",
		"topic", p.topicArn,
		"messageID", aws.StringValue(out.MessageId),
	)
	return nil
}
