package webhook

import (
	"context"
	"fmt"
	"time"

	"resty.dev/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

// HTTPPublisher posts notifications as JSON to a webhook endpoint
type HTTPPublisher struct {
	client   *resty.Client
	endpoint string
	headers  map[string]string
}

// NewHTTPPublisher creates a new webhook publisher. headers are sent with
// every request, e.g. an authorization token.
func NewHTTPPublisher(endpoint, userAgent string, headers map[string]string) *HTTPPublisher {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("User-Agent", userAgent)

	return &HTTPPublisher{
		client:   client,
		endpoint: endpoint,
		headers:  headers,
	}
}

// PublishNotification sends a notification to the webhook
func (p *HTTPPublisher) PublishNotification(ctx context.Context, n model.Notification) error {
	logger := log.FromContext(ctx)

	logger.Info("Publishing notification to webhook",
		"endpoint", p.endpoint,
		"eventID", n.EventID,
		"app", n.App,
		"status", n.Status,
	)

	var errorResponse map[string]any
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeaders(p.headers).
		SetBody(n).
		SetError(&errorResponse).
		Post(p.endpoint)

	if err != nil {
		logger.Error(err, "Failed to send notification to webhook",
			"endpoint", p.endpoint,
			"eventID", n.EventID,
		)
		return fmt.Errorf("failed to send notification to webhook: %w", err)
	}

	if !resp.IsSuccess() {
		logger.Error(nil, "Webhook returned error",
			"statusCode", resp.StatusCode(),
			"status", resp.Status(),
			"error", errorResponse,
			"endpoint", p.endpoint,
			"eventID", n.EventID,
		)
		return fmt.Errorf("webhook returned error status %d: %s", resp.StatusCode(), resp.String())
	}

	logger.Info("Notification delivered to webhook",
		"endpoint", p.endpoint,
		"eventID", n.EventID,
		"statusCode", resp.StatusCode(),
	)
	return nil
}

// Close releases idle connections
func (p *HTTPPublisher) Close() error {
	return p.client.Close()
}
