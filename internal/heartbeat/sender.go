package heartbeat

import (
	"context"
	"slices"
	"time"

	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/bluegreen/internal/hooks"
	"github.com/apptrail-sh/bluegreen/internal/model"
)

// Config holds configuration for the heartbeat sender
type Config struct {
	Interval time.Duration
	// Apps limits the heartbeat to these applications. Empty means every
	// application with a record.
	Apps []string
}

// DefaultConfig returns the default heartbeat configuration
func DefaultConfig() Config {
	return Config{
		Interval: time.Minute,
	}
}

// RecordLister lists every deployment record.
type RecordLister interface {
	List(ctx context.Context) ([]model.DeploymentRecord, error)
}

// Sender periodically publishes a monitor trigger for every running
// pipeline, so in-flight stages keep being polled after a monitor message
// was acknowledged without polling.
type Sender struct {
	config    Config
	records   RecordLister
	publisher hooks.TriggerPublisher
	clock     clock.WithTicker
	stopCh    chan struct{}
}

// NewSender creates a new heartbeat sender
func NewSender(
	config Config,
	records RecordLister,
	publisher hooks.TriggerPublisher,
	clk clock.WithTicker,
) *Sender {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Sender{
		config:    config,
		records:   records,
		publisher: publisher,
		clock:     clk,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the heartbeat sender loop
func (s *Sender) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("heartbeat-sender")

	logger.Info("Starting heartbeat sender",
		"interval", s.config.Interval,
		"apps", s.config.Apps,
	)

	s.sendHeartbeat(ctx)

	ticker := s.clock.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			s.sendHeartbeat(ctx)
		case <-s.stopCh:
			logger.Info("Heartbeat sender stopped")
			return nil
		case <-ctx.Done():
			logger.Info("Heartbeat sender context cancelled")
			return nil
		}
	}
}

// Stop stops the heartbeat sender
func (s *Sender) Stop() {
	close(s.stopCh)
}

func (s *Sender) sendHeartbeat(ctx context.Context) {
	logger := log.FromContext(ctx).WithName("heartbeat-sender")

	records, err := s.records.List(ctx)
	if err != nil {
		logger.Error(err, "Failed to list deployment records")
		return
	}

	sent := 0
	for _, rec := range records {
		if rec.PipelineStatus != model.PipelineRunning {
			continue
		}
		if len(s.config.Apps) > 0 && !slices.Contains(s.config.Apps, rec.AppName) {
			continue
		}
		msg := model.NewTriggerMessage(model.ActionMonitorDeployment, rec.AppName, rec.LastCommand, rec.LastDeploymentID, s.clock.Now())
		msg.Source = "heartbeat"
		if err := s.publisher.PublishTrigger(ctx, msg); err != nil {
			logger.Error(err, "Failed to publish monitor trigger", "app", rec.AppName)
			continue
		}
		sent++
	}

	logger.V(1).Info("Sent heartbeat", "records", len(records), "triggers", sent)
}
