package transport

import (
	"context"
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

// LocalBusConfig configures the in-process message bus.
type LocalBusConfig struct {
	Workers int
	// BaseDelay and MaxDelay bound the per-message redelivery backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultLocalBusConfig() LocalBusConfig {
	return LocalBusConfig{
		Workers:   2,
		BaseDelay: 5 * time.Second,
		MaxDelay:  time.Minute,
	}
}

// LocalBus is an in-process stand-in for the message bus. Published triggers
// are queued and delivered to the dispatcher by a pool of workers; messages
// that ask for redelivery are re-added with exponential backoff.
type LocalBus struct {
	queue      workqueue.TypedRateLimitingInterface[model.TriggerMessage]
	dispatcher *Dispatcher
	config     LocalBusConfig
}

func NewLocalBus(cfg LocalBusConfig) *LocalBus {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &LocalBus{
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			workqueue.NewTypedItemExponentialFailureRateLimiter[model.TriggerMessage](cfg.BaseDelay, cfg.MaxDelay),
			workqueue.TypedRateLimitingQueueConfig[model.TriggerMessage]{Name: "bluegreen-triggers"},
		),
		config: cfg,
	}
}

// SetDispatcher binds the consumer. The bus is created before the engine it
// feeds, so the dispatcher is attached afterwards.
func (b *LocalBus) SetDispatcher(d *Dispatcher) {
	b.dispatcher = d
}

// PublishTrigger enqueues msg.
func (b *LocalBus) PublishTrigger(_ context.Context, msg model.TriggerMessage) error {
	b.queue.Add(msg)
	return nil
}

// Len returns the number of queued messages.
func (b *LocalBus) Len() int {
	return b.queue.Len()
}

// Start runs the workers until ctx is cancelled.
func (b *LocalBus) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("local-bus")
	logger.Info("Starting local message bus", "workers", b.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < b.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b.processNext(ctx) {
			}
		}()
	}

	<-ctx.Done()
	b.queue.ShutDown()
	wg.Wait()
	logger.Info("Local message bus stopped")
	return nil
}

func (b *LocalBus) processNext(ctx context.Context) bool {
	msg, shutdown := b.queue.Get()
	if shutdown {
		return false
	}
	defer b.queue.Done(msg)

	res := b.dispatcher.Deliver(ctx, msg)
	if res.Class.Redeliver() {
		b.queue.AddRateLimited(msg)
		return true
	}
	b.queue.Forget(msg)
	return true
}
