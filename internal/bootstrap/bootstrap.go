// Package bootstrap builds every collaborator from the configuration object.
// Both the worker and the operator CLI go through it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	awsopsworks "github.com/aws/aws-sdk-go/service/opsworks"
	"github.com/aws/aws-sdk-go/service/s3"
	awssns "github.com/aws/aws-sdk-go/service/sns"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/healthz"

	bluegreenv1alpha1 "github.com/apptrail-sh/bluegreen/api/v1alpha1"
	"github.com/apptrail-sh/bluegreen/internal/artifact"
	"github.com/apptrail-sh/bluegreen/internal/buildinfo"
	"github.com/apptrail-sh/bluegreen/internal/config"
	"github.com/apptrail-sh/bluegreen/internal/filter"
	"github.com/apptrail-sh/bluegreen/internal/heartbeat"
	"github.com/apptrail-sh/bluegreen/internal/hooks"
	"github.com/apptrail-sh/bluegreen/internal/hooks/pubsub"
	"github.com/apptrail-sh/bluegreen/internal/hooks/sns"
	"github.com/apptrail-sh/bluegreen/internal/hooks/webhook"
	"github.com/apptrail-sh/bluegreen/internal/lock"
	"github.com/apptrail-sh/bluegreen/internal/opsworks"
	"github.com/apptrail-sh/bluegreen/internal/pipeline"
	"github.com/apptrail-sh/bluegreen/internal/store"
	"github.com/apptrail-sh/bluegreen/internal/store/dynamo"
	"github.com/apptrail-sh/bluegreen/internal/store/kube"
	"github.com/apptrail-sh/bluegreen/internal/store/memory"
	"github.com/apptrail-sh/bluegreen/internal/store/postgres"
	bgredis "github.com/apptrail-sh/bluegreen/internal/store/redis"
	"github.com/apptrail-sh/bluegreen/internal/topology"
	"github.com/apptrail-sh/bluegreen/internal/transport"
)

const component = "bluegreen"

var setupLog = ctrl.Log.WithName("bootstrap")

// Backend is a state store that can also provision and list records.
type Backend interface {
	store.Store
	store.Provisioner
}

// Components is the wired application. Manager runs the PipelineState event
// reconciler and is nil unless store events are enabled.
type Components struct {
	Config        *config.Config
	Store         Backend
	Locks         *lock.Manager
	Engine        *pipeline.Engine
	Dispatcher    *transport.Dispatcher
	Triggers      hooks.TriggerPublisher
	LocalBus      *transport.LocalBus
	Notifications *hooks.NotificationQueue
	Heartbeat     *heartbeat.Sender
	Manager       ctrl.Manager
	ReadyChecks   map[string]healthz.Checker

	closers []func() error
}

// Close releases every client opened by Build, in reverse order.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Components) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Build wires the worker from cfg. cfg must already be validated.
func Build(ctx context.Context, cfg *config.Config) (*Components, error) {
	c := &Components{Config: cfg, ReadyChecks: map[string]healthz.Checker{}}
	if err := c.build(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Components) build(ctx context.Context) error {
	cfg := c.Config
	clk := clock.RealClock{}

	var sess *session.Session
	awsSession := func() (*session.Session, error) {
		if sess != nil {
			return sess, nil
		}
		var err error
		sess, err = NewAWSSession(cfg.AWS)
		return sess, err
	}

	backend, closeStore, err := OpenStore(ctx, cfg, awsSession)
	if err != nil {
		return err
	}
	c.Store = backend
	c.onClose(closeStore)
	c.ReadyChecks["store"] = storeCheck(backend)

	c.Locks = lock.NewManager(backend, lock.Config{
		Expiry:        cfg.Lock.Expiry.Duration,
		RetryInterval: cfg.Lock.RetryInterval.Duration,
		MaxAttempts:   cfg.Lock.MaxAttempts,
	}, clk)

	triggers, closeTriggers, err := OpenTriggerPublisher(ctx, cfg, awsSession)
	if err != nil {
		return err
	}
	c.Triggers = triggers
	c.onClose(closeTriggers)
	if bus, ok := triggers.(*transport.LocalBus); ok {
		c.LocalBus = bus
	}

	notifications, err := c.notifications(ctx, awsSession)
	if err != nil {
		return err
	}

	notifyFilter, err := filter.NewNotificationFilter(filter.NotificationFilterConfig{
		StatusPatterns: cfg.Notifications.StatusPatterns,
		ExcludeApps:    cfg.Notifications.ExcludeApps,
	})
	if err != nil {
		return err
	}

	s, err := awsSession()
	if err != nil {
		return err
	}
	infra := opsworks.New(awsopsworks.New(s))
	upstream := topology.NewUpstreamClient(cfg.Topology.Timeout.Duration)
	c.onClose(upstream.Close)

	resolver := topology.NewResolver(topology.Config{
		Timeout:        cfg.Topology.Timeout.Duration,
		Environment:    cfg.Environment,
		FrontendModule: cfg.Topology.FrontendModule,
	}, infra, upstream)

	c.Engine, err = pipeline.NewEngine(pipeline.Config{
		Pipeline:          cfg.Pipeline,
		Applications:      cfg.Applications,
		MonitorEnabled:    !cfg.Monitor.Disabled,
		MonitorDebounce:   cfg.Monitor.Debounce.Duration,
		DeploymentTimeout: cfg.Monitor.DeploymentTimeout.Duration,
		Version:           buildinfo.Version(),
	}, pipeline.Dependencies{
		Store:         backend,
		Locks:         c.Locks,
		Topology:      resolver,
		Artifacts:     artifact.NewS3Store(s3.New(s)),
		Executor:      infra,
		Triggers:      triggers,
		Notifications: notifications,
		Filter:        notifyFilter,
		Clock:         clk,
	})
	if err != nil {
		return err
	}

	c.Dispatcher = transport.NewDispatcher(c.Engine)
	if c.LocalBus != nil {
		c.LocalBus.SetDispatcher(c.Dispatcher)
	}

	if !cfg.Heartbeat.Disabled {
		var apps []string
		for _, app := range cfg.Applications {
			apps = append(apps, app.Name)
		}
		c.Heartbeat = heartbeat.NewSender(heartbeat.Config{
			Interval: cfg.Heartbeat.Interval.Duration,
			Apps:     apps,
		}, backend, triggers, clk)
	}

	if cfg.Store.Events {
		mgr, err := newEventManager(cfg, clk)
		if err != nil {
			return err
		}
		c.Manager = mgr
	}
	return nil
}

// notifications builds the asynchronous fan-out to every configured sink.
func (c *Components) notifications(ctx context.Context, awsSession func() (*session.Session, error)) (hooks.NotificationPublisher, error) {
	cfg := c.Config.Notifications
	var sinks []hooks.NotificationPublisher

	for _, wh := range cfg.Webhooks {
		publisher := webhook.NewHTTPPublisher(wh.URL, buildinfo.UserAgent(component), wh.Headers)
		c.onClose(publisher.Close)
		sinks = append(sinks, publisher)
		setupLog.Info("Webhook notifications enabled", "endpoint", wh.URL)
	}
	if cfg.PubSubTopic != "" {
		publisher, err := pubsub.NewPubSubPublisher(ctx, cfg.PubSubTopic, component)
		if err != nil {
			return nil, fmt.Errorf("notification topic: %w", err)
		}
		c.onClose(func() error { publisher.Stop(); return nil })
		sinks = append(sinks, publisher)
		setupLog.Info("Pub/Sub notifications enabled", "topic", cfg.PubSubTopic)
	}
	if cfg.SNSTopicArn != "" {
		s, err := awsSession()
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sns.NewPublisher(awssns.New(s), cfg.SNSTopicArn))
		setupLog.Info("SNS notifications enabled", "topicArn", cfg.SNSTopicArn)
	}
	if len(sinks) == 0 {
		setupLog.Info("No notification sinks configured, notifications are only logged")
	}

	c.Notifications = hooks.NewNotificationQueue(cfg.QueueSize, hooks.NewFanout(sinks...))
	return c.Notifications, nil
}

// NewAWSSession creates the session shared by every AWS client.
func NewAWSSession(cfg config.AWSConfig) (*session.Session, error) {
	awsCfg := &aws.Config{}
	if cfg.Region != "" {
		awsCfg.Region = aws.String(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return sess, nil
}

// OpenStore connects the configured state store backend.
func OpenStore(ctx context.Context, cfg *config.Config, awsSession func() (*session.Session, error)) (Backend, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memory.New(), noop, nil

	case config.BackendDynamoDB:
		s, err := awsSession()
		if err != nil {
			return nil, nil, err
		}
		return dynamo.New(dynamodb.New(s), cfg.Store.Table), noop, nil

	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if cfg.Store.Migrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return postgres.New(pool), func() error { pool.Close(); return nil }, nil

	case config.BackendRedis:
		client, err := bgredis.Dial(ctx, cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return bgredis.New(client, cfg.Store.RedisPrefix), client.Close, nil

	case config.BackendKubernetes:
		restConfig, err := ctrl.GetConfig()
		if err != nil {
			return nil, nil, fmt.Errorf("load kubeconfig: %w", err)
		}
		scheme := runtime.NewScheme()
		utilruntime.Must(bluegreenv1alpha1.AddToScheme(scheme))
		k8sClient, err := client.New(restConfig, client.Options{Scheme: scheme})
		if err != nil {
			return nil, nil, fmt.Errorf("create kubernetes client: %w", err)
		}
		return kube.New(k8sClient, cfg.Store.Namespace), noop, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// OpenTriggerPublisher connects the bus stage and monitor triggers are
// published to.
func OpenTriggerPublisher(ctx context.Context, cfg *config.Config, awsSession func() (*session.Session, error)) (hooks.TriggerPublisher, func() error, error) {
	switch cfg.Transport.Publish {
	case config.BusLocal:
		bus := transport.NewLocalBus(transport.LocalBusConfig{
			Workers:   cfg.Transport.LocalWorkers,
			BaseDelay: cfg.Transport.RetryAfter.Duration,
			MaxDelay:  4 * cfg.Transport.RetryAfter.Duration,
		})
		return bus, func() error { return nil }, nil

	case config.BusPubSub:
		publisher, err := pubsub.NewPubSubPublisher(ctx, cfg.Transport.TriggerTopic, component)
		if err != nil {
			return nil, nil, fmt.Errorf("trigger topic: %w", err)
		}
		return publisher, func() error { publisher.Stop(); return nil }, nil

	case config.BusSNS:
		s, err := awsSession()
		if err != nil {
			return nil, nil, err
		}
		return sns.NewPublisher(awssns.New(s), cfg.Transport.TriggerTopic), func() error { return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown trigger bus %q", cfg.Transport.Publish)
}

// storeCheck reports ready once the store answers. A missing record is an
// answer.
func storeCheck(s store.Store) healthz.Checker {
	return func(req *http.Request) error {
		_, err := s.Get(req.Context(), "readiness-probe")
		if err == nil || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
}
