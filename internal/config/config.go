// Package config builds the single configuration object the worker and the
// operator CLI run from. Settings come from layered YAML files, a .env file,
// the process environment and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

// Store backends.
const (
	BackendMemory     = "memory"
	BackendDynamoDB   = "dynamodb"
	BackendPostgres   = "postgres"
	BackendRedis      = "redis"
	BackendKubernetes = "kubernetes"
)

// Message bus kinds, used both for consuming and publishing triggers.
const (
	BusLocal  = "local"
	BusPubSub = "pubsub"
	BusSNS    = "sns"
	BusHTTP   = "http"
)

// Config is the whole runtime configuration. Booleans are phrased so that
// their zero value is the default, which lets later layers switch them on.
type Config struct {
	Environment   string              `json:"environment"`
	Pipeline      model.Pipeline      `json:"pipeline"`
	Applications  []model.Application `json:"applications"`
	Store         StoreConfig         `json:"store"`
	Lock          LockConfig          `json:"lock"`
	Monitor       MonitorConfig       `json:"monitor"`
	Topology      TopologyConfig      `json:"topology"`
	Transport     TransportConfig     `json:"transport"`
	Notifications NotificationConfig  `json:"notifications"`
	Heartbeat     HeartbeatConfig     `json:"heartbeat"`
	AWS           AWSConfig           `json:"aws"`
	Platform      PlatformConfig      `json:"platform"`
	Server        ServerConfig        `json:"server"`
}

type StoreConfig struct {
	Backend     string `json:"backend"`
	Table       string `json:"table,omitempty"`
	DatabaseURL string `json:"databaseUrl,omitempty"`
	// Migrate applies the embedded schema migrations on startup.
	Migrate       bool   `json:"migrate,omitempty"`
	RedisAddr     string `json:"redisAddr,omitempty"`
	RedisPassword string `json:"redisPassword,omitempty"`
	RedisDB       int    `json:"redisDb,omitempty"`
	RedisPrefix   string `json:"redisPrefix,omitempty"`
	Namespace     string `json:"namespace,omitempty"`
	// Events records a Kubernetes event for every pipeline transition.
	// Kubernetes backend only.
	Events bool `json:"events,omitempty"`
}

type LockConfig struct {
	Expiry        metav1.Duration `json:"expiry"`
	RetryInterval metav1.Duration `json:"retryInterval"`
	MaxAttempts   int             `json:"maxAttempts"`
}

type MonitorConfig struct {
	Disabled          bool            `json:"disabled,omitempty"`
	Debounce          metav1.Duration `json:"debounce"`
	DeploymentTimeout metav1.Duration `json:"deploymentTimeout"`
}

type TopologyConfig struct {
	Timeout        metav1.Duration `json:"timeout"`
	FrontendModule string          `json:"frontendModule"`
	// UpstreamUser and UpstreamPassword apply to applications whose load
	// balancer has no credentials of its own.
	UpstreamUser     string `json:"upstreamUser,omitempty"`
	UpstreamPassword string `json:"upstreamPassword,omitempty"`
}

type TransportConfig struct {
	// Consume selects where trigger messages are received from.
	Consume string `json:"consume"`
	// Publish selects where trigger messages are sent to.
	Publish        string          `json:"publish"`
	Subscription   string          `json:"subscription,omitempty"`
	MaxOutstanding int             `json:"maxOutstanding,omitempty"`
	TriggerTopic   string          `json:"triggerTopic,omitempty"`
	RetryAfter     metav1.Duration `json:"retryAfter"`
	LocalWorkers   int             `json:"localWorkers,omitempty"`
}

type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type NotificationConfig struct {
	StatusPatterns []string        `json:"statusPatterns"`
	ExcludeApps    []string        `json:"excludeApps,omitempty"`
	PubSubTopic    string          `json:"pubsubTopic,omitempty"`
	SNSTopicArn    string          `json:"snsTopicArn,omitempty"`
	Webhooks       []WebhookConfig `json:"webhooks,omitempty"`
	QueueSize      int             `json:"queueSize"`
}

type HeartbeatConfig struct {
	Disabled bool            `json:"disabled,omitempty"`
	Interval metav1.Duration `json:"interval"`
}

type AWSConfig struct {
	Region string `json:"region,omitempty"`
	// Endpoint overrides the service endpoint, e.g. for a local DynamoDB.
	Endpoint string `json:"endpoint,omitempty"`
}

// PlatformConfig enables probing the cloud metadata servers on startup to
// fill in the AWS region and the Pub/Sub project.
type PlatformConfig struct {
	Detect  bool            `json:"detect,omitempty"`
	Timeout metav1.Duration `json:"timeout"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Environment: "stage",
		Pipeline:    model.DefaultPipeline(),
		Store: StoreConfig{
			Backend:     BackendMemory,
			Table:       "deployments",
			RedisPrefix: "bluegreen:record:",
			Namespace:   "bluegreen-system",
		},
		Lock: LockConfig{
			Expiry:        metav1.Duration{Duration: 15 * time.Second},
			RetryInterval: metav1.Duration{Duration: time.Second},
			MaxAttempts:   5,
		},
		Monitor: MonitorConfig{
			Debounce:          metav1.Duration{Duration: 20 * time.Second},
			DeploymentTimeout: metav1.Duration{Duration: 30 * time.Minute},
		},
		Topology: TopologyConfig{
			Timeout:        metav1.Duration{Duration: 10 * time.Second},
			FrontendModule: "frontend",
		},
		Transport: TransportConfig{
			Consume:      BusLocal,
			Publish:      BusLocal,
			RetryAfter:   metav1.Duration{Duration: 30 * time.Second},
			LocalWorkers: 2,
		},
		Notifications: NotificationConfig{
			StatusPatterns: []string{`.*failed$`, `.*timedout$`},
			QueueSize:      100,
		},
		Heartbeat: HeartbeatConfig{
			Interval: metav1.Duration{Duration: time.Minute},
		},
		Platform: PlatformConfig{
			Timeout: metav1.Duration{Duration: 3 * time.Second},
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// Application returns the configured application named name.
func (c *Config) Application(name string) (model.Application, bool) {
	for _, app := range c.Applications {
		if app.Name == name {
			return app, true
		}
	}
	return model.Application{}, false
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}

	seen := map[string]bool{}
	for i, app := range c.Applications {
		switch {
		case app.Name == "":
			errs = append(errs, fmt.Errorf("applications[%d]: name is required", i))
		case seen[app.Name]:
			errs = append(errs, fmt.Errorf("applications[%d]: duplicate name %q", i, app.Name))
		}
		seen[app.Name] = true
		if app.StackID == "" {
			errs = append(errs, fmt.Errorf("application %q: stackId is required", app.Name))
		}
		if app.LoadBalancer.Host == "" {
			errs = append(errs, fmt.Errorf("application %q: loadBalancer.host is required", app.Name))
		}
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendDynamoDB:
		if c.Store.Table == "" {
			errs = append(errs, errors.New("store: table is required for dynamodb"))
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store: databaseUrl is required for postgres"))
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store: redisAddr is required for redis"))
		}
	case BackendKubernetes:
		if c.Store.Namespace == "" {
			errs = append(errs, errors.New("store: namespace is required for kubernetes"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown backend %q", c.Store.Backend))
	}

	if c.Store.Events && c.Store.Backend != BackendKubernetes {
		errs = append(errs, errors.New("store: events require the kubernetes backend"))
	}

	if c.Lock.Expiry.Duration <= 0 || c.Lock.RetryInterval.Duration <= 0 || c.Lock.MaxAttempts <= 0 {
		errs = append(errs, errors.New("lock: expiry, retryInterval and maxAttempts must be positive"))
	}
	if c.Topology.Timeout.Duration >= c.Lock.Expiry.Duration {
		errs = append(errs, fmt.Errorf("topology: timeout %s must be shorter than the lock expiry %s",
			c.Topology.Timeout.Duration, c.Lock.Expiry.Duration))
	}
	if c.Monitor.DeploymentTimeout.Duration <= 0 {
		errs = append(errs, errors.New("monitor: deploymentTimeout must be positive"))
	}
	if c.Monitor.Debounce.Duration < 0 {
		errs = append(errs, errors.New("monitor: debounce must not be negative"))
	}

	if !slices.Contains([]string{BusLocal, BusPubSub, BusHTTP}, c.Transport.Consume) {
		errs = append(errs, fmt.Errorf("transport: unknown consume mode %q", c.Transport.Consume))
	}
	if c.Transport.Consume == BusLocal && c.Transport.Publish != BusLocal {
		errs = append(errs, errors.New("transport: a local consumer needs the local bus as publisher"))
	}
	if c.Transport.Consume == BusPubSub && c.Transport.Subscription == "" {
		errs = append(errs, errors.New("transport: subscription is required for pubsub"))
	}
	switch c.Transport.Publish {
	case BusLocal:
		if c.Transport.Consume != BusLocal {
			errs = append(errs, errors.New("transport: the local bus can only publish to a local consumer"))
		}
	case BusPubSub, BusSNS:
		if c.Transport.TriggerTopic == "" {
			errs = append(errs, fmt.Errorf("transport: triggerTopic is required to publish to %s", c.Transport.Publish))
		}
	default:
		errs = append(errs, fmt.Errorf("transport: unknown publish mode %q", c.Transport.Publish))
	}

	if !c.Heartbeat.Disabled && c.Heartbeat.Interval.Duration <= 0 {
		errs = append(errs, errors.New("heartbeat: interval must be positive"))
	}
	for i, wh := range c.Notifications.Webhooks {
		if wh.URL == "" {
			errs = append(errs, fmt.Errorf("notifications.webhooks[%d]: url is required", i))
		}
	}

	return errors.Join(errs...)
}
