package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/bluegreen/internal/hooks"
	"github.com/apptrail-sh/bluegreen/internal/lock"
	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/store"
)

const (
	handleLockName  = string(model.ActionHandleDeployment)
	monitorLockName = string(model.ActionMonitorDeployment)
)

// Executor runs and observes stages in the infrastructure-automation service.
type Executor interface {
	TriggerExecution(ctx context.Context, req model.ExecutionRequest) (string, error)
	PollExecutionStatus(ctx context.Context, deploymentID string) (model.ExecutionStatus, error)
}

// TopologyResolver computes the target environment for a stage.
type TopologyResolver interface {
	Resolve(ctx context.Context, app model.Application, spec model.CommandSpec, versions []model.ArtifactVersion) (*model.TargetEnvironmentConfig, error)
}

// ArtifactResolver pins the artifact versions a stage deploys.
type ArtifactResolver interface {
	Versions(ctx context.Context, app model.Application) ([]model.ArtifactVersion, error)
}

// NotificationFilter decides which statuses are worth a notification.
type NotificationFilter interface {
	ShouldNotify(app, status string, forced bool) bool
}

// Config holds the engine settings.
type Config struct {
	Pipeline          model.Pipeline
	Applications      []model.Application
	MonitorEnabled    bool
	MonitorDebounce   time.Duration
	DeploymentTimeout time.Duration
	// Version is stamped on notifications.
	Version string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Pipeline:          model.DefaultPipeline(),
		MonitorEnabled:    true,
		MonitorDebounce:   20 * time.Second,
		DeploymentTimeout: 30 * time.Minute,
	}
}

// Dependencies are the collaborators the engine drives.
type Dependencies struct {
	Store         store.Store
	Locks         *lock.Manager
	Topology      TopologyResolver
	Artifacts     ArtifactResolver
	Executor      Executor
	Triggers      hooks.TriggerPublisher
	Notifications hooks.NotificationPublisher
	Filter        NotificationFilter
	Clock         clock.PassiveClock
}

// Engine implements the Stage Orchestrator and the Monitor Loop.
type Engine struct {
	config Config
	apps   map[string]model.Application
	deps   Dependencies
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg Config, deps Dependencies) (*Engine, error) {
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}
	if deps.Store == nil || deps.Locks == nil || deps.Triggers == nil {
		return nil, errors.New("store, lock manager and trigger publisher are required")
	}
	if deps.Topology == nil || deps.Artifacts == nil || deps.Executor == nil {
		return nil, errors.New("topology, artifact and executor collaborators are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}

	apps := make(map[string]model.Application, len(cfg.Applications))
	for _, app := range cfg.Applications {
		if app.Name == "" {
			return nil, errors.New("application without a name")
		}
		if _, dup := apps[app.Name]; dup {
			return nil, fmt.Errorf("duplicate application %q", app.Name)
		}
		apps[app.Name] = app
	}

	registerMetrics()

	return &Engine{config: cfg, apps: apps, deps: deps}, nil
}

// Pipeline returns the configured command table.
func (e *Engine) Pipeline() model.Pipeline {
	return e.config.Pipeline
}

// Application returns the configured application named name.
func (e *Engine) Application(name string) (model.Application, error) {
	app, ok := e.apps[name]
	if !ok {
		return model.Application{}, fmt.Errorf("%w: %q", ErrUnknownApplication, name)
	}
	return app, nil
}

// ApplicationForBucket returns the application whose artifacts live in bucket.
func (e *Engine) ApplicationForBucket(bucket string) (model.Application, error) {
	for _, app := range e.config.Applications {
		if app.ArtifactBucket == bucket {
			return app, nil
		}
	}
	return model.Application{}, fmt.Errorf("%w: no application owns bucket %q", ErrUnknownApplication, bucket)
}

// Handle dispatches msg to the entry point named by its action.
func (e *Engine) Handle(ctx context.Context, msg model.TriggerMessage) error {
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithValues(
		"app", msg.App, "action", msg.Action, "command", msg.Command))

	switch msg.Action {
	case model.ActionHandleDeployment:
		return e.HandleDeployment(ctx, msg)
	case model.ActionMonitorDeployment:
		return e.MonitorDeployment(ctx, msg)
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedAction, msg.Action)
}

func (e *Engine) now() time.Time {
	return e.deps.Clock.Now().UTC()
}

func (e *Engine) withLock(ctx context.Context, app, lockName string, fn func(ctx context.Context, lease *lock.Lease) error) error {
	err := e.deps.Locks.WithLock(ctx, app, lockName, fn)
	if errors.Is(err, lock.ErrLockBusy) {
		lockAcquireFailures.WithLabelValues(app).Inc()
	}
	return err
}

// write applies upd against the lease's record and keeps the lease current.
func (e *Engine) write(ctx context.Context, lease *lock.Lease, upd store.Update) error {
	upd.ExpectedVersion = lease.Record.ItemVersion
	upd.At = e.now()
	rec, err := e.deps.Store.Update(ctx, lease.App, upd)
	if err != nil {
		return err
	}
	lease.Record = rec
	recordPipelineStatus(rec)
	return nil
}

func (e *Engine) publish(ctx context.Context, action model.Action, app, command, deploymentID string) error {
	msg := model.NewTriggerMessage(action, app, command, deploymentID, e.now())
	if err := e.deps.Triggers.PublishTrigger(ctx, msg); err != nil {
		return external("message-bus", fmt.Errorf("publish %s %q: %w", action, command, err))
	}
	return nil
}

// notify publishes a notification for rec when the filter asks for one.
// Failures are logged only.
func (e *Engine) notify(ctx context.Context, rec *model.DeploymentRecord, command string, forced bool, message string) {
	if e.deps.Notifications == nil {
		return
	}
	if e.deps.Filter != nil && !e.deps.Filter.ShouldNotify(rec.AppName, rec.DeploymentStatus, forced) {
		return
	}
	n := model.NewNotification(*rec, command, forced, e.config.Version, e.now())
	n.Message = message
	if err := e.deps.Notifications.PublishNotification(ctx, n); err != nil {
		log.FromContext(ctx).Error(err, "Failed to publish notification", "status", rec.DeploymentStatus)
	}
}
