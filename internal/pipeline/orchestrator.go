package pipeline

import (
	"context"
	"errors"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/bluegreen/internal/lock"
	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/store"
	"github.com/apptrail-sh/bluegreen/internal/topology"
)

// HandleDeployment starts the stage named by msg, or queues a new run when
// the first stage is requested while the pipeline is running.
func (e *Engine) HandleDeployment(ctx context.Context, msg model.TriggerMessage) error {
	logger := log.FromContext(ctx)

	app, err := e.Application(msg.App)
	if err != nil {
		return err
	}
	if msg.Command == "" {
		msg.Command = e.config.Pipeline.First()
	}

	rec, err := e.deps.Store.Get(ctx, app.Name)
	if err != nil {
		return err
	}
	if _, err := EvaluateTransition(e.config.Pipeline, rec, msg); err != nil {
		e.countTransition(app.Name, msg.Command, err)
		return err
	}

	err = e.withLock(ctx, app.Name, handleLockName, func(ctx context.Context, lease *lock.Lease) error {
		// The record may have moved between the first read and the lock.
		decision, err := EvaluateTransition(e.config.Pipeline, lease.Record, msg)
		if err != nil {
			return err
		}
		if decision == Queue {
			return e.queue(ctx, lease)
		}
		return e.startStage(ctx, lease, app, msg)
	})
	if err != nil {
		e.countTransition(app.Name, msg.Command, err)
		if errors.Is(err, ErrInvalidTransition) {
			logger.V(1).Info("Skipping stage trigger", "reason", err.Error())
		}
		return err
	}
	return nil
}

func (e *Engine) queue(ctx context.Context, lease *lock.Lease) error {
	logger := log.FromContext(ctx)
	if lease.Record.DeploymentQueuedFlag {
		logger.Info("Deployment already queued")
		stageTransitions.WithLabelValues(lease.App, e.config.Pipeline.First(), "queued").Inc()
		return nil
	}
	if err := e.write(ctx, lease, store.Update{DeploymentQueued: store.Ptr(true)}); err != nil {
		return err
	}
	logger.Info("Pipeline running, deployment queued", "lastCommand", lease.Record.LastCommand)
	stageTransitions.WithLabelValues(lease.App, e.config.Pipeline.First(), "queued").Inc()
	return nil
}

func (e *Engine) startStage(ctx context.Context, lease *lock.Lease, app model.Application, msg model.TriggerMessage) error {
	logger := log.FromContext(ctx)
	command := msg.Command
	spec, _ := e.config.Pipeline.Spec(command)

	versions, err := e.deps.Artifacts.Versions(ctx, app)
	if err != nil {
		return external("artifact-store", err)
	}

	now := e.now()
	upd := store.Update{
		DeploymentStatus: store.Ptr(model.BuildDeploymentStatus(command, model.OutcomeInProgress)),
		PipelineStatus:   store.Ptr(model.PipelineRunning),
		LastCommand:      store.Ptr(command),
		LastDeploymentID: store.Ptr(""),
		StageStarted:     store.Ptr(now),
	}
	if e.config.Pipeline.IsFirst(command) {
		// A fresh run also serves a request queued behind a failed one.
		upd.IncrementTotal = 1
		upd.DeploymentBegin = store.Ptr(now)
		upd.DeploymentQueued = store.Ptr(false)
	}
	if err := e.write(ctx, lease, upd); err != nil {
		return err
	}
	logger.Info("Stage started", "stage", command, "version", lease.Record.ItemVersion)

	deploymentID, err := e.execute(ctx, lease, app, spec, versions)
	if err != nil {
		e.failStage(ctx, lease, command, err)
		return err
	}

	if err := e.write(ctx, lease, store.Update{LastDeploymentID: store.Ptr(deploymentID)}); err != nil {
		// The execution is running but we cannot record it; mark the stage
		// failed so the pipeline does not wait on an unknown deployment.
		e.failStage(ctx, lease, command, err)
		return err
	}
	stageTransitions.WithLabelValues(app.Name, command, "started").Inc()
	logger.Info("Stage execution triggered", "stage", command, "deploymentId", deploymentID)

	if err := e.publish(ctx, model.ActionMonitorDeployment, app.Name, command, deploymentID); err != nil {
		logger.Error(err, "Failed to publish monitor trigger, relying on heartbeat", "deploymentId", deploymentID)
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, lease *lock.Lease, app model.Application, spec model.CommandSpec, versions []model.ArtifactVersion) (string, error) {
	target, err := e.deps.Topology.Resolve(ctx, app, spec, versions)
	if err != nil {
		if errors.Is(err, topology.ErrTopologyInvariant) {
			return "", err
		}
		return "", external("topology", err)
	}
	// Discovery may have outlived the lock.
	if err := e.deps.Locks.Check(lease); err != nil {
		return "", err
	}

	deploymentID, err := e.deps.Executor.TriggerExecution(ctx, model.ExecutionRequest{
		StackID:       app.StackID,
		AppID:         app.AppID,
		Command:       spec.Command,
		Recipes:       spec.Recipes,
		InstanceIDs:   target.TargetInstanceIDs,
		CustomPayload: target.CustomPayload,
	})
	if err != nil {
		return "", external("infrastructure", err)
	}
	return deploymentID, nil
}

// failStage records a terminal failure for a stage that could not be
// started. Errors are logged and dropped so the original cause surfaces.
func (e *Engine) failStage(ctx context.Context, lease *lock.Lease, command string, cause error) {
	logger := log.FromContext(ctx)

	upd := store.Update{
		DeploymentStatus: store.Ptr(model.BuildDeploymentStatus(command, model.OutcomeFailed)),
		PipelineStatus:   store.Ptr(model.PipelineNotRunning),
		DeploymentEnd:    store.Ptr(e.now()),
	}
	if e.config.Pipeline.InSequence(command) {
		upd.IncrementFailed = 1
	}
	if err := e.write(ctx, lease, upd); err != nil {
		logger.Error(err, "Failed to record stage failure", "stage", command, "cause", cause.Error())
		return
	}
	logger.Error(cause, "Stage failed to start", "stage", command)
	e.notify(ctx, lease.Record, command, true, cause.Error())
}

func (e *Engine) countTransition(app, command string, err error) {
	outcome := "error"
	if errors.Is(err, ErrInvalidTransition) {
		outcome = "skipped"
	}
	stageTransitions.WithLabelValues(app, command, outcome).Inc()
}
