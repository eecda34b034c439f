package pipeline

import (
	"context"
	"fmt"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/bluegreen/internal/lock"
	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/store"
)

// MonitorDeployment polls the execution recorded for the current stage and
// advances the pipeline once it reaches a terminal outcome. It returns
// ErrWaiting while the execution is still pending.
func (e *Engine) MonitorDeployment(ctx context.Context, msg model.TriggerMessage) error {
	logger := log.FromContext(ctx)

	if !e.config.MonitorEnabled {
		logger.V(1).Info("Monitoring disabled, skipping")
		return nil
	}
	app, err := e.Application(msg.App)
	if err != nil {
		return err
	}

	rec, err := e.deps.Store.Get(ctx, app.Name)
	if err != nil {
		return err
	}
	recordPipelineStatus(rec)
	now := e.now()

	switch rec.PipelineStatus {
	case model.PipelineHalted:
		logger.V(1).Info("Pipeline halted, nothing to monitor")
		return nil
	case model.PipelineNotRunning:
		if rec.DeploymentQueuedFlag && rec.DeploymentStatus == e.finalSuccess() {
			return e.withLock(ctx, app.Name, monitorLockName, func(ctx context.Context, lease *lock.Lease) error {
				if lease.Record.PipelineStatus != model.PipelineNotRunning || !lease.Record.DeploymentQueuedFlag {
					return nil
				}
				return e.startQueued(ctx, lease, store.Update{})
			})
		}
		logger.V(1).Info("Pipeline not running, nothing to monitor")
		return nil
	}

	if now.Sub(rec.LastUpdatedDatetime) < e.config.MonitorDebounce {
		logger.V(1).Info("Record updated recently, skipping poll", "lastUpdated", rec.LastUpdatedDatetime)
		return nil
	}

	inProgress := model.BuildDeploymentStatus(rec.LastCommand, model.OutcomeInProgress)
	if rec.DeploymentStatus != inProgress || rec.LastDeploymentID == "" {
		if next, ok := e.lostTrigger(rec); ok {
			logger.Info("Next stage was not picked up, publishing again", "next", next)
			return e.publish(ctx, model.ActionHandleDeployment, app.Name, next, "")
		}
		logger.V(1).Info("No execution in flight", "status", rec.DeploymentStatus)
		return nil
	}

	command := rec.LastCommand
	deploymentID := rec.LastDeploymentID
	if msg.DeploymentID != "" && msg.DeploymentID != deploymentID {
		logger.V(1).Info("Monitoring the recorded deployment instead of the requested one",
			"requested", msg.DeploymentID, "deploymentId", deploymentID)
	}

	status, err := e.deps.Executor.PollExecutionStatus(ctx, deploymentID)
	if err != nil {
		monitorPolls.WithLabelValues(app.Name, "error").Inc()
		return external("infrastructure", err)
	}

	var outcome model.Outcome
	switch status {
	case model.ExecutionSuccessful:
		outcome = model.OutcomeSuccessful
	case model.ExecutionFailed:
		outcome = model.OutcomeFailed
	default:
		elapsed := now.Sub(stageStart(msg, rec))
		if elapsed <= e.config.DeploymentTimeout {
			monitorPolls.WithLabelValues(app.Name, "pending").Inc()
			logger.V(1).Info("Execution pending", "deploymentId", deploymentID, "elapsed", elapsed)
			return fmt.Errorf("%w: %s %s", ErrWaiting, command, deploymentID)
		}
		outcome = model.OutcomeTimedOut
	}
	monitorPolls.WithLabelValues(app.Name, string(outcome)).Inc()

	return e.withLock(ctx, app.Name, monitorLockName, func(ctx context.Context, lease *lock.Lease) error {
		current := lease.Record
		if current.PipelineStatus != model.PipelineRunning ||
			current.LastDeploymentID != deploymentID ||
			current.DeploymentStatus != inProgress {
			logger.Info("Record changed while polling, dropping result",
				"deploymentId", deploymentID, "status", current.DeploymentStatus)
			return nil
		}
		if outcome == model.OutcomeSuccessful {
			return e.completeStage(ctx, lease, command)
		}
		return e.failExecution(ctx, lease, command, outcome)
	})
}

func (e *Engine) completeStage(ctx context.Context, lease *lock.Lease, command string) error {
	logger := log.FromContext(ctx)
	status := model.BuildDeploymentStatus(command, model.OutcomeSuccessful)
	stageTransitions.WithLabelValues(lease.App, command, string(model.OutcomeSuccessful)).Inc()

	if next, ok := e.config.Pipeline.Next(command); ok {
		if err := e.write(ctx, lease, store.Update{DeploymentStatus: store.Ptr(status)}); err != nil {
			return err
		}
		logger.Info("Stage succeeded", "stage", command, "next", next)
		e.notify(ctx, lease.Record, command, false, "")
		return e.publish(ctx, model.ActionHandleDeployment, lease.App, next, "")
	}

	upd := store.Update{
		DeploymentStatus: store.Ptr(status),
		PipelineStatus:   store.Ptr(model.PipelineNotRunning),
		DeploymentEnd:    store.Ptr(e.now()),
	}
	if lease.Record.DeploymentQueuedFlag && e.config.Pipeline.InSequence(command) {
		return e.startQueued(ctx, lease, upd)
	}
	if err := e.write(ctx, lease, upd); err != nil {
		return err
	}
	logger.Info("Pipeline finished", "stage", command)
	e.notify(ctx, lease.Record, command, false, "")
	return nil
}

// startQueued clears the queued flag together with upd and publishes the
// first stage. The flag is put back when the trigger cannot be published.
func (e *Engine) startQueued(ctx context.Context, lease *lock.Lease, upd store.Update) error {
	logger := log.FromContext(ctx)
	first := e.config.Pipeline.First()

	upd.DeploymentQueued = store.Ptr(false)
	if err := e.write(ctx, lease, upd); err != nil {
		return err
	}

	if err := e.publish(ctx, model.ActionHandleDeployment, lease.App, first, ""); err != nil {
		if restoreErr := e.write(ctx, lease, store.Update{DeploymentQueued: store.Ptr(true)}); restoreErr != nil {
			logger.Error(restoreErr, "Failed to restore queued flag")
		}
		return err
	}
	logger.Info("Starting queued deployment", "stage", first)
	stageTransitions.WithLabelValues(lease.App, first, "dequeued").Inc()
	return nil
}

func (e *Engine) failExecution(ctx context.Context, lease *lock.Lease, command string, outcome model.Outcome) error {
	logger := log.FromContext(ctx)
	spec, _ := e.config.Pipeline.Spec(command)

	upd := store.Update{
		DeploymentStatus: store.Ptr(model.BuildDeploymentStatus(command, outcome)),
		PipelineStatus:   store.Ptr(model.PipelineNotRunning),
		DeploymentEnd:    store.Ptr(e.now()),
	}
	if e.config.Pipeline.InSequence(command) {
		upd.IncrementFailed = 1
	}
	halt := spec.HaltsOnFailure()
	if halt {
		upd.PipelineStatus = store.Ptr(model.PipelineHalted)
	}
	if err := e.write(ctx, lease, upd); err != nil {
		return err
	}

	if halt {
		stageTransitions.WithLabelValues(lease.App, command, "halted").Inc()
		logger.Info("Stage failed, pipeline halted until reset", "stage", command, "outcome", outcome)
		e.notify(ctx, lease.Record, command, true, "pipeline halted")
		return nil
	}

	stageTransitions.WithLabelValues(lease.App, command, string(outcome)).Inc()
	logger.Info("Stage failed", "stage", command, "outcome", outcome, "onfail", spec.OnfailCommand)
	e.notify(ctx, lease.Record, command, true, "")
	if spec.OnfailCommand == "" {
		return nil
	}
	return e.publish(ctx, model.ActionHandleDeployment, lease.App, spec.OnfailCommand, "")
}

// lostTrigger reports the stage that should follow a recorded success when
// no orchestrator picked it up.
func (e *Engine) lostTrigger(rec *model.DeploymentRecord) (string, bool) {
	if rec.PipelineStatus != model.PipelineRunning ||
		rec.DeploymentStatus != model.BuildDeploymentStatus(rec.LastCommand, model.OutcomeSuccessful) {
		return "", false
	}
	return e.config.Pipeline.Next(rec.LastCommand)
}

func (e *Engine) finalSuccess() string {
	return model.BuildDeploymentStatus(e.config.Pipeline.Last(), model.OutcomeSuccessful)
}

// stageStart is when the current stage was triggered. Records written
// before stage timestamps existed fall back to the message stamp.
func stageStart(msg model.TriggerMessage, rec *model.DeploymentRecord) time.Time {
	switch {
	case !rec.StageStartedDatetime.IsZero():
		return rec.StageStartedDatetime
	case !msg.TimestampSent.IsZero():
		return msg.TimestampSent
	}
	return rec.LastUpdatedDatetime
}
