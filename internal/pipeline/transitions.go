package pipeline

import (
	"fmt"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

// Decision is the outcome of evaluating a stage trigger against the record.
type Decision int

const (
	// Allow starts the stage.
	Allow Decision = iota
	// Queue records that a new run was requested while one is in flight.
	Queue
)

func (d Decision) String() string {
	if d == Queue {
		return "queue"
	}
	return "allow"
}

// EvaluateTransition decides whether msg may start its stage given rec.
// A rejected trigger returns an error wrapping ErrInvalidTransition.
func EvaluateTransition(p model.Pipeline, rec *model.DeploymentRecord, msg model.TriggerMessage) (Decision, error) {
	command := msg.Command
	if _, ok := p.Spec(command); !ok {
		return Allow, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
	if msg.Override {
		return Allow, nil
	}
	if rec.PipelineStatus == model.PipelineHalted {
		return Allow, fmt.Errorf("%w: pipeline for %q is halted", ErrInvalidTransition, rec.AppName)
	}

	switch {
	case p.IsFirst(command):
		if rec.PipelineStatus != model.PipelineRunning {
			return Allow, nil
		}
		if !msg.TimestampSent.IsZero() && !msg.TimestampSent.After(rec.DeploymentBeginDatetime) {
			return Allow, fmt.Errorf("%w: %q was already started by this trigger", ErrInvalidTransition, command)
		}
		return Queue, nil

	case p.InSequence(command):
		if rec.PipelineStatus != model.PipelineRunning {
			return Allow, fmt.Errorf("%w: %q requires a running pipeline", ErrInvalidTransition, command)
		}
		if command == rec.LastCommand {
			return Allow, fmt.Errorf("%w: %q is already the current stage", ErrInvalidTransition, command)
		}
		if stageInProgress(rec) {
			return Allow, fmt.Errorf("%w: %q is still in progress", ErrInvalidTransition, rec.LastCommand)
		}
		if next, ok := p.Next(rec.LastCommand); !ok || next != command {
			return Allow, fmt.Errorf("%w: %q does not follow %q", ErrInvalidTransition, command, rec.LastCommand)
		}
		return Allow, nil

	default:
		if rec.PipelineStatus != model.PipelineNotRunning {
			return Allow, fmt.Errorf("%w: side path %q requires a stopped pipeline", ErrInvalidTransition, command)
		}
		failed, outcome, ok := rec.Status()
		if !ok || (outcome != model.OutcomeFailed && outcome != model.OutcomeTimedOut) {
			return Allow, fmt.Errorf("%w: side path %q requires a failed stage", ErrInvalidTransition, command)
		}
		spec, ok := p.Spec(failed)
		if !ok || spec.OnfailCommand != command {
			return Allow, fmt.Errorf("%w: %q is not the onfail command of %q", ErrInvalidTransition, command, failed)
		}
		return Allow, nil
	}
}

func stageInProgress(rec *model.DeploymentRecord) bool {
	return rec.LastCommand != "" &&
		rec.DeploymentStatus == model.BuildDeploymentStatus(rec.LastCommand, model.OutcomeInProgress)
}
