package model

import (
	"fmt"
	"strings"
	"time"
)

// PipelineStatus is the coarse state of an application's pipeline.
type PipelineStatus string

// Outcome is the result part of a deployment status string.
type Outcome string

const (
	PipelineNotRunning PipelineStatus = "NOT_RUNNING"
	PipelineRunning    PipelineStatus = "RUNNING"
	PipelineHalted     PipelineStatus = "HALTED"

	OutcomeInProgress Outcome = "inprogress"
	OutcomeSuccessful Outcome = "successful"
	OutcomeFailed     Outcome = "failed"
	OutcomeTimedOut   Outcome = "timedout"
)

// statusDelimiter separates the command from the outcome in a deployment status.
const statusDelimiter = "__"

// Valid reports whether s is one of the known pipeline statuses.
func (s PipelineStatus) Valid() bool {
	switch s {
	case PipelineNotRunning, PipelineRunning, PipelineHalted:
		return true
	}
	return false
}

// Terminal reports whether the outcome ends a stage.
func (o Outcome) Terminal() bool {
	return o == OutcomeSuccessful || o == OutcomeFailed || o == OutcomeTimedOut
}

func (o Outcome) valid() bool {
	return o == OutcomeInProgress || o.Terminal()
}

// DeploymentRecord is the single versioned record kept per application.
// All mutation goes through a compare-and-swap on ItemVersion.
type DeploymentRecord struct {
	AppName          string         `json:"appName"`
	ItemVersion      int64          `json:"itemVersion"`
	DeploymentStatus string         `json:"deploymentStatus"`
	PipelineStatus   PipelineStatus `json:"pipelineStatus"`
	LastCommand      string         `json:"lastCommand"`
	LastDeploymentID string         `json:"lastDeploymentId"`

	LockHeld      bool      `json:"lockHeld"`
	LockOwner     string    `json:"lockOwner,omitempty"`
	LockTimestamp time.Time `json:"lockTimestamp,omitzero"`

	DeploymentQueuedFlag bool `json:"deploymentQueuedFlag"`

	DeploymentBeginDatetime time.Time `json:"deploymentBeginDatetime,omitzero"`
	DeploymentEndDatetime   time.Time `json:"deploymentEndDatetime,omitzero"`
	StageStartedDatetime    time.Time `json:"stageStartedDatetime,omitzero"`
	LastUpdatedDatetime     time.Time `json:"lastUpdatedDatetime,omitzero"`

	TotalDeploymentsCount  int64 `json:"totalDeploymentsCount"`
	FailedDeploymentsCount int64 `json:"failedDeploymentsCount"`
}

// NewDeploymentRecord returns the record provisioned for a new application.
func NewDeploymentRecord(appName string) DeploymentRecord {
	return DeploymentRecord{
		AppName:        appName,
		PipelineStatus: PipelineNotRunning,
	}
}

// Status splits DeploymentStatus into its command and outcome.
func (r DeploymentRecord) Status() (command string, outcome Outcome, ok bool) {
	return ParseDeploymentStatus(r.DeploymentStatus)
}

// LockAvailable reports whether the lock is free or its holder has expired.
func (r DeploymentRecord) LockAvailable(now time.Time, expiry time.Duration) bool {
	return !r.LockHeld || !r.LockTimestamp.After(now.Add(-expiry))
}

// BuildDeploymentStatus joins a command and an outcome, e.g. "deploy__inprogress".
func BuildDeploymentStatus(command string, outcome Outcome) string {
	return command + statusDelimiter + string(outcome)
}

// ParseDeploymentStatus is the inverse of BuildDeploymentStatus. Outcomes never
// contain the delimiter, so splitting on its last occurrence is safe for any
// command name.
func ParseDeploymentStatus(status string) (command string, outcome Outcome, ok bool) {
	i := strings.LastIndex(status, statusDelimiter)
	if i <= 0 {
		return "", "", false
	}
	outcome = Outcome(status[i+len(statusDelimiter):])
	if !outcome.valid() {
		return "", "", false
	}
	return status[:i], outcome, true
}

func (r DeploymentRecord) String() string {
	return fmt.Sprintf("%s@v%d[%s %s last=%s lock=%t]",
		r.AppName, r.ItemVersion, r.PipelineStatus, r.DeploymentStatus, r.LastCommand, r.LockHeld)
}
