package model

import (
	"time"

	"github.com/google/uuid"
)

// Action selects the entry point a trigger message is delivered to.
type Action string

const (
	ActionHandleDeployment  Action = "handleDeployment"
	ActionMonitorDeployment Action = "monitorDeployment"
)

// TriggerMessage is the payload carried by the message bus between invocations.
type TriggerMessage struct {
	Action        Action    `json:"action"`
	Command       string    `json:"command,omitempty"`
	App           string    `json:"stackAppId"`
	DeploymentID  string    `json:"deploymentId,omitempty"`
	TimestampSent time.Time `json:"timestampSent,omitzero"`
	Override      bool      `json:"override,omitempty"`
	Source        string    `json:"source,omitempty"`
}

// NewTriggerMessage stamps a message for publishing.
func NewTriggerMessage(action Action, app, command, deploymentID string, now time.Time) TriggerMessage {
	return TriggerMessage{
		Action:        action,
		Command:       command,
		App:           app,
		DeploymentID:  deploymentID,
		TimestampSent: now.UTC(),
		Source:        "bluegreen",
	}
}

type SourceMetadata struct {
	Component string `json:"component"`
	Version   string `json:"version"`
}

// Notification is published when a stage reaches a status operators care about.
type Notification struct {
	EventID        string         `json:"eventId"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Source         SourceMetadata `json:"source"`
	App            string         `json:"app"`
	Command        string         `json:"command"`
	DeploymentID   string         `json:"deploymentId,omitempty"`
	Status         string         `json:"status"`
	PipelineStatus PipelineStatus `json:"pipelineStatus"`
	Forced         bool           `json:"forced"`
	Message        string         `json:"message,omitempty"`
}

// NewNotification builds a notification for a record that just changed.
func NewNotification(rec DeploymentRecord, command string, forced bool, version string, now time.Time) Notification {
	return Notification{
		EventID:    uuid.New().String(),
		OccurredAt: now.UTC(),
		Source: SourceMetadata{
			Component: "bluegreen",
			Version:   version,
		},
		App:            rec.AppName,
		Command:        command,
		DeploymentID:   rec.LastDeploymentID,
		Status:         rec.DeploymentStatus,
		PipelineStatus: rec.PipelineStatus,
		Forced:         forced,
	}
}
