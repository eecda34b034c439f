/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// PipelineStateSpec is the persisted deployment record of one application.
type PipelineStateSpec struct {
	// AppName is the application this record belongs to
	// +required
	AppName string `json:"appName"`

	// ItemVersion is incremented on every write and guards compare-and-swap updates
	// +required
	ItemVersion int64 `json:"itemVersion"`

	// DeploymentStatus is "<command>__<outcome>"
	// +optional
	DeploymentStatus string `json:"deploymentStatus,omitempty"`

	// PipelineStatus is one of NOT_RUNNING, RUNNING or HALTED
	// +kubebuilder:validation:Enum=NOT_RUNNING;RUNNING;HALTED
	// +required
	PipelineStatus string `json:"pipelineStatus"`

	// +optional
	LastCommand string `json:"lastCommand,omitempty"`

	// +optional
	LastDeploymentID string `json:"lastDeploymentId,omitempty"`

	// +optional
	LockHeld bool `json:"lockHeld,omitempty"`

	// +optional
	LockOwner string `json:"lockOwner,omitempty"`

	// +optional
	LockTimestamp metav1.MicroTime `json:"lockTimestamp,omitzero"`

	// DeploymentQueuedFlag is set when a new run was requested during a running one
	// +optional
	DeploymentQueuedFlag bool `json:"deploymentQueuedFlag,omitempty"`

	// +optional
	DeploymentBeginDatetime metav1.MicroTime `json:"deploymentBeginDatetime,omitzero"`

	// +optional
	DeploymentEndDatetime metav1.MicroTime `json:"deploymentEndDatetime,omitzero"`

	// +optional
	StageStartedDatetime metav1.MicroTime `json:"stageStartedDatetime,omitzero"`

	// +optional
	LastUpdatedDatetime metav1.MicroTime `json:"lastUpdatedDatetime,omitzero"`

	// +optional
	TotalDeploymentsCount int64 `json:"totalDeploymentsCount,omitempty"`

	// +optional
	FailedDeploymentsCount int64 `json:"failedDeploymentsCount,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:resource:shortName=pls
// +kubebuilder:printcolumn:name="Pipeline",type=string,JSONPath=`.spec.pipelineStatus`
// +kubebuilder:printcolumn:name="Status",type=string,JSONPath=`.spec.deploymentStatus`
// +kubebuilder:printcolumn:name="Version",type=integer,JSONPath=`.spec.itemVersion`

// PipelineState is the Schema for the pipelinestates API.
// One object per application holds the blue/green pipeline record and its lock.
type PipelineState struct {
	metav1.TypeMeta `json:",inline"`

	// metadata is a standard object metadata
	// +optional
	metav1.ObjectMeta `json:"metadata,omitzero"`

	// spec holds the deployment record
	// +required
	Spec PipelineStateSpec `json:"spec"`
}

// +kubebuilder:object:root=true

// PipelineStateList contains a list of PipelineState
type PipelineStateList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitzero"`
	Items           []PipelineState `json:"items"`
}

func init() {
	SchemeBuilder.Register(&PipelineState{}, &PipelineStateList{})
}
