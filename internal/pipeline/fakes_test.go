package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

type fakeExecutor struct {
	mu         sync.Mutex
	triggered  []model.ExecutionRequest
	statuses   map[string]model.ExecutionStatus
	polls      int
	triggerErr error
	pollErr    error
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{statuses: map[string]model.ExecutionStatus{}}
}

func (f *fakeExecutor) TriggerExecution(_ context.Context, req model.ExecutionRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.triggerErr != nil {
		return "", f.triggerErr
	}
	f.triggered = append(f.triggered, req)
	id := fmt.Sprintf("d-%d", len(f.triggered))
	f.statuses[id] = model.ExecutionPending
	return id, nil
}

func (f *fakeExecutor) PollExecutionStatus(_ context.Context, deploymentID string) (model.ExecutionStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return "", f.pollErr
	}
	return f.statuses[deploymentID], nil
}

func (f *fakeExecutor) set(deploymentID string, status model.ExecutionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[deploymentID] = status
}

func (f *fakeExecutor) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.triggered))
	for _, r := range f.triggered {
		out = append(out, r.Command)
	}
	return out
}

type fakeTopology struct {
	err error
	// during runs inside Resolve, e.g. to let time pass.
	during func()
}

func (f *fakeTopology) Resolve(_ context.Context, _ model.Application, spec model.CommandSpec, _ []model.ArtifactVersion) (*model.TargetEnvironmentConfig, error) {
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &model.TargetEnvironmentConfig{
		ProductionColor:   model.ColorBlue,
		TargetColor:       model.ColorGreen,
		TargetLayers:      []string{"app_green_frontend"},
		TargetInstanceIDs: []string{"i-1", "i-2"},
		CommandSpec:       spec,
	}, nil
}

type fakeArtifacts struct {
	err error
}

func (f *fakeArtifacts) Versions(_ context.Context, app model.Application) ([]model.ArtifactVersion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []model.ArtifactVersion{{Module: "frontend", Key: "frontend.tgz", VersionID: "v1", CommitID: "abc"}}, nil
}

type recordingTriggers struct {
	mu       sync.Mutex
	messages []model.TriggerMessage
	err      error
}

func (r *recordingTriggers) PublishTrigger(_ context.Context, msg model.TriggerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingTriggers) last() model.TriggerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return model.TriggerMessage{}
	}
	return r.messages[len(r.messages)-1]
}

func (r *recordingTriggers) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

type recordingNotifications struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (r *recordingNotifications) PublishNotification(_ context.Context, n model.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifications) all() []model.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Notification(nil), r.sent...)
}
