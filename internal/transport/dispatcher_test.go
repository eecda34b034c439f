package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/pipeline"
)

const artifactUploaded = `{
  "Records": [{
    "eventSource": "aws:s3",
    "eventTime": "2026-03-01T12:00:00.000Z",
    "s3": {
      "configurationId": "ArtifactUploaded",
      "bucket": {"name": "shop-artifacts"},
      "object": {"key": "frontend.tgz", "versionId": "v2"}
    }
  }]
}`

func TestDispatcher_Decode(t *testing.T) {
	d := NewDispatcher(&fakeEngine{})

	tests := []struct {
		name    string
		payload string
		want    model.TriggerMessage
		wantErr bool
	}{
		{
			name:    "trigger message",
			payload: `{"action":"monitorDeployment","stackAppId":"shop","command":"deploy","deploymentId":"d-1"}`,
			want: model.TriggerMessage{
				Action:       model.ActionMonitorDeployment,
				App:          "shop",
				Command:      "deploy",
				DeploymentID: "d-1",
			},
		},
		{
			name:    "missing action defaults to handle",
			payload: `{"stackAppId":"shop"}`,
			want:    model.TriggerMessage{Action: model.ActionHandleDeployment, App: "shop"},
		},
		{
			name:    "artifact uploaded",
			payload: artifactUploaded,
			want: model.TriggerMessage{
				Action:        model.ActionHandleDeployment,
				App:           "shop",
				Command:       "prepare_staging",
				TimestampSent: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
				Source:        "s3:shop-artifacts/frontend.tgz",
			},
		},
		{
			name:    "missing app",
			payload: `{"action":"handleDeployment"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			payload: `deploy please`,
			wantErr: true,
		},
		{
			name:    "other object store event",
			payload: `{"Records":[{"s3":{"configurationId":"Other","bucket":{"name":"shop-artifacts"}}}]}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := d.Decode([]byte(tt.payload))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedMessage) {
					t.Fatalf("expected ErrMalformedMessage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(msgs))
			}
			if !msgs[0].TimestampSent.Equal(tt.want.TimestampSent) {
				t.Errorf("timestamp = %v, want %v", msgs[0].TimestampSent, tt.want.TimestampSent)
			}
			msgs[0].TimestampSent = tt.want.TimestampSent
			if msgs[0] != tt.want {
				t.Errorf("message = %+v, want %+v", msgs[0], tt.want)
			}
		})
	}
}

func TestDispatcher_UnknownBucket(t *testing.T) {
	d := NewDispatcher(&fakeEngine{})
	payload := `{"Records":[{"s3":{"configurationId":"ArtifactUploaded","bucket":{"name":"other"}}}]}`

	res := d.Dispatch(context.Background(), []byte(payload))
	if res.Class != pipeline.ClassFatal {
		t.Fatalf("class = %s, want fatal", res.Class)
	}
	if !errors.Is(res.Err, pipeline.ErrUnknownApplication) {
		t.Errorf("unexpected error: %v", res.Err)
	}
}

func TestDispatcher_ClassifiesEngineResult(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want pipeline.Class
	}{
		{name: "handled", want: pipeline.ClassOK},
		{name: "skipped", err: fmt.Errorf("x: %w", pipeline.ErrInvalidTransition), want: pipeline.ClassSkip},
		{name: "waiting", err: pipeline.ErrWaiting, want: pipeline.ClassWait},
		{name: "external", err: &pipeline.ExternalServiceError{Service: "infrastructure", Err: errors.New("boom")}, want: pipeline.ClassRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &fakeEngine{results: []error{tt.err}}
			res := NewDispatcher(engine).Dispatch(context.Background(), []byte(`{"stackAppId":"shop"}`))
			if res.Class != tt.want {
				t.Errorf("class = %s, want %s", res.Class, tt.want)
			}
			if len(engine.messages()) != 1 {
				t.Errorf("expected one delivery, got %d", len(engine.messages()))
			}
		})
	}
}
