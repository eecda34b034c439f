package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/apptrail-sh/bluegreen/internal/bootstrap"
	"github.com/apptrail-sh/bluegreen/internal/config"
	"github.com/apptrail-sh/bluegreen/internal/hooks"
	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/store/memory"
)

var now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type recordingTriggers struct {
	published []model.TriggerMessage
}

func (r *recordingTriggers) PublishTrigger(_ context.Context, msg model.TriggerMessage) error {
	r.published = append(r.published, msg)
	return nil
}

func testRoot(records ...model.DeploymentRecord) (*rootOpts, *memory.Store, *recordingTriggers) {
	mem := memory.New(records...)
	triggers := &recordingTriggers{}

	root := newRoot()
	root.Clock = clocktesting.NewFakeClock(now)
	root.openStore = func(context.Context, *config.Config, func() (*session.Session, error)) (bootstrap.Backend, func() error, error) {
		return mem, func() error { return nil }, nil
	}
	root.openTriggers = func(context.Context, *config.Config, func() (*session.Session, error)) (hooks.TriggerPublisher, func() error, error) {
		return triggers, func() error { return nil }, nil
	}
	return root, mem, triggers
}

func execute(t *testing.T, root *rootOpts, args ...string) (string, error) {
	t.Helper()
	cmd := root.Command()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--env-file="))
	err := cmd.Execute()
	require.NoError(t, root.Close())
	return out.String(), err
}

func record(app string, status model.PipelineStatus, mutate ...func(*model.DeploymentRecord)) model.DeploymentRecord {
	rec := model.NewDeploymentRecord(app)
	rec.PipelineStatus = status
	rec.ItemVersion = 3
	for _, m := range mutate {
		m(&rec)
	}
	return rec
}

func TestStatus_Tab(t *testing.T) {
	root, _, _ := testRoot(
		record("shop", model.PipelineRunning, func(r *model.DeploymentRecord) {
			r.DeploymentStatus = "deploy__inprogress"
			r.LastDeploymentID = "d-42"
			r.LockHeld = true
			r.LockOwner = "monitorDeployment"
			r.LockTimestamp = now
		}),
		record("billing", model.PipelineHalted),
	)

	out, err := execute(t, root, "status")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "APP"))
	assert.Contains(t, lines[1], "billing")
	assert.Contains(t, lines[1], "HALTED")
	assert.Contains(t, lines[2], "deploy__inprogress")
	assert.Contains(t, lines[2], "d-42")
	assert.Contains(t, lines[2], "monitorDeployment@2026-03-14T09:30:00Z")
}

func TestStatus_JSONNamed(t *testing.T) {
	root, _, _ := testRoot(record("shop", model.PipelineRunning), record("billing", model.PipelineNotRunning))

	out, err := execute(t, root, "status", "shop", "-o", "json", "--no-headers")
	require.NoError(t, err)

	var records []model.DeploymentRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "shop", records[0].AppName)
	assert.Equal(t, model.PipelineRunning, records[0].PipelineStatus)
}

func TestStatus_InvalidOutput(t *testing.T) {
	root, _, _ := testRoot()
	_, err := execute(t, root, "status", "-o", "yaml")
	assert.ErrorIs(t, err, errorInvalidOutputFormat)
}

func TestStatus_UnknownApp(t *testing.T) {
	root, _, _ := testRoot()
	_, err := execute(t, root, "status", "ghost")
	assert.Error(t, err)
}

func TestReset_Halted(t *testing.T) {
	root, mem, _ := testRoot(record("shop", model.PipelineHalted, func(r *model.DeploymentRecord) {
		r.DeploymentStatus = "switch_to_prod__failed"
		r.DeploymentQueuedFlag = true
	}))

	out, err := execute(t, root, "reset", "shop")
	require.NoError(t, err)
	assert.Contains(t, out, "HALTED -> NOT_RUNNING")

	rec, err := mem.Get(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, model.PipelineNotRunning, rec.PipelineStatus)
	assert.False(t, rec.DeploymentQueuedFlag)
	assert.Equal(t, "switch_to_prod__failed", rec.DeploymentStatus)
	assert.Equal(t, int64(4), rec.ItemVersion)
	assert.Equal(t, now, rec.LastUpdatedDatetime)
}

func TestReset_RefusesRunningWithoutForce(t *testing.T) {
	root, mem, _ := testRoot(record("shop", model.PipelineRunning))

	_, err := execute(t, root, "reset", "shop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not HALTED")

	rec, err := mem.Get(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, model.PipelineRunning, rec.PipelineStatus)
}

func TestReset_RefusesHeldLockWithoutForce(t *testing.T) {
	root, _, _ := testRoot(record("shop", model.PipelineHalted, func(r *model.DeploymentRecord) {
		r.LockHeld = true
		r.LockOwner = "handleDeployment"
	}))

	_, err := execute(t, root, "reset", "shop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handleDeployment")
}

func TestReset_Force(t *testing.T) {
	root, mem, _ := testRoot(record("shop", model.PipelineRunning, func(r *model.DeploymentRecord) {
		r.LockHeld = true
		r.LockTimestamp = now.Add(-time.Minute)
	}))

	_, err := execute(t, root, "reset", "shop", "--force")
	require.NoError(t, err)

	rec, err := mem.Get(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, model.PipelineNotRunning, rec.PipelineStatus)
	assert.False(t, rec.LockHeld)
}

func TestReset_WantsOneApp(t *testing.T) {
	root, _, _ := testRoot()
	_, err := execute(t, root, "reset")
	var usage usageError
	assert.True(t, errors.As(err, &usage))
}

func TestUnlock(t *testing.T) {
	root, mem, _ := testRoot(record("shop", model.PipelineRunning, func(r *model.DeploymentRecord) {
		r.LockHeld = true
		r.LockOwner = "monitorDeployment"
		r.LockTimestamp = now
	}))

	out, err := execute(t, root, "unlock", "shop")
	require.NoError(t, err)
	assert.Contains(t, out, "shop unlocked (was held by monitorDeployment")

	rec, err := mem.Get(context.Background(), "shop")
	require.NoError(t, err)
	assert.False(t, rec.LockHeld)
	assert.Equal(t, model.PipelineRunning, rec.PipelineStatus)
}

func TestUnlock_NotHeld(t *testing.T) {
	root, mem, _ := testRoot(record("shop", model.PipelineNotRunning))

	out, err := execute(t, root, "unlock", "shop")
	require.NoError(t, err)
	assert.Contains(t, out, "shop is not locked")

	rec, err := mem.Get(context.Background(), "shop")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.ItemVersion)
}

func TestTrigger_DefaultsToFirstStage(t *testing.T) {
	root, _, triggers := testRoot()

	out, err := execute(t, root, "trigger", "shop")
	require.NoError(t, err)
	assert.Contains(t, out, "handleDeployment prepare_staging published for shop")

	require.Len(t, triggers.published, 1)
	msg := triggers.published[0]
	assert.Equal(t, model.ActionHandleDeployment, msg.Action)
	assert.Equal(t, "prepare_staging", msg.Command)
	assert.Equal(t, "shop", msg.App)
	assert.Equal(t, "bgctl", msg.Source)
	assert.Equal(t, now, msg.TimestampSent)
	assert.False(t, msg.Override)
}

func TestTrigger_Override(t *testing.T) {
	root, _, triggers := testRoot()

	_, err := execute(t, root, "trigger", "shop", "--command", "rollback_staging", "--override")
	require.NoError(t, err)

	require.Len(t, triggers.published, 1)
	assert.Equal(t, "rollback_staging", triggers.published[0].Command)
	assert.True(t, triggers.published[0].Override)
}

func TestTrigger_Monitor(t *testing.T) {
	root, _, triggers := testRoot()

	_, err := execute(t, root, "trigger", "shop", "--monitor")
	require.NoError(t, err)

	require.Len(t, triggers.published, 1)
	assert.Equal(t, model.ActionMonitorDeployment, triggers.published[0].Action)
	assert.Empty(t, triggers.published[0].Command)
}

func TestTrigger_Rejected(t *testing.T) {
	for name, args := range map[string][]string{
		"unknown command":     {"trigger", "shop", "--command", "ship_it"},
		"monitor override":    {"trigger", "shop", "--monitor", "--override"},
		"missing application": {"trigger"},
	} {
		t.Run(name, func(t *testing.T) {
			root, _, triggers := testRoot()
			_, err := execute(t, root, args...)
			assert.Error(t, err)
			assert.Empty(t, triggers.published)
		})
	}
}

func TestTrigger_LocalBusRefused(t *testing.T) {
	root, _, _ := testRoot()
	root.openTriggers = openTriggerPublisher

	_, err := execute(t, root, "trigger", "shop")
	var usage usageError
	require.True(t, errors.As(err, &usage))
	assert.Contains(t, err.Error(), "--url")
}

func TestTrigger_PostsToRunner(t *testing.T) {
	var received model.TriggerMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"skipped","reason":"invalid transition"}`))
	}))
	defer server.Close()

	root, _, triggers := testRoot()
	out, err := execute(t, root, "trigger", "shop", "--url", server.URL+"/")
	require.NoError(t, err)

	assert.Empty(t, triggers.published)
	assert.Equal(t, "prepare_staging", received.Command)
	assert.Equal(t, "shop", received.App)
	assert.Contains(t, out, "skipped (invalid transition)")
}

func TestTrigger_RunnerWaiting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"waiting"}`))
	}))
	defer server.Close()

	root, _, _ := testRoot()
	out, err := execute(t, root, "trigger", "shop", "--monitor", "--url", server.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "retry after 30s")
}

func TestTrigger_RunnerDropped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"status":"dropped","error":"unknown application"}`))
	}))
	defer server.Close()

	root, _, _ := testRoot()
	_, err := execute(t, root, "trigger", "shop", "--url", server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}
