package transport

import (
	"context"
	"testing"
	"time"

	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/pipeline"
)

func TestLocalBus_RedeliversWaitingMessages(t *testing.T) {
	engine := &fakeEngine{results: []error{pipeline.ErrWaiting, pipeline.ErrWaiting}}
	bus := NewLocalBus(LocalBusConfig{Workers: 1, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
	bus.SetDispatcher(NewDispatcher(engine))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Start(ctx)
	}()

	msg := model.NewTriggerMessage(model.ActionMonitorDeployment, "shop", "deploy", "d-1", time.Now())
	if err := bus.PublishTrigger(ctx, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(engine.messages()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 deliveries, got %d", len(engine.messages()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done

	if got := len(engine.messages()); got != 3 {
		t.Errorf("deliveries = %d, want 3", got)
	}
	if bus.Len() != 0 {
		t.Errorf("queue length = %d after success", bus.Len())
	}
}

func TestLocalBus_DropsSkippedMessages(t *testing.T) {
	engine := &fakeEngine{results: []error{pipeline.ErrInvalidTransition}}
	bus := NewLocalBus(LocalBusConfig{Workers: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
	bus.SetDispatcher(NewDispatcher(engine))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Start(ctx) }()

	_ = bus.PublishTrigger(ctx, model.NewTriggerMessage(model.ActionHandleDeployment, "shop", "deploy", "", time.Now()))

	deadline := time.Now().Add(5 * time.Second)
	for len(engine.messages()) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("message never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := len(engine.messages()); got != 1 {
		t.Errorf("deliveries = %d, want 1", got)
	}
}
