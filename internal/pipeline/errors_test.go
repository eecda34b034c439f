package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/apptrail-sh/bluegreen/internal/lock"
	"github.com/apptrail-sh/bluegreen/internal/store"
	"github.com/apptrail-sh/bluegreen/internal/topology"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      Class
		alerts    bool
		redeliver bool
	}{
		{name: "nil", err: nil, want: ClassOK},
		{name: "invalid transition", err: fmt.Errorf("x: %w", ErrInvalidTransition), want: ClassSkip},
		{name: "waiting", err: fmt.Errorf("x: %w", ErrWaiting), want: ClassWait, redeliver: true},
		{name: "lock busy", err: fmt.Errorf("x: %w", lock.ErrLockBusy), want: ClassRetry, alerts: true, redeliver: true},
		{name: "conflict", err: store.ErrConcurrencyConflict, want: ClassRetry, alerts: true, redeliver: true},
		{name: "unavailable", err: store.ErrUnavailable, want: ClassRetry, alerts: true, redeliver: true},
		{name: "external", err: &ExternalServiceError{Service: "infrastructure", Err: errors.New("boom")}, want: ClassRetry, alerts: true, redeliver: true},
		{name: "not found", err: fmt.Errorf("x: %w", store.ErrNotFound), want: ClassFatal, alerts: true},
		{name: "topology", err: fmt.Errorf("x: %w", topology.ErrTopologyInvariant), want: ClassFatal, alerts: true},
		{name: "unknown app", err: ErrUnknownApplication, want: ClassFatal, alerts: true},
		{name: "unsupported action", err: ErrUnsupportedAction, want: ClassFatal, alerts: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got != tt.want {
				t.Fatalf("Classify() = %s, want %s", got, tt.want)
			}
			if got.Alerts() != tt.alerts {
				t.Errorf("Alerts() = %v, want %v", got.Alerts(), tt.alerts)
			}
			if got.Redeliver() != tt.redeliver {
				t.Errorf("Redeliver() = %v, want %v", got.Redeliver(), tt.redeliver)
			}
		})
	}
}

func TestExternalServiceError_Unwrap(t *testing.T) {
	cause := errors.New("throttled")
	err := fmt.Errorf("stage: %w", external("infrastructure", cause))

	var ext *ExternalServiceError
	if !errors.As(err, &ext) {
		t.Fatal("expected an ExternalServiceError")
	}
	if ext.Service != "infrastructure" {
		t.Errorf("service = %q", ext.Service)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
}
