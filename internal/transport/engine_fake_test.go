package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/pipeline"
)

type fakeEngine struct {
	mu      sync.Mutex
	handled []model.TriggerMessage
	// results are returned in order; nil once exhausted.
	results []error
}

func (f *fakeEngine) Handle(_ context.Context, msg model.TriggerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, msg)
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	return err
}

func (f *fakeEngine) Pipeline() model.Pipeline {
	return model.DefaultPipeline()
}

func (f *fakeEngine) ApplicationForBucket(bucket string) (model.Application, error) {
	if bucket == "shop-artifacts" {
		return model.Application{Name: "shop", ArtifactBucket: bucket}, nil
	}
	return model.Application{}, fmt.Errorf("%w: %q", pipeline.ErrUnknownApplication, bucket)
}

func (f *fakeEngine) messages() []model.TriggerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.TriggerMessage(nil), f.handled...)
}
