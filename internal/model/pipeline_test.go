package model

import (
	"strings"
	"testing"
)

func TestDefaultPipelineIsValid(t *testing.T) {
	if err := DefaultPipeline().Validate(); err != nil {
		t.Fatalf("default pipeline invalid: %v", err)
	}
}

func TestPipelineNavigation(t *testing.T) {
	p := DefaultPipeline()

	if p.First() != "prepare_staging" {
		t.Errorf("First() = %q", p.First())
	}
	if p.Last() != "cleanup" {
		t.Errorf("Last() = %q", p.Last())
	}
	if next, ok := p.Next("deploy"); !ok || next != "test_staging" {
		t.Errorf("Next(deploy) = %q, %v", next, ok)
	}
	if _, ok := p.Next("cleanup"); ok {
		t.Error("Next(cleanup) should report no next stage")
	}
	if _, ok := p.Next("rollback_staging"); ok {
		t.Error("side path commands have no next stage")
	}
	if p.InSequence("rollback_staging") {
		t.Error("rollback_staging must not be in the main sequence")
	}
	spec, ok := p.Spec("rollback_staging")
	if !ok || !spec.HaltsOnFailure() {
		t.Errorf("rollback_staging should halt on failure, got %+v", spec)
	}
}

func TestPipelineValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *Pipeline)
		wantErr string
	}{
		{"empty sequence", func(p *Pipeline) { p.Sequence = nil }, "empty"},
		{"unknown sequence entry", func(p *Pipeline) { p.Sequence = append(p.Sequence, "nope") }, "not in the command table"},
		{"duplicate sequence entry", func(p *Pipeline) { p.Sequence = append(p.Sequence, "deploy") }, "appears twice"},
		{"duplicate command", func(p *Pipeline) { p.Commands = append(p.Commands, CommandSpec{Command: "deploy"}) }, "duplicate"},
		{"unknown onfail", func(p *Pipeline) { p.Commands[0].OnfailCommand = "missing" }, "unknown onfail"},
		{"bare app layer", func(p *Pipeline) { p.Commands[0].TargetLayerTypes = []string{"app_"} }, "no module"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultPipeline()
			tt.mutate(&p)
			err := p.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestColorLayerName(t *testing.T) {
	if got := ColorLayerName(ColorGreen, ColorLayerModule("app_frontend")); got != "app_green_frontend" {
		t.Errorf("ColorLayerName = %q", got)
	}
	if IsColorLayer("load-balancer") {
		t.Error("load-balancer is not color specific")
	}
}
