package bootstrap

import (
	"context"
	"errors"
	"testing"

	"github.com/apptrail-sh/bluegreen/internal/config"
	"github.com/apptrail-sh/bluegreen/internal/platform"
)

type staticResolver struct {
	info  *platform.Info
	err   error
	calls int
}

func (r *staticResolver) Resolve(context.Context) (*platform.Info, error) {
	r.calls++
	return r.info, r.err
}

func TestDetectPlatform_Disabled(t *testing.T) {
	cfg := testConfig()
	resolver := &staticResolver{err: errors.New("must not be called")}

	info, err := DetectPlatform(context.Background(), cfg, resolver)
	if err != nil || info != nil {
		t.Fatalf("expected no detection, got %v, %v", info, err)
	}
	if resolver.calls != 0 {
		t.Errorf("resolver called %d times", resolver.calls)
	}
}

func TestDetectPlatform_NoProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Platform.Detect = true

	info, err := DetectPlatform(context.Background(), cfg, &staticResolver{err: platform.ErrNoProviderDetected})
	if err != nil || info != nil {
		t.Fatalf("expected no detection, got %v, %v", info, err)
	}
}

func TestDetectPlatform_Error(t *testing.T) {
	cfg := testConfig()
	cfg.Platform.Detect = true

	if _, err := DetectPlatform(context.Background(), cfg, &staticResolver{err: errors.New("zone missing")}); err == nil {
		t.Fatal("expected metadata error")
	}
}

func TestDetectPlatform_AWSRegion(t *testing.T) {
	cfg := testConfig()
	cfg.Platform.Detect = true
	cfg.AWS.Region = ""

	info, err := DetectPlatform(context.Background(), cfg, &staticResolver{info: &platform.Info{
		Provider: platform.ProviderAWS,
		Region:   "eu-west-1",
	}})
	if err != nil {
		t.Fatalf("DetectPlatform: %v", err)
	}
	if info == nil || cfg.AWS.Region != "eu-west-1" {
		t.Errorf("expected region from metadata, got %q", cfg.AWS.Region)
	}
}

func TestApplyPlatform_AWSKeepsConfiguredRegion(t *testing.T) {
	cfg := testConfig()

	ApplyPlatform(cfg, &platform.Info{Provider: platform.ProviderAWS, Region: "eu-west-1"})

	if cfg.AWS.Region != "us-east-1" {
		t.Errorf("configured region overwritten: %q", cfg.AWS.Region)
	}
}

func TestApplyPlatform_GCPQualifiesShortNames(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.Consume = config.BusPubSub
	cfg.Transport.Publish = config.BusPubSub
	cfg.Transport.Subscription = "bluegreen-triggers-sub"
	cfg.Transport.TriggerTopic = "projects/other/topics/bluegreen-triggers"
	cfg.Notifications.PubSubTopic = "bluegreen-notifications"

	ApplyPlatform(cfg, &platform.Info{Provider: platform.ProviderGCP, ProjectID: "deploys"})

	if got := cfg.Transport.Subscription; got != "projects/deploys/subscriptions/bluegreen-triggers-sub" {
		t.Errorf("subscription = %q", got)
	}
	if got := cfg.Transport.TriggerTopic; got != "projects/other/topics/bluegreen-triggers" {
		t.Errorf("qualified trigger topic rewritten: %q", got)
	}
	if got := cfg.Notifications.PubSubTopic; got != "projects/deploys/topics/bluegreen-notifications" {
		t.Errorf("notification topic = %q", got)
	}
}

func TestApplyPlatform_GCPLeavesSNSTopic(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.Publish = config.BusSNS
	cfg.Transport.TriggerTopic = "arn:aws:sns:us-east-1:123456789012:triggers"

	ApplyPlatform(cfg, &platform.Info{Provider: platform.ProviderGCP, ProjectID: "deploys"})

	if got := cfg.Transport.TriggerTopic; got != "arn:aws:sns:us-east-1:123456789012:triggers" {
		t.Errorf("sns topic rewritten: %q", got)
	}
	if cfg.Transport.Subscription != "" || cfg.Notifications.PubSubTopic != "" {
		t.Error("empty names must stay empty")
	}
}
