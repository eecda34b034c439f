package bootstrap

import (
	"context"
	"errors"
	"strings"

	"github.com/apptrail-sh/bluegreen/internal/config"
	"github.com/apptrail-sh/bluegreen/internal/platform"
)

// PlatformResolver is satisfied by *platform.Resolver.
type PlatformResolver interface {
	Resolve(ctx context.Context) (*platform.Info, error)
}

// DetectPlatform probes the cloud metadata servers when enabled and completes
// cfg from the answer. Running outside a known cloud is not an error. A nil
// resolver probes GCP then AWS.
func DetectPlatform(ctx context.Context, cfg *config.Config, resolver PlatformResolver) (*platform.Info, error) {
	if !cfg.Platform.Detect {
		return nil, nil
	}
	if resolver == nil {
		resolver = platform.NewResolver(platform.Config{
			Timeout:   cfg.Platform.Timeout.Duration,
			EnableGCP: true,
			EnableAWS: true,
		})
	}

	info, err := resolver.Resolve(ctx)
	if errors.Is(err, platform.ErrNoProviderDetected) {
		setupLog.Info("No cloud platform detected")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ApplyPlatform(cfg, info)
	setupLog.Info("Platform detected", "id", info.ID, "provider", info.Provider, "region", info.Region)
	return info, nil
}

// ApplyPlatform fills settings left empty from info. On GCP, Pub/Sub
// subscriptions and topics given by short name are qualified with the
// project.
func ApplyPlatform(cfg *config.Config, info *platform.Info) {
	switch info.Provider {
	case platform.ProviderAWS:
		if cfg.AWS.Region == "" {
			cfg.AWS.Region = info.Region
		}
	case platform.ProviderGCP:
		cfg.Transport.Subscription = qualify(cfg.Transport.Subscription, info.ProjectID, "subscriptions")
		if cfg.Transport.Publish == config.BusPubSub {
			cfg.Transport.TriggerTopic = qualify(cfg.Transport.TriggerTopic, info.ProjectID, "topics")
		}
		cfg.Notifications.PubSubTopic = qualify(cfg.Notifications.PubSubTopic, info.ProjectID, "topics")
	}
}

func qualify(name, project, kind string) string {
	if name == "" || project == "" || strings.HasPrefix(name, "projects/") {
		return name
	}
	return "projects/" + project + "/" + kind + "/" + name
}
