package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/imdario/mergo"
	"github.com/joho/godotenv"
	"sigs.k8s.io/yaml"
)

// LoadOptions locate the configuration sources.
type LoadOptions struct {
	// SettingsDir holds the layered YAML files. Empty skips file loading.
	SettingsDir string
	// Environment picks the per-environment layers; it overrides the
	// environment named in the files.
	Environment string
	// EnvFile is a dotenv file loaded into the process environment when it
	// exists. Variables already set are not overwritten.
	EnvFile string
}

// Layers returns the settings files for env, lowest precedence first.
func Layers(dir, env string) []string {
	return []string{
		filepath.Join(dir, "all.yaml"),
		filepath.Join(dir, env+".yaml"),
		filepath.Join(dir, env+".specific.yaml"),
		filepath.Join(dir, env+".local.yaml"),
	}
}

// Load builds the configuration: defaults, then each existing settings layer,
// then environment overrides. The result is not validated.
func Load(opts LoadOptions) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", opts.EnvFile, err)
		}
	}

	cfg := Default()
	env := opts.Environment
	if env == "" {
		env = os.Getenv("BLUEGREEN_ENV")
	}
	if env == "" {
		env = cfg.Environment
	}

	if opts.SettingsDir != "" {
		for _, path := range Layers(opts.SettingsDir, env) {
			if err := mergeFile(&cfg, path); err != nil {
				return nil, err
			}
		}
	}
	cfg.Environment = env

	applyEnv(&cfg, os.LookupEnv)
	return &cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var layer Config
	if err := yaml.UnmarshalStrict(data, &layer); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if err := mergo.Merge(cfg, layer, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides secrets and endpoints from the environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("STORE_BACKEND", &cfg.Store.Backend)
	str("DYNAMODB_TABLE", &cfg.Store.Table)
	str("DATABASE_URL", &cfg.Store.DatabaseURL)
	str("REDIS_ADDR", &cfg.Store.RedisAddr)
	str("REDIS_PASSWORD", &cfg.Store.RedisPassword)
	str("POD_NAMESPACE", &cfg.Store.Namespace)
	str("AWS_REGION", &cfg.AWS.Region)
	str("AWS_ENDPOINT_URL", &cfg.AWS.Endpoint)
	str("LB_UPSTREAM_USER", &cfg.Topology.UpstreamUser)
	str("LB_UPSTREAM_PASSWORD", &cfg.Topology.UpstreamPassword)
	str("PUBSUB_SUBSCRIPTION", &cfg.Transport.Subscription)
	str("TRIGGER_TOPIC", &cfg.Transport.TriggerTopic)
	str("NOTIFICATION_PUBSUB_TOPIC", &cfg.Notifications.PubSubTopic)
	str("NOTIFICATION_SNS_TOPIC_ARN", &cfg.Notifications.SNSTopicArn)

	if v, ok := lookup("REDIS_DB"); ok {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Store.RedisDB = db
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	boolean("MONITOR_DISABLED", &cfg.Monitor.Disabled)
	boolean("PLATFORM_DETECT", &cfg.Platform.Detect)

	for i := range cfg.Applications {
		lb := &cfg.Applications[i].LoadBalancer
		if lb.User == "" && lb.Password == "" {
			lb.User = cfg.Topology.UpstreamUser
			lb.Password = cfg.Topology.UpstreamPassword
		}
	}
}
