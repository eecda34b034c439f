/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/apptrail-sh/bluegreen/internal/bootstrap"
	"github.com/apptrail-sh/bluegreen/internal/buildinfo"
	"github.com/apptrail-sh/bluegreen/internal/config"
	"github.com/apptrail-sh/bluegreen/internal/transport"
)

var setupLog = ctrl.Log.WithName("setup")

// flags holds all command-line configuration. Non-empty values override the
// settings files and the environment.
type flags struct {
	settingsDir    string
	environment    string
	envFile        string
	serverAddr     string
	consume        string
	publish        string
	subscription   string
	triggerTopic   string
	storeBackend   string
	webhookURLs    string
	disableMonitor bool
	detectPlatform bool
}

func main() {
	f := parseFlags()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))

	ctx := ctrl.SetupSignalHandler()

	cfg := loadConfig(f)
	if _, err := bootstrap.DetectPlatform(ctx, cfg, nil); err != nil {
		setupLog.Error(err, "unable to read platform metadata")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		setupLog.Error(err, "invalid configuration")
		os.Exit(1)
	}

	setupLog.Info("Starting bluegreen runner",
		"version", buildinfo.Version(),
		"environment", cfg.Environment,
		"store", cfg.Store.Backend,
		"consume", cfg.Transport.Consume,
		"publish", cfg.Transport.Publish,
		"applications", len(cfg.Applications),
	)

	components, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		setupLog.Error(err, "unable to build components")
		os.Exit(1)
	}
	defer func() {
		if err := components.Close(); err != nil {
			setupLog.Error(err, "problem closing components")
		}
	}()

	if err := run(ctx, cfg, components); err != nil {
		setupLog.Error(err, "problem running bluegreen runner")
		os.Exit(1)
	}
	setupLog.Info("Shut down cleanly")
}

var zapOpts = zap.Options{Development: true}

func parseFlags() flags {
	var f flags

	flag.StringVar(&f.settingsDir, "settings-dir", os.Getenv("BLUEGREEN_SETTINGS_DIR"),
		"Directory holding all.yaml, <env>.yaml, <env>.specific.yaml and <env>.local.yaml")
	flag.StringVar(&f.environment, "env", "", "Environment name selecting the settings layers (default \"stage\")")
	flag.StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded into the environment when present")
	flag.StringVar(&f.serverAddr, "server-bind-address", "",
		"The address the HTTP server (push endpoints, metrics, health probes) binds to")
	flag.StringVar(&f.consume, "consume", "", "Where trigger messages are received from: local, pubsub or http")
	flag.StringVar(&f.publish, "publish", "", "Where trigger messages are published to: local, pubsub or sns")
	flag.StringVar(&f.subscription, "pubsub-subscription", "",
		"Google Cloud Pub/Sub subscription path (projects/<project>/subscriptions/<subscription>)")
	flag.StringVar(&f.triggerTopic, "trigger-topic", "",
		"Pub/Sub topic path or SNS topic ARN trigger messages are published to")
	flag.StringVar(&f.storeBackend, "store", "", "State store backend: memory, dynamodb, postgres, redis or kubernetes")
	flag.StringVar(&f.webhookURLs, "notification-webhooks", "",
		"Comma-separated list of webhook URLs notifications are posted to")
	flag.BoolVar(&f.disableMonitor, "disable-monitor", false, "Acknowledge monitor messages without polling")
	flag.BoolVar(&f.detectPlatform, "detect-platform", false,
		"Read the AWS region and the GCP project from the cloud metadata server")

	zapOpts.BindFlags(flag.CommandLine)
	flag.Parse()

	return f
}

func loadConfig(f flags) *config.Config {
	cfg, err := config.Load(config.LoadOptions{
		SettingsDir: f.settingsDir,
		Environment: f.environment,
		EnvFile:     f.envFile,
	})
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		os.Exit(1)
	}

	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Server.Addr, f.serverAddr)
	override(&cfg.Transport.Consume, f.consume)
	override(&cfg.Transport.Publish, f.publish)
	override(&cfg.Transport.Subscription, f.subscription)
	override(&cfg.Transport.TriggerTopic, f.triggerTopic)
	override(&cfg.Store.Backend, f.storeBackend)
	for _, url := range splitAndTrim(f.webhookURLs) {
		cfg.Notifications.Webhooks = append(cfg.Notifications.Webhooks, config.WebhookConfig{URL: url})
	}
	if f.disableMonitor {
		cfg.Monitor.Disabled = true
	}
	if f.detectPlatform {
		cfg.Platform.Detect = true
	}
	return cfg
}

// run starts every long-running loop and returns when ctx is cancelled or
// one of them fails.
func run(ctx context.Context, cfg *config.Config, c *bootstrap.Components) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		c.Notifications.Loop(ctx)
		return nil
	})

	server := transport.NewHTTPServer(c.Dispatcher, transport.HTTPConfig{
		RetryAfter:  cfg.Transport.RetryAfter.Duration,
		ReadyChecks: c.ReadyChecks,
	})
	defer server.Close()
	g.Go(func() error {
		return server.Start(ctx, cfg.Server.Addr)
	})

	switch cfg.Transport.Consume {
	case config.BusPubSub:
		subscriber, err := transport.NewPubSubSubscriber(ctx, cfg.Transport.Subscription,
			cfg.Transport.MaxOutstanding, c.Dispatcher)
		if err != nil {
			return err
		}
		defer subscriber.Stop()
		g.Go(func() error {
			return subscriber.Start(ctx)
		})
		setupLog.Info("Pub/Sub subscriber enabled", "subscription", cfg.Transport.Subscription)
	case config.BusLocal:
		g.Go(func() error {
			return c.LocalBus.Start(ctx)
		})
		setupLog.Info("Local message bus enabled")
	case config.BusHTTP:
		setupLog.Info("Accepting pushed messages", "addr", cfg.Server.Addr)
	}

	if c.Heartbeat != nil {
		g.Go(func() error {
			return c.Heartbeat.Start(ctx)
		})
	}

	if c.Manager != nil {
		g.Go(func() error {
			return c.Manager.Start(ctx)
		})
		setupLog.Info("Pipeline event recorder enabled", "namespace", cfg.Store.Namespace)
	}

	return g.Wait()
}

// splitAndTrim splits a comma-separated string and trims whitespace from each element
func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
