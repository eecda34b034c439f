package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/apptrail-sh/bluegreen/internal/bootstrap"
	"github.com/apptrail-sh/bluegreen/internal/config"
	"github.com/apptrail-sh/bluegreen/internal/hooks"
	"github.com/apptrail-sh/bluegreen/internal/lock"
)

type (
	storeOpener   func(ctx context.Context, cfg *config.Config, awsSession func() (*session.Session, error)) (bootstrap.Backend, func() error, error)
	triggerOpener func(ctx context.Context, cfg *config.Config, awsSession func() (*session.Session, error)) (hooks.TriggerPublisher, func() error, error)
)

type rootOpts struct {
	settingsDir  string
	environment  string
	envFile      string
	storeBackend string
	verbose      bool

	Config *config.Config
	Store  bootstrap.Backend
	Clock  clock.PassiveClock

	openStore    storeOpener
	openTriggers triggerOpener
	session      *session.Session
	closers      []func() error
}

func newRoot() *rootOpts {
	return &rootOpts{
		Clock:        clock.RealClock{},
		openStore:    bootstrap.OpenStore,
		openTriggers: openTriggerPublisher,
	}
}

var rootLongHelp = strings.TrimSpace(`
bgctl inspects and repairs blue/green deployment pipelines.

Workflow:
  bgctl status                              # Where is every pipeline?
  bgctl status shop                         # Where is the shop pipeline?
  bgctl unlock shop                         # Clear a lock left by a crashed worker.
  bgctl reset shop                          # Return a halted pipeline to NOT_RUNNING.
  bgctl trigger shop --override             # Start the first stage regardless of state.
  bgctl trigger shop --url http://runner:8080   # Push the trigger to a runner over HTTP.
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "bgctl",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		PersistentPreRunE: opts.PersistentPreRunE,
	}
	cmd.PersistentFlags().StringVar(&opts.settingsDir, "settings-dir", "",
		"directory holding the layered settings files; you can also set BLUEGREEN_SETTINGS_DIR")
	cmd.PersistentFlags().StringVar(&opts.environment, "env", "", "environment name selecting the settings layers")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded when present")
	cmd.PersistentFlags().StringVar(&opts.storeBackend, "store", "", "override the state store backend")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")

	cmd.AddCommand(
		newStatus(opts).Command(),
		newReset(opts).Command(),
		newUnlock(opts).Command(),
		newTrigger(opts).Command(),
	)
	return cmd
}

func (opts *rootOpts) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	ctrl.SetLogger(zap.New(zap.UseDevMode(opts.verbose), zap.WriteTo(cmd.ErrOrStderr())))

	settingsDir := opts.settingsDir
	if settingsDir == "" {
		settingsDir = os.Getenv("BLUEGREEN_SETTINGS_DIR")
	}
	cfg, err := config.Load(config.LoadOptions{
		SettingsDir: settingsDir,
		Environment: opts.environment,
		EnvFile:     opts.envFile,
	})
	if err != nil {
		return err
	}
	if opts.storeBackend != "" {
		cfg.Store.Backend = opts.storeBackend
	}
	opts.Config = cfg

	backend, closeStore, err := opts.openStore(cmd.Context(), cfg, opts.awsSession)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	opts.Store = backend
	opts.closers = append(opts.closers, closeStore)
	return nil
}

// Locks returns a lock manager over the opened store.
func (opts *rootOpts) Locks() *lock.Manager {
	return lock.NewManager(opts.Store, lock.Config{
		Expiry:        opts.Config.Lock.Expiry.Duration,
		RetryInterval: opts.Config.Lock.RetryInterval.Duration,
		MaxAttempts:   opts.Config.Lock.MaxAttempts,
	}, opts.Clock)
}

// Triggers connects the configured trigger bus.
func (opts *rootOpts) Triggers(ctx context.Context) (hooks.TriggerPublisher, error) {
	publisher, closeTriggers, err := opts.openTriggers(ctx, opts.Config, opts.awsSession)
	if err != nil {
		return nil, err
	}
	opts.closers = append(opts.closers, closeTriggers)
	return publisher, nil
}

// Close releases every client opened by the command.
func (opts *rootOpts) Close() error {
	var errs []error
	for i := len(opts.closers) - 1; i >= 0; i-- {
		if err := opts.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	opts.closers = nil
	return errors.Join(errs...)
}

func (opts *rootOpts) awsSession() (*session.Session, error) {
	if opts.session != nil {
		return opts.session, nil
	}
	s, err := bootstrap.NewAWSSession(opts.Config.AWS)
	if err != nil {
		return nil, err
	}
	opts.session = s
	return s, nil
}

// openTriggerPublisher refuses the local bus: it only exists inside a runner.
func openTriggerPublisher(ctx context.Context, cfg *config.Config, awsSession func() (*session.Session, error)) (hooks.TriggerPublisher, func() error, error) {
	if cfg.Transport.Publish == config.BusLocal {
		return nil, nil, newUsageError("the local bus is internal to a runner; pass --url to reach one over HTTP")
	}
	return bootstrap.OpenTriggerPublisher(ctx, cfg, awsSession)
}
