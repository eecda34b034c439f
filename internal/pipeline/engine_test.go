package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/apptrail-sh/bluegreen/internal/filter"
	"github.com/apptrail-sh/bluegreen/internal/lock"
	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/store"
	"github.com/apptrail-sh/bluegreen/internal/store/memory"
	"github.com/apptrail-sh/bluegreen/internal/topology"
)

var _ = Describe("Engine", func() {
	const appName = "shop"

	var (
		ctx       context.Context
		clk       *clocktesting.FakeClock
		records   *memory.Store
		locks     *lock.Manager
		executor  *fakeExecutor
		topo      *fakeTopology
		artifacts *fakeArtifacts
		triggers  *recordingTriggers
		notes     *recordingNotifications
		patterns  []string
		cfg       Config
		engine    *Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		clk = clocktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		records = memory.New(model.NewDeploymentRecord(appName))
		executor = newFakeExecutor()
		topo = &fakeTopology{}
		artifacts = &fakeArtifacts{}
		triggers = &recordingTriggers{}
		notes = &recordingNotifications{}
		patterns = filter.DefaultStatusPatterns()

		cfg = DefaultConfig()
		cfg.Version = "test"
		cfg.Applications = []model.Application{{
			Name:           appName,
			StackID:        "stack-1",
			AppID:          "app-1",
			ArtifactBucket: "shop-artifacts",
		}}
	})

	JustBeforeEach(func() {
		notifyFilter, err := filter.NewNotificationFilter(filter.NotificationFilterConfig{
			StatusPatterns: patterns,
		})
		Expect(err).NotTo(HaveOccurred())

		locks = lock.NewManager(records, lock.Config{
			Expiry:        15 * time.Second,
			RetryInterval: time.Millisecond,
			MaxAttempts:   3,
		}, clk)

		engine, err = NewEngine(cfg, Dependencies{
			Store:         records,
			Locks:         locks,
			Topology:      topo,
			Artifacts:     artifacts,
			Executor:      executor,
			Triggers:      triggers,
			Notifications: notes,
			Filter:        notifyFilter,
			Clock:         clk,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	current := func() *model.DeploymentRecord {
		rec, err := records.Get(ctx, appName)
		Expect(err).NotTo(HaveOccurred())
		return rec
	}

	trigger := func(command string) model.TriggerMessage {
		return model.NewTriggerMessage(model.ActionHandleDeployment, appName, command, "", clk.Now())
	}

	handle := func(command string) error {
		return engine.HandleDeployment(ctx, trigger(command))
	}

	monitor := func() error {
		return engine.MonitorDeployment(ctx, model.NewTriggerMessage(model.ActionMonitorDeployment, appName, "", "", clk.Now()))
	}

	// finish completes the in-flight execution and polls it past the debounce window.
	finish := func(status model.ExecutionStatus) error {
		executor.set(current().LastDeploymentID, status)
		clk.Step(21 * time.Second)
		return monitor()
	}

	// advanceTo completes stages successfully until stage is in progress.
	advanceTo := func(stage string) {
		for current().LastCommand != stage {
			Expect(finish(model.ExecutionSuccessful)).To(Succeed())
			Expect(engine.HandleDeployment(ctx, triggers.last())).To(Succeed())
		}
		Expect(current().DeploymentStatus).To(Equal(stage + "__inprogress"))
	}

	It("runs every stage in order and ends NOT_RUNNING", func() {
		Expect(handle("prepare_staging")).To(Succeed())

		for _, stage := range cfg.Pipeline.Sequence {
			rec := current()
			Expect(rec.PipelineStatus).To(Equal(model.PipelineRunning))
			Expect(rec.DeploymentStatus).To(Equal(stage + "__inprogress"))
			Expect(rec.LastCommand).To(Equal(stage))
			Expect(rec.LockHeld).To(BeFalse())

			Expect(finish(model.ExecutionSuccessful)).To(Succeed())

			next, ok := cfg.Pipeline.Next(stage)
			if !ok {
				break
			}
			Expect(current().DeploymentStatus).To(Equal(stage + "__successful"))
			msg := triggers.last()
			Expect(msg.Action).To(Equal(model.ActionHandleDeployment))
			Expect(msg.Command).To(Equal(next))
			Expect(engine.HandleDeployment(ctx, msg)).To(Succeed())
		}

		rec := current()
		Expect(rec.PipelineStatus).To(Equal(model.PipelineNotRunning))
		Expect(rec.DeploymentStatus).To(Equal("cleanup__successful"))
		Expect(rec.TotalDeploymentsCount).To(BeEquivalentTo(1))
		Expect(rec.FailedDeploymentsCount).To(BeEquivalentTo(0))
		Expect(rec.DeploymentEndDatetime).NotTo(BeZero())
		Expect(executor.commands()).To(Equal(cfg.Pipeline.Sequence))
		Expect(notes.all()).To(BeEmpty())
	})

	It("sends the resolved target with the execution request", func() {
		Expect(handle("prepare_staging")).To(Succeed())

		Expect(executor.triggered).To(HaveLen(1))
		req := executor.triggered[0]
		Expect(req.StackID).To(Equal("stack-1"))
		Expect(req.Recipes).To(ContainElement("blue_green_deploy::prepare_staging"))
		Expect(req.InstanceIDs).To(Equal([]string{"i-1", "i-2"}))

		msg := triggers.last()
		Expect(msg.Action).To(Equal(model.ActionMonitorDeployment))
		Expect(msg.DeploymentID).To(Equal("d-1"))
		Expect(current().LastDeploymentID).To(Equal("d-1"))
	})

	It("ignores a redelivered stage trigger", func() {
		Expect(handle("prepare_staging")).To(Succeed())
		Expect(finish(model.ExecutionSuccessful)).To(Succeed())

		msg := triggers.last()
		Expect(engine.HandleDeployment(ctx, msg)).To(Succeed())
		err := engine.HandleDeployment(ctx, msg)
		Expect(err).To(MatchError(ErrInvalidTransition))
		Expect(Classify(err)).To(Equal(ClassSkip))
		Expect(executor.commands()).To(Equal([]string{"prepare_staging", "deploy"}))
	})

	It("rejects a redelivery of the trigger that started the run", func() {
		msg := trigger("prepare_staging")
		Expect(engine.HandleDeployment(ctx, msg)).To(Succeed())

		Expect(engine.HandleDeployment(ctx, msg)).To(MatchError(ErrInvalidTransition))
		Expect(current().DeploymentQueuedFlag).To(BeFalse())
	})

	It("rejects a non-first stage while the pipeline is stopped", func() {
		Expect(handle("deploy")).To(MatchError(ErrInvalidTransition))
		Expect(executor.commands()).To(BeEmpty())
	})

	It("defaults a trigger without command to the first stage", func() {
		Expect(handle("")).To(Succeed())
		Expect(current().LastCommand).To(Equal("prepare_staging"))
	})

	It("rejects unknown applications", func() {
		msg := trigger("prepare_staging")
		msg.App = "unknown"
		err := engine.HandleDeployment(ctx, msg)
		Expect(err).To(MatchError(ErrUnknownApplication))
		Expect(Classify(err)).To(Equal(ClassFatal))
	})

	Describe("monitoring", func() {
		It("waits without touching the record while the execution is pending", func() {
			Expect(handle("prepare_staging")).To(Succeed())
			clk.Step(21 * time.Second)
			before := current()

			err := monitor()
			Expect(err).To(MatchError(ErrWaiting))
			Expect(Classify(err)).To(Equal(ClassWait))
			Expect(current()).To(Equal(before))
		})

		It("skips polling right after a write", func() {
			Expect(handle("prepare_staging")).To(Succeed())
			Expect(monitor()).To(Succeed())
			Expect(executor.polls).To(BeZero())
		})

		It("records a timeout and stops the pipeline", func() {
			Expect(handle("prepare_staging")).To(Succeed())
			advanceTo("test_staging")
			published := triggers.count()

			clk.Step(31 * time.Minute)
			Expect(monitor()).To(Succeed())

			rec := current()
			Expect(rec.DeploymentStatus).To(Equal("test_staging__timedout"))
			Expect(rec.PipelineStatus).To(Equal(model.PipelineNotRunning))
			Expect(rec.FailedDeploymentsCount).To(BeEquivalentTo(1))
			Expect(triggers.count()).To(Equal(published))
			Expect(notes.all()).To(HaveLen(1))
			Expect(notes.all()[0].Status).To(Equal("test_staging__timedout"))
		})

		It("republishes a next-stage trigger that was lost", func() {
			Expect(handle("prepare_staging")).To(Succeed())
			triggers.err = errors.New("bus down")
			Expect(finish(model.ExecutionSuccessful)).NotTo(Succeed())
			Expect(current().DeploymentStatus).To(Equal("prepare_staging__successful"))

			triggers.err = nil
			clk.Step(21 * time.Second)
			Expect(monitor()).To(Succeed())
			Expect(triggers.last().Command).To(Equal("deploy"))
			Expect(triggers.last().Action).To(Equal(model.ActionHandleDeployment))
		})

		It("does nothing for a halted pipeline", func() {
			rec := current()
			_, err := records.Update(ctx, appName, store.Update{
				ExpectedVersion: rec.ItemVersion,
				At:              clk.Now(),
				PipelineStatus:  store.Ptr(model.PipelineHalted),
			})
			Expect(err).NotTo(HaveOccurred())
			clk.Step(time.Minute)

			Expect(monitor()).To(Succeed())
			Expect(executor.polls).To(BeZero())
		})

		Context("when monitoring is disabled", func() {
			BeforeEach(func() {
				cfg.MonitorEnabled = false
			})

			It("acknowledges without polling", func() {
				Expect(handle("prepare_staging")).To(Succeed())
				clk.Step(time.Minute)
				Expect(monitor()).To(Succeed())
				Expect(executor.polls).To(BeZero())
			})
		})
	})

	Describe("queued deployments", func() {
		It("queues a new run and starts it after the last stage", func() {
			Expect(handle("prepare_staging")).To(Succeed())
			clk.Step(time.Minute)
			Expect(handle("prepare_staging")).To(Succeed())
			Expect(current().DeploymentQueuedFlag).To(BeTrue())
			Expect(executor.commands()).To(HaveLen(1))

			advanceTo(cfg.Pipeline.Last())
			Expect(finish(model.ExecutionSuccessful)).To(Succeed())

			rec := current()
			Expect(rec.PipelineStatus).To(Equal(model.PipelineNotRunning))
			Expect(rec.DeploymentQueuedFlag).To(BeFalse())
			msg := triggers.last()
			Expect(msg.Command).To(Equal("prepare_staging"))

			clk.Step(time.Second)
			Expect(engine.HandleDeployment(ctx, msg)).To(Succeed())
			Expect(current().TotalDeploymentsCount).To(BeEquivalentTo(2))
		})

		It("restarts a queued run left behind a finished pipeline", func() {
			rec := current()
			_, err := records.Update(ctx, appName, store.Update{
				ExpectedVersion:  rec.ItemVersion,
				At:               clk.Now(),
				DeploymentStatus: store.Ptr("cleanup__successful"),
				LastCommand:      store.Ptr("cleanup"),
				DeploymentQueued: store.Ptr(true),
			})
			Expect(err).NotTo(HaveOccurred())

			Expect(monitor()).To(Succeed())
			Expect(current().DeploymentQueuedFlag).To(BeFalse())
			Expect(triggers.last().Command).To(Equal("prepare_staging"))
		})

		It("drops a queued request once a fresh run starts after a failure", func() {
			Expect(handle("prepare_staging")).To(Succeed())
			clk.Step(time.Minute)
			Expect(handle("prepare_staging")).To(Succeed())
			advanceTo("deploy")

			Expect(finish(model.ExecutionFailed)).To(Succeed())
			rec := current()
			Expect(rec.PipelineStatus).To(Equal(model.PipelineNotRunning))
			Expect(rec.DeploymentQueuedFlag).To(BeTrue())

			clk.Step(time.Minute)
			Expect(handle("prepare_staging")).To(Succeed())
			Expect(current().DeploymentQueuedFlag).To(BeFalse())

			advanceTo(cfg.Pipeline.Last())
			published := triggers.count()
			Expect(finish(model.ExecutionSuccessful)).To(Succeed())

			rec = current()
			Expect(rec.PipelineStatus).To(Equal(model.PipelineNotRunning))
			Expect(rec.DeploymentStatus).To(Equal("cleanup__successful"))
			Expect(rec.DeploymentQueuedFlag).To(BeFalse())
			Expect(triggers.count()).To(Equal(published))
			Expect(rec.TotalDeploymentsCount).To(BeEquivalentTo(2))
		})

		It("keeps the flag when the trigger cannot be published", func() {
			rec := current()
			_, err := records.Update(ctx, appName, store.Update{
				ExpectedVersion:  rec.ItemVersion,
				At:               clk.Now(),
				DeploymentStatus: store.Ptr("cleanup__successful"),
				DeploymentQueued: store.Ptr(true),
			})
			Expect(err).NotTo(HaveOccurred())
			triggers.err = errors.New("bus down")

			err = monitor()
			var ext *ExternalServiceError
			Expect(errors.As(err, &ext)).To(BeTrue())
			Expect(current().DeploymentQueuedFlag).To(BeTrue())
		})
	})

	Describe("failures", func() {
		It("runs the onfail stage and halts when it fails too", func() {
			Expect(handle("prepare_staging")).To(Succeed())
			advanceTo("prepare_stg_for_prod")

			Expect(finish(model.ExecutionFailed)).To(Succeed())
			rec := current()
			Expect(rec.DeploymentStatus).To(Equal("prepare_stg_for_prod__failed"))
			Expect(rec.PipelineStatus).To(Equal(model.PipelineNotRunning))
			Expect(rec.FailedDeploymentsCount).To(BeEquivalentTo(1))

			rollback := triggers.last()
			Expect(rollback.Command).To(Equal("rollback_staging"))
			Expect(engine.HandleDeployment(ctx, rollback)).To(Succeed())
			Expect(current().DeploymentStatus).To(Equal("rollback_staging__inprogress"))

			Expect(finish(model.ExecutionFailed)).To(Succeed())
			rec = current()
			Expect(rec.PipelineStatus).To(Equal(model.PipelineHalted))
			Expect(rec.DeploymentStatus).To(Equal("rollback_staging__failed"))
			Expect(rec.FailedDeploymentsCount).To(BeEquivalentTo(1))

			sent := notes.all()
			Expect(sent).To(HaveLen(2))
			Expect(sent[1].Forced).To(BeTrue())
			Expect(sent[1].PipelineStatus).To(Equal(model.PipelineHalted))

			clk.Step(time.Minute)
			Expect(handle("prepare_staging")).To(MatchError(ErrInvalidTransition))

			// Operator reset.
			rec = current()
			_, err := records.Update(ctx, appName, store.Update{
				ExpectedVersion: rec.ItemVersion,
				At:              clk.Now(),
				PipelineStatus:  store.Ptr(model.PipelineNotRunning),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(handle("prepare_staging")).To(Succeed())
		})

		Context("when the filter only passes successes", func() {
			BeforeEach(func() {
				patterns = []string{".*successful$"}
			})

			It("still notifies a failed execution", func() {
				Expect(handle("prepare_staging")).To(Succeed())
				Expect(finish(model.ExecutionFailed)).To(Succeed())

				Expect(current().DeploymentStatus).To(Equal("prepare_staging__failed"))
				sent := notes.all()
				Expect(sent).To(HaveLen(1))
				Expect(sent[0].Status).To(Equal("prepare_staging__failed"))
				Expect(sent[0].Forced).To(BeTrue())
			})

			It("still notifies a stage the infrastructure refused to start", func() {
				executor.triggerErr = errors.New("throttled")

				Expect(handle("prepare_staging")).NotTo(Succeed())
				Expect(current().DeploymentStatus).To(Equal("prepare_staging__failed"))
				sent := notes.all()
				Expect(sent).To(HaveLen(1))
				Expect(sent[0].Forced).To(BeTrue())
			})
		})

		It("accepts an override while halted", func() {
			rec := current()
			_, err := records.Update(ctx, appName, store.Update{
				ExpectedVersion: rec.ItemVersion,
				At:              clk.Now(),
				PipelineStatus:  store.Ptr(model.PipelineHalted),
			})
			Expect(err).NotTo(HaveOccurred())

			msg := trigger("cleanup")
			msg.Override = true
			Expect(engine.HandleDeployment(ctx, msg)).To(Succeed())
			Expect(current().DeploymentStatus).To(Equal("cleanup__inprogress"))
		})

		It("records a failure when the topology is inconsistent", func() {
			topo.err = fmt.Errorf("%w: two production layers", topology.ErrTopologyInvariant)

			err := handle("prepare_staging")
			Expect(err).To(MatchError(topology.ErrTopologyInvariant))
			Expect(Classify(err)).To(Equal(ClassFatal))

			rec := current()
			Expect(rec.DeploymentStatus).To(Equal("prepare_staging__failed"))
			Expect(rec.PipelineStatus).To(Equal(model.PipelineNotRunning))
			Expect(rec.FailedDeploymentsCount).To(BeEquivalentTo(1))
			Expect(rec.TotalDeploymentsCount).To(BeEquivalentTo(1))
			Expect(rec.LockHeld).To(BeFalse())
			Expect(executor.commands()).To(BeEmpty())

			sent := notes.all()
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].Forced).To(BeTrue())
		})

		It("wraps infrastructure errors and compensates", func() {
			executor.triggerErr = errors.New("throttled")

			err := handle("prepare_staging")
			var ext *ExternalServiceError
			Expect(errors.As(err, &ext)).To(BeTrue())
			Expect(ext.Service).To(Equal("infrastructure"))
			Expect(Classify(err)).To(Equal(ClassRetry))
			Expect(current().DeploymentStatus).To(Equal("prepare_staging__failed"))
		})

		It("leaves the record alone when artifacts cannot be resolved", func() {
			artifacts.err = errors.New("access denied")

			err := handle("prepare_staging")
			var ext *ExternalServiceError
			Expect(errors.As(err, &ext)).To(BeTrue())
			Expect(ext.Service).To(Equal("artifact-store"))

			rec := current()
			Expect(rec.DeploymentStatus).To(BeEmpty())
			Expect(rec.PipelineStatus).To(Equal(model.PipelineNotRunning))
			Expect(rec.LockHeld).To(BeFalse())
		})

		It("does not start an execution once the lock was taken over", func() {
			var rival *lock.Lease
			topo.during = func() {
				clk.Step(16 * time.Second)
				var err error
				rival, err = locks.Acquire(ctx, appName, "monitorDeployment")
				Expect(err).NotTo(HaveOccurred())
			}

			err := handle("prepare_staging")
			Expect(err).To(MatchError(lock.ErrLeaseExpired))
			Expect(Classify(err)).To(Equal(ClassRetry))
			Expect(executor.commands()).To(BeEmpty())

			rec := current()
			Expect(rec.LockOwner).To(Equal(rival.Owner))
			Expect(rec.DeploymentStatus).To(Equal("prepare_staging__inprogress"))
			Expect(rec.LastDeploymentID).To(BeEmpty())
		})

		It("gives up when the lock stays busy", func() {
			lease, err := locks.Acquire(ctx, appName, "bgctl")
			Expect(err).NotTo(HaveOccurred())
			Expect(lease.Record.LockHeld).To(BeTrue())

			err = handle("prepare_staging")
			Expect(err).To(MatchError(lock.ErrLockBusy))
			Expect(Classify(err)).To(Equal(ClassRetry))
			Expect(executor.commands()).To(BeEmpty())
		})
	})
})
