package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/store"
)

type resetOpts struct {
	*rootOpts
	force bool
}

func newReset(parent *rootOpts) *resetOpts {
	return &resetOpts{rootOpts: parent}
}

func (opts *resetOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <app>",
		Short: "Return a halted pipeline to NOT_RUNNING so the first stage can start again.",
		Example: `  bgctl reset shop
  bgctl reset shop --force   # also resets a RUNNING pipeline or one whose lock is held`,
		RunE: opts.RunE,
	}
	cmd.Flags().BoolVar(&opts.force, "force", false, "reset regardless of pipeline status and lock")
	return cmd
}

func (opts *resetOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedOneApp
	}
	app := args[0]

	rec, err := opts.Store.Get(cmd.Context(), app)
	if err != nil {
		return err
	}
	if !opts.force {
		if rec.PipelineStatus != model.PipelineHalted {
			return fmt.Errorf("pipeline of %s is %s, not %s; use --force to reset anyway",
				app, rec.PipelineStatus, model.PipelineHalted)
		}
		if rec.LockHeld {
			return fmt.Errorf("lock of %s is held by %s; run unlock first or use --force", app, orDash(rec.LockOwner))
		}
	}

	upd := store.Update{
		ExpectedVersion:  rec.ItemVersion,
		At:               opts.Clock.Now(),
		PipelineStatus:   store.Ptr(model.PipelineNotRunning),
		DeploymentQueued: store.Ptr(false),
	}
	if opts.force {
		upd.LockHeld = store.Ptr(false)
	}
	next, err := opts.Store.Update(cmd.Context(), app, upd)
	if err != nil {
		return err
	}
	cmd.Printf("%s reset: %s -> %s (version %d)\n", app, rec.PipelineStatus, next.PipelineStatus, next.ItemVersion)
	return nil
}
