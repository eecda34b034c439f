package main

import (
	"github.com/spf13/cobra"
)

type unlockOpts struct {
	*rootOpts
}

func newUnlock(parent *rootOpts) *unlockOpts {
	return &unlockOpts{rootOpts: parent}
}

func (opts *unlockOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:     "unlock <app>",
		Short:   "Release the pipeline lock of an application regardless of its holder.",
		Example: `  bgctl unlock shop`,
		RunE:    opts.RunE,
	}
}

func (opts *unlockOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedOneApp
	}
	app := args[0]

	before, err := opts.Store.Get(cmd.Context(), app)
	if err != nil {
		return err
	}
	if !before.LockHeld {
		cmd.Printf("%s is not locked\n", app)
		return nil
	}

	if _, err := opts.Locks().ForceRelease(cmd.Context(), app); err != nil {
		return err
	}
	cmd.Printf("%s unlocked (was held by %s since %s)\n", app, orDash(before.LockOwner), formatTime(before.LockTimestamp))
	return nil
}
