package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

type statusOpts struct {
	*rootOpts
	output    string
	noHeaders bool
}

func newStatus(parent *rootOpts) *statusOpts {
	return &statusOpts{rootOpts: parent}
}

func (opts *statusOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [app...]",
		Short: "Show the deployment record of every application, or of the named ones.",
		Example: `  bgctl status
  bgctl status shop billing -o json`,
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.output, "output-format", "o", outputFormatTab, "output format (tab|json)")
	cmd.Flags().BoolVar(&opts.noHeaders, "no-headers", false, "don't print headers (default print headers)")
	return cmd
}

func (opts *statusOpts) RunE(cmd *cobra.Command, args []string) error {
	if opts.output != outputFormatTab && opts.output != outputFormatJSON {
		return errorInvalidOutputFormat
	}

	var records []model.DeploymentRecord
	if len(args) == 0 {
		all, err := opts.Store.List(cmd.Context())
		if err != nil {
			return err
		}
		records = all
	}
	for _, app := range args {
		rec, err := opts.Store.Get(cmd.Context(), app)
		if err != nil {
			return err
		}
		records = append(records, *rec)
	}

	if opts.output == outputFormatJSON {
		return outputRecordsJSON(records, cmd.OutOrStdout())
	}
	return outputRecordsTab(records, cmd.OutOrStdout(), opts.noHeaders)
}

func outputRecordsJSON(records []model.DeploymentRecord, out io.Writer) error {
	if records == nil {
		records = []model.DeploymentRecord{}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(records)
}

func outputRecordsTab(records []model.DeploymentRecord, out io.Writer, noHeaders bool) error {
	w := newTabwriter(out)
	if !noHeaders {
		fmt.Fprintln(w, "APP\tPIPELINE\tSTATUS\tDEPLOYMENT\tLOCK\tQUEUED\tDEPLOYS\tFAILED\tUPDATED")
	}
	for _, rec := range records {
		lockState := "free"
		if rec.LockHeld {
			lockState = fmt.Sprintf("%s@%s", orDash(rec.LockOwner), formatTime(rec.LockTimestamp))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%d\t%d\t%s\n",
			rec.AppName,
			rec.PipelineStatus,
			orDash(rec.DeploymentStatus),
			orDash(rec.LastDeploymentID),
			lockState,
			rec.DeploymentQueuedFlag,
			rec.TotalDeploymentsCount,
			rec.FailedDeploymentsCount,
			formatTime(rec.LastUpdatedDatetime),
		)
	}
	return w.Flush()
}
