package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"resty.dev/v3"

	"github.com/apptrail-sh/bluegreen/internal/buildinfo"
	"github.com/apptrail-sh/bluegreen/internal/model"
)

type triggerOpts struct {
	*rootOpts
	command  string
	override bool
	monitor  bool
	url      string
}

func newTrigger(parent *rootOpts) *triggerOpts {
	return &triggerOpts{rootOpts: parent}
}

func (opts *triggerOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger <app>",
		Short: "Publish a stage or monitor trigger for an application.",
		Example: `  bgctl trigger shop
  bgctl trigger shop --command switch-traffic
  bgctl trigger shop --override
  bgctl trigger shop --monitor --url http://runner:8080`,
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.command, "command", "c", "", "pipeline command to run (default the first stage)")
	cmd.Flags().BoolVar(&opts.override, "override", false, "run the command regardless of the pipeline state")
	cmd.Flags().BoolVar(&opts.monitor, "monitor", false, "publish a monitor trigger instead of a stage trigger")
	cmd.Flags().StringVar(&opts.url, "url", "", "base URL of a runner; the trigger is posted to it instead of the bus")
	return cmd
}

func (opts *triggerOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedOneApp
	}
	msg, err := opts.message(args[0])
	if err != nil {
		return err
	}

	if opts.url != "" {
		return opts.post(cmd, msg)
	}

	publisher, err := opts.Triggers(cmd.Context())
	if err != nil {
		return err
	}
	if err := publisher.PublishTrigger(cmd.Context(), msg); err != nil {
		return err
	}
	cmd.Printf("%s %s published for %s\n", msg.Action, orDash(msg.Command), msg.App)
	return nil
}

func (opts *triggerOpts) message(app string) (model.TriggerMessage, error) {
	if _, ok := opts.Config.Application(app); !ok && len(opts.Config.Applications) > 0 {
		return model.TriggerMessage{}, fmt.Errorf("application %q is not configured", app)
	}

	action := model.ActionHandleDeployment
	command := opts.command
	if opts.monitor {
		if opts.override {
			return model.TriggerMessage{}, newUsageError("--override applies to stage triggers only")
		}
		action = model.ActionMonitorDeployment
	} else {
		if command == "" {
			command = opts.Config.Pipeline.First()
		}
		if _, ok := opts.Config.Pipeline.Spec(command); !ok {
			return model.TriggerMessage{}, fmt.Errorf("command %q is not part of the pipeline", command)
		}
	}

	msg := model.NewTriggerMessage(action, app, command, "", opts.Clock.Now())
	msg.Override = opts.override
	msg.Source = "bgctl"
	return msg, nil
}

// post delivers msg to a runner's message endpoint and reports how the
// runner classified it.
func (opts *triggerOpts) post(cmd *cobra.Command, msg model.TriggerMessage) error {
	client := resty.New().
		SetTimeout(30*time.Second).
		SetHeader("User-Agent", buildinfo.UserAgent("bgctl"))
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	var result map[string]any
	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(msg).
		SetResult(&result).
		SetError(&result).
		Post(strings.TrimSuffix(opts.url, "/") + "/v1/messages")
	if err != nil {
		return fmt.Errorf("post trigger: %w", err)
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		cmd.Printf("%s %s for %s: %v\n", msg.Action, orDash(msg.Command), msg.App, describe(result))
		return nil
	case http.StatusServiceUnavailable:
		cmd.Printf("%s %s for %s: still in progress, retry after %ss\n",
			msg.Action, orDash(msg.Command), msg.App, resp.Header().Get("Retry-After"))
		return nil
	default:
		return fmt.Errorf("runner answered %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
}

func describe(result map[string]any) string {
	status, _ := result["status"].(string)
	if reason, ok := result["reason"].(string); ok && reason != "" {
		return status + " (" + reason + ")"
	}
	return orDash(status)
}
