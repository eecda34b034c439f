package model

import (
	"fmt"
	"slices"
	"strings"
)

// HaltPipeline is the onfail value that stops the pipeline until an operator
// resets it.
const HaltPipeline = "__HALT_PIPELINE__"

// appLayerPrefix marks layer types that are resolved per color.
const appLayerPrefix = "app_"

// CommandSpec describes one stage of the pipeline.
type CommandSpec struct {
	Command          string   `json:"command"`
	Recipes          []string `json:"recipes,omitempty"`
	TargetLayerTypes []string `json:"targetLayerTypes"`
	OnfailCommand    string   `json:"onfailCommand,omitempty"`
	SendCustomJSON   bool     `json:"sendCustomJson"`
}

// HaltsOnFailure reports whether a failure of this stage halts the pipeline.
func (c CommandSpec) HaltsOnFailure() bool {
	return c.OnfailCommand == HaltPipeline
}

// IsColorLayer reports whether a target layer type is color specific.
func IsColorLayer(layerType string) bool {
	return strings.HasPrefix(layerType, appLayerPrefix)
}

// ColorLayerModule returns the module part of an "app_<module>" layer type.
func ColorLayerModule(layerType string) string {
	return strings.TrimPrefix(layerType, appLayerPrefix)
}

// ColorLayerName builds the concrete "app_<color>_<module>" layer name.
func ColorLayerName(color Color, module string) string {
	return strings.Join([]string{"app", string(color), module}, "_")
}

// Pipeline is the static command table plus the ordered main sequence.
type Pipeline struct {
	Commands []CommandSpec `json:"commands"`
	Sequence []string      `json:"sequence"`
}

// Spec returns the CommandSpec for command.
func (p Pipeline) Spec(command string) (CommandSpec, bool) {
	for _, c := range p.Commands {
		if c.Command == command {
			return c, true
		}
	}
	return CommandSpec{}, false
}

// First returns the first command of the main sequence.
func (p Pipeline) First() string {
	if len(p.Sequence) == 0 {
		return ""
	}
	return p.Sequence[0]
}

// Last returns the last command of the main sequence.
func (p Pipeline) Last() string {
	if len(p.Sequence) == 0 {
		return ""
	}
	return p.Sequence[len(p.Sequence)-1]
}

// IsFirst reports whether command starts the main sequence.
func (p Pipeline) IsFirst(command string) bool {
	return command != "" && command == p.First()
}

// InSequence reports whether command is part of the main sequence.
func (p Pipeline) InSequence(command string) bool {
	return slices.Contains(p.Sequence, command)
}

// Next returns the command following command in the main sequence.
func (p Pipeline) Next(command string) (string, bool) {
	i := slices.Index(p.Sequence, command)
	if i < 0 || i+1 >= len(p.Sequence) {
		return "", false
	}
	return p.Sequence[i+1], true
}

// Validate checks the table for inconsistencies that would make the
// orchestrator misbehave at runtime.
func (p Pipeline) Validate() error {
	if len(p.Sequence) == 0 {
		return fmt.Errorf("pipeline sequence is empty")
	}
	seen := make(map[string]bool, len(p.Commands))
	for _, c := range p.Commands {
		if c.Command == "" {
			return fmt.Errorf("command table contains an entry without a name")
		}
		if seen[c.Command] {
			return fmt.Errorf("duplicate command %q", c.Command)
		}
		seen[c.Command] = true
		for _, lt := range c.TargetLayerTypes {
			if IsColorLayer(lt) && ColorLayerModule(lt) == "" {
				return fmt.Errorf("command %q: layer type %q has no module", c.Command, lt)
			}
		}
	}
	for _, c := range p.Commands {
		if c.OnfailCommand != "" && c.OnfailCommand != HaltPipeline && !seen[c.OnfailCommand] {
			return fmt.Errorf("command %q: unknown onfail command %q", c.Command, c.OnfailCommand)
		}
	}
	inSeq := make(map[string]bool, len(p.Sequence))
	for _, s := range p.Sequence {
		if !seen[s] {
			return fmt.Errorf("sequence entry %q is not in the command table", s)
		}
		if inSeq[s] {
			return fmt.Errorf("sequence entry %q appears twice", s)
		}
		inSeq[s] = true
	}
	return nil
}

// DefaultPipeline returns the blue/green rollout used when no settings file
// overrides it.
func DefaultPipeline() Pipeline {
	return Pipeline{
		Commands: []CommandSpec{
			{
				Command:          "prepare_staging",
				Recipes:          []string{"blue_green_deploy::kill_containers", "blue_green_deploy::prepare_staging"},
				TargetLayerTypes: []string{"app_frontend", "app_backend"},
				SendCustomJSON:   true,
			},
			{
				Command:          "deploy",
				TargetLayerTypes: []string{"load-balancer", "app_frontend", "app_backend"},
				SendCustomJSON:   true,
			},
			{
				Command:          "test_staging",
				Recipes:          []string{"blue_green_deploy::run_tests"},
				TargetLayerTypes: []string{"load-balancer"},
			},
			{
				Command:          "prepare_stg_for_prod",
				Recipes:          []string{"blue_green_deploy::prepare_stg_for_prod"},
				TargetLayerTypes: []string{"app_frontend", "app_backend"},
				OnfailCommand:    "rollback_staging",
				SendCustomJSON:   true,
			},
			{
				Command:          "switch_to_prod",
				Recipes:          []string{"blue_green_deploy::switch_to_prod"},
				TargetLayerTypes: []string{"load-balancer"},
				OnfailCommand:    "rollback_staging",
			},
			{
				Command:          "cleanup",
				Recipes:          []string{"blue_green_deploy::kill_old_containers"},
				TargetLayerTypes: []string{"app_frontend", "app_backend"},
				SendCustomJSON:   true,
			},
			{
				Command:          "rollback_staging",
				Recipes:          []string{"blue_green_deploy::rollback_staging"},
				TargetLayerTypes: []string{"app_frontend", "app_backend"},
				OnfailCommand:    HaltPipeline,
			},
		},
		Sequence: []string{
			"prepare_staging",
			"deploy",
			"test_staging",
			"prepare_stg_for_prod",
			"switch_to_prod",
			"cleanup",
		},
	}
}
