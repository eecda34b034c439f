// Package topology works out which color is live and which layers and
// instances the next stage must target.
package topology

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

// ErrTopologyInvariant is returned when the live environment cannot be
// mapped to exactly one color. There is no safe default in that case.
var ErrTopologyInvariant = errors.New("topology invariant violated")

// Infrastructure lists what the infrastructure-automation service manages.
type Infrastructure interface {
	ListInstances(ctx context.Context, stackID string) ([]model.Instance, error)
	ListLayers(ctx context.Context, stackID string) ([]model.Layer, error)
}

// UpstreamSource reports the servers the load balancer sends production traffic to.
type UpstreamSource interface {
	ProductionServers(ctx context.Context, lb model.LoadBalancer) ([]string, error)
}

// Config holds configuration for the resolver
type Config struct {
	// Timeout bounds the combined discovery calls
	Timeout time.Duration
	// Environment is written to the custom payload's "env" key
	Environment string
	// FrontendModule names the module whose layer is exposed as "layer"
	FrontendModule string
}

// DefaultConfig returns the default resolver configuration
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		Environment:    "stage",
		FrontendModule: "frontend",
	}
}

// Resolver computes TargetEnvironmentConfig for a stage
type Resolver struct {
	config   Config
	infra    Infrastructure
	upstream UpstreamSource
}

// NewResolver creates a resolver over the given collaborators
func NewResolver(cfg Config, infra Infrastructure, upstream UpstreamSource) *Resolver {
	return &Resolver{
		config:   cfg,
		infra:    infra,
		upstream: upstream,
	}
}

type discovery struct {
	servers   []string
	instances []model.Instance
	layers    []model.Layer
}

// discover runs the three independent lookups concurrently.
func (r *Resolver) discover(ctx context.Context, app model.Application) (*discovery, error) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	var (
		wg   sync.WaitGroup
		d    discovery
		errs [3]error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		d.servers, errs[0] = r.upstream.ProductionServers(ctx, app.LoadBalancer)
	}()
	go func() {
		defer wg.Done()
		d.instances, errs[1] = r.infra.ListInstances(ctx, app.StackID)
	}()
	go func() {
		defer wg.Done()
		d.layers, errs[2] = r.infra.ListLayers(ctx, app.StackID)
	}()
	wg.Wait()

	if err := errors.Join(errs[:]...); err != nil {
		return nil, err
	}
	return &d, nil
}

// Resolve discovers the live color and computes the target layers,
// instances and payload for spec.
func (r *Resolver) Resolve(
	ctx context.Context,
	app model.Application,
	spec model.CommandSpec,
	versions []model.ArtifactVersion,
) (*model.TargetEnvironmentConfig, error) {
	logger := log.FromContext(ctx)

	d, err := r.discover(ctx, app)
	if err != nil {
		return nil, err
	}

	production, layer, err := ProductionColor(d.servers, d.instances, d.layers)
	if err != nil {
		return nil, err
	}
	target, _ := production.Opposite()

	targetLayers := TargetLayers(spec, target)
	instanceIDs, err := InstancesInLayers(d.instances, d.layers, targetLayers)
	if err != nil {
		return nil, err
	}

	cfg := &model.TargetEnvironmentConfig{
		ProductionColor:   production,
		TargetColor:       target,
		TargetLayers:      targetLayers,
		TargetInstanceIDs: instanceIDs,
		CommandSpec:       spec,
	}
	if spec.SendCustomJSON {
		cfg.CustomPayload = r.customPayload(app, target, versions)
	}

	logger.Info("Resolved target environment",
		"app", app.Name,
		"command", spec.Command,
		"productionLayer", layer.ShortName,
		"productionColor", production,
		"targetColor", target,
		"targetLayers", targetLayers,
		"instances", len(instanceIDs),
	)
	return cfg, nil
}

// ProductionColor maps the upstream servers to exactly one layer and parses
// its color out of the "app_<color>_<module>" short name.
func ProductionColor(servers []string, instances []model.Instance, layers []model.Layer) (model.Color, model.Layer, error) {
	live := make(map[string]bool, len(servers))
	for _, s := range servers {
		live[strings.ToLower(s)] = true
	}

	var layerID string
	for _, inst := range instances {
		if !slices.ContainsFunc(inst.Addresses(), func(a string) bool { return live[strings.ToLower(a)] }) {
			continue
		}
		if len(inst.LayerIDs) != 1 {
			return "", model.Layer{}, fmt.Errorf("%w: instance %s belongs to %d layers", ErrTopologyInvariant, inst.ID, len(inst.LayerIDs))
		}
		switch {
		case layerID == "":
			layerID = inst.LayerIDs[0]
		case layerID != inst.LayerIDs[0]:
			return "", model.Layer{}, fmt.Errorf("%w: production servers span layers %s and %s", ErrTopologyInvariant, layerID, inst.LayerIDs[0])
		}
	}
	if layerID == "" {
		return "", model.Layer{}, fmt.Errorf("%w: no instance matches the production upstream %v", ErrTopologyInvariant, servers)
	}

	var matched []model.Layer
	for _, l := range layers {
		if l.ID == layerID {
			matched = append(matched, l)
		}
	}
	if len(matched) != 1 {
		return "", model.Layer{}, fmt.Errorf("%w: %d layers found for id %s", ErrTopologyInvariant, len(matched), layerID)
	}

	color, err := ParseLayerColor(matched[0].ShortName)
	if err != nil {
		return "", model.Layer{}, err
	}
	return color, matched[0], nil
}

// ParseLayerColor extracts the color from "app_<color>_<module>".
func ParseLayerColor(shortName string) (model.Color, error) {
	parts := strings.Split(shortName, "_")
	if len(parts) != 3 || parts[0] != "app" || parts[2] == "" {
		return "", fmt.Errorf("%w: layer %q is not named app_<blue|green>_<module>", ErrTopologyInvariant, shortName)
	}
	color := model.Color(parts[1])
	if _, ok := color.Opposite(); !ok {
		return "", fmt.Errorf("%w: layer %q has unknown color %q", ErrTopologyInvariant, shortName, parts[1])
	}
	return color, nil
}

// TargetLayers substitutes the target color into color-specific layer types
// and keeps the others literally.
func TargetLayers(spec model.CommandSpec, target model.Color) []string {
	out := make([]string, 0, len(spec.TargetLayerTypes))
	for _, lt := range spec.TargetLayerTypes {
		if model.IsColorLayer(lt) {
			out = append(out, model.ColorLayerName(target, model.ColorLayerModule(lt)))
			continue
		}
		out = append(out, lt)
	}
	return out
}

// InstancesInLayers returns the ids of instances in any of the named layers,
// in instance order and without duplicates.
func InstancesInLayers(instances []model.Instance, layers []model.Layer, names []string) ([]string, error) {
	wanted := make(map[string]bool)
	for _, name := range names {
		found := false
		for _, l := range layers {
			if l.ShortName == name {
				wanted[l.ID] = true
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: target layer %q does not exist", ErrTopologyInvariant, name)
		}
	}

	var ids []string
	for _, inst := range instances {
		if slices.ContainsFunc(inst.LayerIDs, func(id string) bool { return wanted[id] }) {
			ids = append(ids, inst.ID)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no instances in target layers %v", ErrTopologyInvariant, names)
	}
	return ids, nil
}

func (r *Resolver) customPayload(app model.Application, target model.Color, versions []model.ArtifactVersion) map[string]any {
	modules := make(map[string]any, len(app.Modules))
	payload := map[string]any{
		"env":               r.config.Environment,
		"target_color":      string(target),
		"blue_green_deploy": modules,
	}
	for _, m := range app.Modules {
		layer := model.ColorLayerName(target, m.Name)
		entry := map[string]any{"layers": layer}
		for _, v := range versions {
			if v.Module != m.Name {
				continue
			}
			entry["version_id"] = v.VersionID
			if v.CommitID != "" {
				entry["commit_id"] = v.CommitID
			}
		}
		modules[m.Name] = entry
		if m.Name == r.config.FrontendModule {
			payload["layer"] = layer
		}
	}
	return payload
}
