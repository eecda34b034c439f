package bootstrap

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	bluegreenv1alpha1 "github.com/apptrail-sh/bluegreen/api/v1alpha1"
	"github.com/apptrail-sh/bluegreen/internal/config"
	"github.com/apptrail-sh/bluegreen/internal/reconciler"
)

// newEventManager builds a controller manager scoped to the store namespace
// that records Kubernetes events for PipelineState changes. Only the leader
// records, so replicas do not duplicate events. Metrics are served by the
// runner's own HTTP server.
func newEventManager(cfg *config.Config, clk clock.PassiveClock) (ctrl.Manager, error) {
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}

	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(bluegreenv1alpha1.AddToScheme(scheme))

	mgr, err := ctrl.NewManager(restConfig, ctrl.Options{
		Scheme:                  scheme,
		Metrics:                 metricsserver.Options{BindAddress: "0"},
		HealthProbeBindAddress:  "0",
		LeaderElection:          true,
		LeaderElectionID:        "events.bluegreen.apptrail.sh",
		LeaderElectionNamespace: cfg.Store.Namespace,
		Cache: cache.Options{
			DefaultNamespaces: map[string]cache.Config{cfg.Store.Namespace: {}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create event manager: %w", err)
	}

	r := reconciler.NewPipelineStateReconciler(
		mgr.GetClient(),
		mgr.GetEventRecorderFor(component),
		cfg.Pipeline,
		cfg.Lock.Expiry.Duration,
		clk,
	)
	if err := r.SetupWithManager(mgr); err != nil {
		return nil, fmt.Errorf("set up pipelinestate reconciler: %w", err)
	}
	return mgr, nil
}
