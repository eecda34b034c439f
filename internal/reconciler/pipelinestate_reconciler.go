// Package reconciler watches PipelineState objects written by the kubernetes
// state store and surfaces pipeline progress as Kubernetes events.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	bluegreenv1alpha1 "github.com/apptrail-sh/bluegreen/api/v1alpha1"
	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/store/kube"
)

// Event reasons
const (
	ReasonStageStarted      = "StageStarted"
	ReasonStageSucceeded    = "StageSucceeded"
	ReasonStageFailed       = "StageFailed"
	ReasonStageTimedOut     = "StageTimedOut"
	ReasonPipelineCompleted = "PipelineCompleted"
	ReasonPipelineHalted    = "PipelineHalted"
	ReasonPipelineReset     = "PipelineReset"
	ReasonDeploymentQueued  = "DeploymentQueued"
	ReasonStaleLock         = "StaleLock"
)

var (
	lockAgeGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bluegreen_lock_held_seconds",
		Help: "Seconds the pipeline lock of an application has been held, 0 when free",
	}, []string{"app"})

	registerOnce sync.Once
)

type observed struct {
	pipeline    model.PipelineStatus
	status      string
	queued      bool
	staleLockAt time.Time
}

// PipelineStateReconciler records an event for every pipeline transition and
// warns about locks held past their expiry.
type PipelineStateReconciler struct {
	client.Client
	Recorder   record.EventRecorder
	Pipeline   model.Pipeline
	LockExpiry time.Duration

	clock clock.PassiveClock
	mu    sync.Mutex
	seen  map[types.NamespacedName]observed
}

func NewPipelineStateReconciler(c client.Client, recorder record.EventRecorder, pipeline model.Pipeline, lockExpiry time.Duration, clk clock.PassiveClock) *PipelineStateReconciler {
	registerOnce.Do(func() {
		metrics.Registry.MustRegister(lockAgeGauge)
	})
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &PipelineStateReconciler{
		Client:     c,
		Recorder:   recorder,
		Pipeline:   pipeline,
		LockExpiry: lockExpiry,
		clock:      clk,
		seen:       make(map[types.NamespacedName]observed),
	}
}

// +kubebuilder:rbac:groups=bluegreen.apptrail.sh,resources=pipelinestates,verbs=get;list;watch
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

func (r *PipelineStateReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := ctrl.LoggerFrom(ctx)

	obj := &bluegreenv1alpha1.PipelineState{}
	if err := r.Get(ctx, req.NamespacedName, obj); err != nil {
		if apierrors.IsNotFound(err) {
			r.forget(req.NamespacedName)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	rec := kube.ToRecord(obj.Spec)

	r.mu.Lock()
	prev, known := r.seen[req.NamespacedName]
	current := observed{
		pipeline:    rec.PipelineStatus,
		status:      rec.DeploymentStatus,
		queued:      rec.DeploymentQueuedFlag,
		staleLockAt: prev.staleLockAt,
	}
	r.mu.Unlock()

	if known {
		r.recordTransition(obj, prev, current, rec)
	} else {
		log.V(1).Info("Observing pipeline", "app", rec.AppName, "pipeline", rec.PipelineStatus, "status", rec.DeploymentStatus)
	}

	result := r.checkLock(obj, rec, &current)

	r.mu.Lock()
	r.seen[req.NamespacedName] = current
	r.mu.Unlock()
	return result, nil
}

func (r *PipelineStateReconciler) recordTransition(obj *bluegreenv1alpha1.PipelineState, prev, current observed, rec model.DeploymentRecord) {
	if current.status != prev.status {
		if command, outcome, ok := model.ParseDeploymentStatus(current.status); ok {
			switch outcome {
			case model.OutcomeInProgress:
				r.Recorder.Eventf(obj, corev1.EventTypeNormal, ReasonStageStarted,
					"Stage %s started (deployment %s)", command, orDash(rec.LastDeploymentID))
			case model.OutcomeSuccessful:
				r.Recorder.Eventf(obj, corev1.EventTypeNormal, ReasonStageSucceeded,
					"Stage %s succeeded (deployment %s)", command, orDash(rec.LastDeploymentID))
				if command == r.Pipeline.Last() {
					r.Recorder.Eventf(obj, corev1.EventTypeNormal, ReasonPipelineCompleted,
						"Pipeline completed after %d deployments", rec.TotalDeploymentsCount)
				}
			case model.OutcomeFailed:
				r.Recorder.Eventf(obj, corev1.EventTypeWarning, ReasonStageFailed,
					"Stage %s failed (deployment %s)", command, orDash(rec.LastDeploymentID))
			case model.OutcomeTimedOut:
				r.Recorder.Eventf(obj, corev1.EventTypeWarning, ReasonStageTimedOut,
					"Stage %s timed out (deployment %s)", command, orDash(rec.LastDeploymentID))
			}
		}
	}

	if current.pipeline != prev.pipeline {
		switch {
		case current.pipeline == model.PipelineHalted:
			r.Recorder.Eventf(obj, corev1.EventTypeWarning, ReasonPipelineHalted,
				"Pipeline halted at %s; reset it before the next run", orDash(current.status))
		case prev.pipeline == model.PipelineHalted:
			r.Recorder.Eventf(obj, corev1.EventTypeNormal, ReasonPipelineReset,
				"Pipeline reset to %s", current.pipeline)
		}
	}

	if current.queued && !prev.queued {
		r.Recorder.Event(obj, corev1.EventTypeNormal, ReasonDeploymentQueued,
			"A new run was requested and will start when the current one succeeds")
	}
}

// checkLock keeps the lock age gauge current. A lock held past its expiry is
// reported once per acquisition; otherwise the object is requeued for when it
// would expire.
func (r *PipelineStateReconciler) checkLock(obj *bluegreenv1alpha1.PipelineState, rec model.DeploymentRecord, current *observed) ctrl.Result {
	if !rec.LockHeld {
		lockAgeGauge.WithLabelValues(rec.AppName).Set(0)
		current.staleLockAt = time.Time{}
		return ctrl.Result{}
	}

	age := r.clock.Since(rec.LockTimestamp)
	lockAgeGauge.WithLabelValues(rec.AppName).Set(age.Seconds())

	if r.LockExpiry <= 0 {
		return ctrl.Result{}
	}
	if age <= r.LockExpiry {
		return ctrl.Result{RequeueAfter: r.LockExpiry - age + time.Second}
	}
	if !current.staleLockAt.Equal(rec.LockTimestamp) {
		r.Recorder.Eventf(obj, corev1.EventTypeWarning, ReasonStaleLock,
			"Lock held by %s since %s is past its %s expiry",
			orDash(rec.LockOwner), rec.LockTimestamp.UTC().Format(time.RFC3339), r.LockExpiry)
		current.staleLockAt = rec.LockTimestamp
	}
	return ctrl.Result{}
}

func (r *PipelineStateReconciler) forget(key types.NamespacedName) {
	r.mu.Lock()
	delete(r.seen, key)
	r.mu.Unlock()
	lockAgeGauge.DeleteLabelValues(key.Name)
}

// SetupWithManager sets up the controller with the Manager.
func (r *PipelineStateReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&bluegreenv1alpha1.PipelineState{}, builder.WithPredicates(PipelineStateChangedPredicate())).
		Named("pipelinestate").
		Complete(r)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
