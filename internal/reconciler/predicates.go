package reconciler

import (
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/predicate"

	bluegreenv1alpha1 "github.com/apptrail-sh/bluegreen/api/v1alpha1"
)

// PipelineStateChangedPredicate passes updates that move the pipeline, the
// stage status, the queue flag or the lock. Writes that only bump the item
// version or the update timestamp are filtered out.
func PipelineStateChangedPredicate() predicate.Predicate {
	return predicate.Funcs{
		CreateFunc:  func(e event.CreateEvent) bool { return true },
		DeleteFunc:  func(e event.DeleteEvent) bool { return true },
		GenericFunc: func(e event.GenericEvent) bool { return true },
		UpdateFunc: func(e event.UpdateEvent) bool {
			oldObj, okOld := e.ObjectOld.(*bluegreenv1alpha1.PipelineState)
			newObj, okNew := e.ObjectNew.(*bluegreenv1alpha1.PipelineState)
			if !okOld || !okNew {
				return true
			}
			return pipelineStateChanged(oldObj.Spec, newObj.Spec)
		},
	}
}

func pipelineStateChanged(oldSpec, newSpec bluegreenv1alpha1.PipelineStateSpec) bool {
	if oldSpec.PipelineStatus != newSpec.PipelineStatus {
		return true
	}
	if oldSpec.DeploymentStatus != newSpec.DeploymentStatus {
		return true
	}
	if oldSpec.DeploymentQueuedFlag != newSpec.DeploymentQueuedFlag {
		return true
	}
	if oldSpec.LockHeld != newSpec.LockHeld {
		return true
	}
	return !oldSpec.LockTimestamp.Equal(&newSpec.LockTimestamp)
}
