// Package kube stores deployment records as PipelineState custom resources.
package kube

import (
	"context"
	"fmt"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"

	bluegreenv1alpha1 "github.com/apptrail-sh/bluegreen/api/v1alpha1"
	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/store"
)

// Store keeps one PipelineState per application in a single namespace. The
// object name is the application name.
type Store struct {
	client    client.Client
	namespace string
}

func New(c client.Client, namespace string) *Store {
	return &Store{client: c, namespace: namespace}
}

func (s *Store) get(ctx context.Context, app string) (*bluegreenv1alpha1.PipelineState, error) {
	var obj bluegreenv1alpha1.PipelineState
	if err := s.client.Get(ctx, client.ObjectKey{Namespace: s.namespace, Name: app}, &obj); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("app %q: %w", app, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get %q: %w: %v", app, store.ErrUnavailable, err)
	}
	return &obj, nil
}

func (s *Store) Get(ctx context.Context, app string) (*model.DeploymentRecord, error) {
	obj, err := s.get(ctx, app)
	if err != nil {
		return nil, err
	}
	rec := ToRecord(obj.Spec)
	return &rec, nil
}

// Update relies on the API server's resourceVersion check in addition to the
// item version, so a write racing between our read and our update conflicts.
func (s *Store) Update(ctx context.Context, app string, upd store.Update) (*model.DeploymentRecord, error) {
	obj, err := s.get(ctx, app)
	if err != nil {
		return nil, err
	}
	current := ToRecord(obj.Spec)
	if err := upd.Check(&current); err != nil {
		return nil, fmt.Errorf("app %q at version %d: %w", app, upd.ExpectedVersion, err)
	}
	next := upd.Apply(current)
	obj.Spec = toSpec(next)

	if err := s.client.Update(ctx, obj); err != nil {
		switch {
		case apierrors.IsConflict(err):
			return nil, fmt.Errorf("app %q at version %d: %w", app, upd.ExpectedVersion, store.ErrConcurrencyConflict)
		case apierrors.IsNotFound(err):
			return nil, fmt.Errorf("app %q: %w", app, store.ErrNotFound)
		default:
			return nil, fmt.Errorf("update %q: %w: %v", app, store.ErrUnavailable, err)
		}
	}
	return &next, nil
}

func (s *Store) Create(ctx context.Context, rec model.DeploymentRecord) error {
	obj := &bluegreenv1alpha1.PipelineState{
		ObjectMeta: metav1.ObjectMeta{
			Name:      rec.AppName,
			Namespace: s.namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "bluegreen",
			},
		},
		Spec: toSpec(rec),
	}
	if err := s.client.Create(ctx, obj); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("app %q: %w", rec.AppName, store.ErrAlreadyExists)
		}
		return fmt.Errorf("create %q: %w: %v", rec.AppName, store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]model.DeploymentRecord, error) {
	var list bluegreenv1alpha1.PipelineStateList
	if err := s.client.List(ctx, &list, client.InNamespace(s.namespace)); err != nil {
		return nil, fmt.Errorf("list pipeline states: %w: %v", store.ErrUnavailable, err)
	}
	out := make([]model.DeploymentRecord, 0, len(list.Items))
	for _, item := range list.Items {
		out = append(out, ToRecord(item.Spec))
	}
	return out, nil
}

// ToRecord converts a PipelineState spec to the record it persists.
func ToRecord(spec bluegreenv1alpha1.PipelineStateSpec) model.DeploymentRecord {
	return model.DeploymentRecord{
		AppName:                 spec.AppName,
		ItemVersion:             spec.ItemVersion,
		DeploymentStatus:        spec.DeploymentStatus,
		PipelineStatus:          model.PipelineStatus(spec.PipelineStatus),
		LastCommand:             spec.LastCommand,
		LastDeploymentID:        spec.LastDeploymentID,
		LockHeld:                spec.LockHeld,
		LockOwner:               spec.LockOwner,
		LockTimestamp:           fromMicro(spec.LockTimestamp),
		DeploymentQueuedFlag:    spec.DeploymentQueuedFlag,
		DeploymentBeginDatetime: fromMicro(spec.DeploymentBeginDatetime),
		DeploymentEndDatetime:   fromMicro(spec.DeploymentEndDatetime),
		StageStartedDatetime:    fromMicro(spec.StageStartedDatetime),
		LastUpdatedDatetime:     fromMicro(spec.LastUpdatedDatetime),
		TotalDeploymentsCount:   spec.TotalDeploymentsCount,
		FailedDeploymentsCount:  spec.FailedDeploymentsCount,
	}
}

func toSpec(rec model.DeploymentRecord) bluegreenv1alpha1.PipelineStateSpec {
	return bluegreenv1alpha1.PipelineStateSpec{
		AppName:                 rec.AppName,
		ItemVersion:             rec.ItemVersion,
		DeploymentStatus:        rec.DeploymentStatus,
		PipelineStatus:          string(rec.PipelineStatus),
		LastCommand:             rec.LastCommand,
		LastDeploymentID:        rec.LastDeploymentID,
		LockHeld:                rec.LockHeld,
		LockOwner:               rec.LockOwner,
		LockTimestamp:           toMicro(rec.LockTimestamp),
		DeploymentQueuedFlag:    rec.DeploymentQueuedFlag,
		DeploymentBeginDatetime: toMicro(rec.DeploymentBeginDatetime),
		DeploymentEndDatetime:   toMicro(rec.DeploymentEndDatetime),
		StageStartedDatetime:    toMicro(rec.StageStartedDatetime),
		LastUpdatedDatetime:     toMicro(rec.LastUpdatedDatetime),
		TotalDeploymentsCount:   rec.TotalDeploymentsCount,
		FailedDeploymentsCount:  rec.FailedDeploymentsCount,
	}
}

func toMicro(t time.Time) metav1.MicroTime {
	if t.IsZero() {
		return metav1.MicroTime{}
	}
	return metav1.NewMicroTime(t.UTC())
}

func fromMicro(t metav1.MicroTime) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}
