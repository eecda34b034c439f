package store

import (
	"context"
	"errors"
	"time"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for an application.
	// Records are provisioned out of band and never created on demand.
	ErrNotFound = errors.New("deployment record not found")
	// ErrConcurrencyConflict is returned when the stored version or the write
	// condition does not match. Callers must re-read before retrying.
	ErrConcurrencyConflict = errors.New("deployment record was modified concurrently")
	// ErrAlreadyExists is returned when provisioning an existing record.
	ErrAlreadyExists = errors.New("deployment record already exists")
	// ErrUnavailable wraps transport failures of the backing store.
	ErrUnavailable = errors.New("state store unavailable")
)

// Store persists one DeploymentRecord per application.
type Store interface {
	// Get returns the current record for app.
	Get(ctx context.Context, app string) (*model.DeploymentRecord, error)
	// Update applies upd atomically if the stored version equals
	// upd.ExpectedVersion and upd.Condition holds. It returns the new record.
	Update(ctx context.Context, app string, upd Update) (*model.DeploymentRecord, error)
}

// Provisioner is implemented by backends that can create and reset records.
// It is used by operator tooling, the heartbeat and tests; the pipeline
// itself never creates records.
type Provisioner interface {
	Create(ctx context.Context, rec model.DeploymentRecord) error
	List(ctx context.Context) ([]model.DeploymentRecord, error)
}

// Condition narrows an update beyond the version check.
type Condition struct {
	// LockAvailableBefore requires the lock to be free or stamped at or before
	// this instant.
	LockAvailableBefore *time.Time
	// LockHeld requires the lock to be currently held.
	LockHeld bool
}

// Update is a sparse set of field changes. Nil pointers leave the stored
// value untouched. Counter fields are increments.
type Update struct {
	ExpectedVersion int64
	At              time.Time

	DeploymentStatus *string
	PipelineStatus   *model.PipelineStatus
	LastCommand      *string
	LastDeploymentID *string

	LockHeld      *bool
	LockOwner     *string
	LockTimestamp *time.Time

	DeploymentQueued *bool

	DeploymentBegin *time.Time
	DeploymentEnd   *time.Time
	StageStarted    *time.Time

	IncrementTotal  int64
	IncrementFailed int64

	Condition Condition
}

// Check reports whether rec satisfies the version and condition of upd.
func (u Update) Check(rec *model.DeploymentRecord) error {
	if rec.ItemVersion != u.ExpectedVersion {
		return ErrConcurrencyConflict
	}
	if u.Condition.LockHeld && !rec.LockHeld {
		return ErrConcurrencyConflict
	}
	if t := u.Condition.LockAvailableBefore; t != nil && rec.LockHeld && rec.LockTimestamp.After(*t) {
		return ErrConcurrencyConflict
	}
	return nil
}

// Apply returns a copy of rec with upd applied, including the version bump.
// Backends without native partial updates use it after Check.
func (u Update) Apply(rec model.DeploymentRecord) model.DeploymentRecord {
	out := rec
	out.ItemVersion = u.ExpectedVersion + 1
	out.LastUpdatedDatetime = u.At.UTC()

	if u.DeploymentStatus != nil {
		out.DeploymentStatus = *u.DeploymentStatus
	}
	if u.PipelineStatus != nil {
		out.PipelineStatus = *u.PipelineStatus
	}
	if u.LastCommand != nil {
		out.LastCommand = *u.LastCommand
	}
	if u.LastDeploymentID != nil {
		out.LastDeploymentID = *u.LastDeploymentID
	}
	if u.LockHeld != nil {
		out.LockHeld = *u.LockHeld
	}
	if u.LockOwner != nil {
		out.LockOwner = *u.LockOwner
	}
	if u.LockTimestamp != nil {
		out.LockTimestamp = u.LockTimestamp.UTC()
	}
	if u.DeploymentQueued != nil {
		out.DeploymentQueuedFlag = *u.DeploymentQueued
	}
	if u.DeploymentBegin != nil {
		out.DeploymentBeginDatetime = u.DeploymentBegin.UTC()
	}
	if u.DeploymentEnd != nil {
		out.DeploymentEndDatetime = u.DeploymentEnd.UTC()
	}
	if u.StageStarted != nil {
		out.StageStartedDatetime = u.StageStarted.UTC()
	}
	out.TotalDeploymentsCount += u.IncrementTotal
	out.FailedDeploymentsCount += u.IncrementFailed
	return out
}

// Ptr returns a pointer to v. It keeps sparse updates readable at call sites.
func Ptr[T any](v T) *T {
	return &v
}
