// Package lock implements the advisory lock embedded in a deployment record.
// Lock changes go through the same versioned write as status changes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/store"
)

var (
	// ErrLockBusy is returned when the lock could not be taken within the
	// configured attempts.
	ErrLockBusy = errors.New("lock busy")
	// ErrLockLost is returned on release when the lock expired and another
	// holder took it over.
	ErrLockLost = errors.New("lock lost to another holder")
	// ErrLeaseExpired is returned by Check once a lease outlived the expiry
	// and may be taken over.
	ErrLeaseExpired = errors.New("lease expired")
)

// Config holds the lock timings.
type Config struct {
	// Expiry bounds how long a crashed holder blocks others.
	Expiry time.Duration
	// RetryInterval is the fixed wait between attempts.
	RetryInterval time.Duration
	// MaxAttempts bounds acquire and release attempts.
	MaxAttempts int
}

// DefaultConfig returns the default lock configuration
func DefaultConfig() Config {
	return Config{
		Expiry:        15 * time.Second,
		RetryInterval: time.Second,
		MaxAttempts:   5,
	}
}

// Lease is a held lock. Record is the latest record written by the holder
// and must be refreshed after every write made under the lock.
type Lease struct {
	App    string
	Owner  string
	Record *model.DeploymentRecord
}

type Manager struct {
	store  store.Store
	config Config
	clock  clock.PassiveClock
}

func NewManager(s store.Store, cfg Config, clk clock.PassiveClock) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Manager{store: s, config: cfg, clock: clk}
}

func (m *Manager) backoff() wait.Backoff {
	steps := m.config.MaxAttempts
	if steps < 1 {
		steps = 1
	}
	return wait.Backoff{Duration: m.config.RetryInterval, Factor: 1, Steps: steps}
}

// Acquire takes the lock for app. lockName identifies the entry point; a
// unique suffix is added so that a release never frees someone else's lock.
func (m *Manager) Acquire(ctx context.Context, app, lockName string) (*Lease, error) {
	logger := log.FromContext(ctx)
	owner := lockName + "/" + uuid.NewString()

	var lease *Lease
	err := wait.ExponentialBackoffWithContext(ctx, m.backoff(), func(ctx context.Context) (bool, error) {
		current, err := m.store.Get(ctx, app)
		if err != nil {
			return false, err
		}
		now := m.clock.Now()
		if !current.LockAvailable(now, m.config.Expiry) {
			logger.V(1).Info("Lock held, retrying", "app", app, "holder", current.LockOwner)
			return false, nil
		}
		next, err := m.store.Update(ctx, app, store.Update{
			ExpectedVersion: current.ItemVersion,
			At:              now,
			LockHeld:        store.Ptr(true),
			LockOwner:       store.Ptr(owner),
			LockTimestamp:   store.Ptr(now),
			Condition:       store.Condition{LockAvailableBefore: store.Ptr(now.Add(-m.config.Expiry))},
		})
		if errors.Is(err, store.ErrConcurrencyConflict) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if current.LockHeld {
			logger.Info("Took over expired lock", "app", app, "previousHolder", current.LockOwner)
		}
		lease = &Lease{App: app, Owner: owner, Record: next}
		return true, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if wait.Interrupted(err) {
			return nil, fmt.Errorf("app %q after %d attempts: %w", app, m.backoff().Steps, ErrLockBusy)
		}
		return nil, err
	}
	logger.V(1).Info("Lock acquired", "app", app, "owner", owner)
	return lease, nil
}

// Check fails with ErrLeaseExpired when another caller may already have taken
// the lock over. Holders call it before side effects outside the store.
func (m *Manager) Check(lease *Lease) error {
	if m.config.Expiry <= 0 {
		return nil
	}
	age := m.clock.Since(lease.Record.LockTimestamp)
	if age > m.config.Expiry {
		return fmt.Errorf("app %q held for %s: %w", lease.App, age, ErrLeaseExpired)
	}
	return nil
}

// Release frees the lock held by lease.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	logger := log.FromContext(ctx)

	err := wait.ExponentialBackoffWithContext(ctx, m.backoff(), func(ctx context.Context) (bool, error) {
		current, err := m.store.Get(ctx, lease.App)
		if err != nil {
			return false, err
		}
		if !current.LockHeld {
			logger.Info("Lock already released", "app", lease.App, "owner", lease.Owner)
			return true, nil
		}
		if current.LockOwner != lease.Owner {
			return false, fmt.Errorf("app %q held by %q: %w", lease.App, current.LockOwner, ErrLockLost)
		}
		next, err := m.store.Update(ctx, lease.App, store.Update{
			ExpectedVersion: current.ItemVersion,
			At:              m.clock.Now(),
			LockHeld:        store.Ptr(false),
			Condition:       store.Condition{LockHeld: true},
		})
		if errors.Is(err, store.ErrConcurrencyConflict) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		lease.Record = next
		return true, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if wait.Interrupted(err) {
			return fmt.Errorf("release %q: %w", lease.App, ErrLockBusy)
		}
		return err
	}
	logger.V(1).Info("Lock released", "app", lease.App, "owner", lease.Owner)
	return nil
}

// ForceRelease clears the lock regardless of holder. Operator use only.
func (m *Manager) ForceRelease(ctx context.Context, app string) (*model.DeploymentRecord, error) {
	current, err := m.store.Get(ctx, app)
	if err != nil {
		return nil, err
	}
	if !current.LockHeld {
		return current, nil
	}
	return m.store.Update(ctx, app, store.Update{
		ExpectedVersion: current.ItemVersion,
		At:              m.clock.Now(),
		LockHeld:        store.Ptr(false),
		Condition:       store.Condition{LockHeld: true},
	})
}

// WithLock runs fn while holding the lock and releases it on every path.
// A release failure is returned only when fn itself succeeded.
func (m *Manager) WithLock(ctx context.Context, app, lockName string, fn func(ctx context.Context, lease *Lease) error) error {
	lease, err := m.Acquire(ctx, app, lockName)
	if err != nil {
		return err
	}

	fnErr := fn(ctx, lease)

	// Release even when ctx was cancelled mid-flight.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.releaseTimeout())
	defer cancel()
	if err := m.Release(releaseCtx, lease); err != nil {
		if fnErr != nil {
			log.FromContext(ctx).Error(err, "Failed to release lock", "app", app, "owner", lease.Owner)
			return fnErr
		}
		return err
	}
	return fnErr
}

func (m *Manager) releaseTimeout() time.Duration {
	return time.Duration(m.backoff().Steps+1)*m.config.RetryInterval + 10*time.Second
}
