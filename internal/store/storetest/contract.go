// Package storetest provides contract tests for [store.Store] implementations.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/store"
)

// Backend is a store that can also provision records.
type Backend interface {
	store.Store
	store.Provisioner
}

// Factory creates an empty backend for each test.
type Factory func(t *testing.T) Backend

// Run exercises the [store.Store] contract.
func Run(t *testing.T, factory Factory) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	provision := func(t *testing.T, s Backend, app string) {
		t.Helper()
		require.NoError(t, s.Create(context.Background(), model.NewDeploymentRecord(app)))
	}

	t.Run("GetNotFound", func(t *testing.T) {
		s := factory(t)
		_, err := s.Get(context.Background(), "missing")
		require.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := factory(t)
		provision(t, s, "shop")
		err := s.Create(context.Background(), model.NewDeploymentRecord("shop"))
		require.True(t, errors.Is(err, store.ErrAlreadyExists), "got %v", err)
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		s := factory(t)
		_, err := s.Update(context.Background(), "missing", store.Update{At: now})
		require.Error(t, err)
		require.True(t, errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConcurrencyConflict), "got %v", err)
	})

	t.Run("UpdateAppliesSparseFields", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		provision(t, s, "shop")

		got, err := s.Update(ctx, "shop", store.Update{
			ExpectedVersion:  0,
			At:               now,
			DeploymentStatus: store.Ptr(model.BuildDeploymentStatus("deploy", model.OutcomeInProgress)),
			PipelineStatus:   store.Ptr(model.PipelineRunning),
			LastCommand:      store.Ptr("deploy"),
			StageStarted:     store.Ptr(now),
			IncrementTotal:   1,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.ItemVersion)
		assert.Equal(t, "deploy__inprogress", got.DeploymentStatus)
		assert.Equal(t, model.PipelineRunning, got.PipelineStatus)
		assert.True(t, got.LastUpdatedDatetime.Equal(now))

		stored, err := s.Get(ctx, "shop")
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.ItemVersion)
		assert.Equal(t, "deploy", stored.LastCommand)
		assert.Equal(t, int64(1), stored.TotalDeploymentsCount)
		assert.True(t, stored.StageStartedDatetime.Equal(now))
		assert.Empty(t, stored.LastDeploymentID, "untouched fields must be preserved")
	})

	t.Run("CountersIncrement", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		provision(t, s, "shop")

		for i := int64(0); i < 3; i++ {
			_, err := s.Update(ctx, "shop", store.Update{
				ExpectedVersion: i,
				At:              now,
				IncrementTotal:  1,
				IncrementFailed: i % 2,
			})
			require.NoError(t, err)
		}
		got, err := s.Get(ctx, "shop")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.ItemVersion)
		assert.Equal(t, int64(3), got.TotalDeploymentsCount)
		assert.Equal(t, int64(1), got.FailedDeploymentsCount)
	})

	t.Run("StaleVersionConflicts", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		provision(t, s, "shop")

		_, err := s.Update(ctx, "shop", store.Update{ExpectedVersion: 0, At: now, LastCommand: store.Ptr("deploy")})
		require.NoError(t, err)

		_, err = s.Update(ctx, "shop", store.Update{ExpectedVersion: 0, At: now, LastCommand: store.Ptr("cleanup")})
		require.True(t, errors.Is(err, store.ErrConcurrencyConflict), "got %v", err)

		got, err := s.Get(ctx, "shop")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.ItemVersion)
		assert.Equal(t, "deploy", got.LastCommand, "a rejected write must leave the record unchanged")
	})

	t.Run("LockConditions", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		provision(t, s, "shop")
		expiry := 15 * time.Second

		acquire := func(version int64, at time.Time) (*model.DeploymentRecord, error) {
			return s.Update(ctx, "shop", store.Update{
				ExpectedVersion: version,
				At:              at,
				LockHeld:        store.Ptr(true),
				LockOwner:       store.Ptr("handleDeployment"),
				LockTimestamp:   store.Ptr(at),
				Condition:       store.Condition{LockAvailableBefore: store.Ptr(at.Add(-expiry))},
			})
		}

		held, err := acquire(0, now)
		require.NoError(t, err)
		assert.True(t, held.LockHeld)
		assert.Equal(t, "handleDeployment", held.LockOwner)

		_, err = acquire(held.ItemVersion, now.Add(5*time.Second))
		require.True(t, errors.Is(err, store.ErrConcurrencyConflict), "lock within expiry must not be taken: %v", err)

		taken, err := acquire(held.ItemVersion, now.Add(expiry+time.Second))
		require.NoError(t, err, "expired lock must be taken over")
		assert.Equal(t, held.ItemVersion+1, taken.ItemVersion)

		released, err := s.Update(ctx, "shop", store.Update{
			ExpectedVersion: taken.ItemVersion,
			At:              now,
			LockHeld:        store.Ptr(false),
			Condition:       store.Condition{LockHeld: true},
		})
		require.NoError(t, err)
		assert.False(t, released.LockHeld)

		_, err = s.Update(ctx, "shop", store.Update{
			ExpectedVersion: released.ItemVersion,
			At:              now,
			LockHeld:        store.Ptr(false),
			Condition:       store.Condition{LockHeld: true},
		})
		require.True(t, errors.Is(err, store.ErrConcurrencyConflict), "releasing a free lock must fail: %v", err)
	})

	t.Run("ConcurrentWritersOneWins", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		provision(t, s, "shop")

		const writers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			success int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, "shop", store.Update{ExpectedVersion: 0, At: now, IncrementTotal: 1})
				if err == nil {
					mu.Lock()
					success++
					mu.Unlock()
					return
				}
				assert.True(t, errors.Is(err, store.ErrConcurrencyConflict), "got %v", err)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, success)
		got, err := s.Get(ctx, "shop")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.TotalDeploymentsCount)
	})

	t.Run("List", func(t *testing.T) {
		s := factory(t)
		provision(t, s, "b-app")
		provision(t, s, "a-app")

		recs, err := s.List(context.Background())
		require.NoError(t, err)
		require.Len(t, recs, 2)
		names := []string{recs[0].AppName, recs[1].AppName}
		assert.ElementsMatch(t, []string{"a-app", "b-app"}, names)
	})
}
