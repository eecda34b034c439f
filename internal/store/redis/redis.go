// Package redis stores each deployment record as a JSON document under its
// own key and uses WATCH/MULTI for compare-and-swap.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/store"
)

const DefaultPrefix = "bluegreen:record:"

type Store struct {
	client redis.UniversalClient
	prefix string
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(app string) string {
	return s.prefix + app
}

func (s *Store) Get(ctx context.Context, app string) (*model.DeploymentRecord, error) {
	return s.read(ctx, s.client, app)
}

func (s *Store) read(ctx context.Context, c redis.Cmdable, app string) (*model.DeploymentRecord, error) {
	raw, err := c.Get(ctx, s.key(app)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("app %q: %w", app, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w: %v", app, store.ErrUnavailable, err)
	}
	var rec model.DeploymentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record %q: %w", app, err)
	}
	return &rec, nil
}

func (s *Store) Update(ctx context.Context, app string, upd store.Update) (*model.DeploymentRecord, error) {
	key := s.key(app)
	var next model.DeploymentRecord

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.read(ctx, tx, app)
		if err != nil {
			return err
		}
		if err := upd.Check(current); err != nil {
			return fmt.Errorf("app %q at version %d: %w", app, upd.ExpectedVersion, err)
		}
		next = upd.Apply(*current)
		raw, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return nil, updateError(app, upd.ExpectedVersion, err)
	}
	return &next, nil
}

// updateError maps a failed WATCH transaction onto the store errors. A key
// modified after WATCH aborts EXEC with TxFailedErr.
func updateError(app string, version int64, err error) error {
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("app %q at version %d: %w", app, version, store.ErrConcurrencyConflict)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConcurrencyConflict), errors.Is(err, store.ErrUnavailable):
		return err
	default:
		return fmt.Errorf("update %q: %w: %v", app, store.ErrUnavailable, err)
	}
}

func (s *Store) Create(ctx context.Context, rec model.DeploymentRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(rec.AppName), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("create %q: %w: %v", rec.AppName, store.ErrUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("app %q: %w", rec.AppName, store.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]model.DeploymentRecord, error) {
	var out []model.DeploymentRecord
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		rec, err := s.read(ctx, s.client, strings.TrimPrefix(iter.Val(), s.prefix))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w: %v", store.ErrUnavailable, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppName < out[j].AppName })
	return out, nil
}
