// Package memory keeps deployment records in process. It backs the local
// transport and the test suites.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/apptrail-sh/bluegreen/internal/model"
	"github.com/apptrail-sh/bluegreen/internal/store"
)

type Store struct {
	mu      sync.Mutex
	records map[string]model.DeploymentRecord
}

func New(records ...model.DeploymentRecord) *Store {
	s := &Store{records: make(map[string]model.DeploymentRecord, len(records))}
	for _, rec := range records {
		s.records[rec.AppName] = rec
	}
	return s
}

func (s *Store) Get(_ context.Context, app string) (*model.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[app]
	if !ok {
		return nil, fmt.Errorf("app %q: %w", app, store.ErrNotFound)
	}
	return &rec, nil
}

func (s *Store) Update(_ context.Context, app string, upd store.Update) (*model.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[app]
	if !ok {
		return nil, fmt.Errorf("app %q: %w", app, store.ErrNotFound)
	}
	if err := upd.Check(&rec); err != nil {
		return nil, fmt.Errorf("app %q at version %d: %w", app, upd.ExpectedVersion, err)
	}
	next := upd.Apply(rec)
	s.records[app] = next
	return &next, nil
}

func (s *Store) Create(_ context.Context, rec model.DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.AppName]; ok {
		return fmt.Errorf("app %q: %w", rec.AppName, store.ErrAlreadyExists)
	}
	s.records[rec.AppName] = rec
	return nil
}

func (s *Store) List(_ context.Context) ([]model.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.DeploymentRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppName < out[j].AppName })
	return out, nil
}
