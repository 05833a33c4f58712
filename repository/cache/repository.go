// Copyright (c) 2024 - The Source Bus authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides a unit-of-work caching decorator for the
// repository, avoiding repeated full-stream replay for hot aggregates.
//
// The cache does not change the concurrency model: concurrent commands for
// the same aggregate ID still resolve through the store's optimistic version
// check, and a conflicting save evicts the stale entry. Cached instances
// must not be mutated by more than one command at a time; callers keep the
// single-writer-per-ID discipline.
package cache

import (
	"context"
	"errors"
	"sync"

	sb "github.com/sourcebus/sourcebus"
	"github.com/sourcebus/sourcebus/aggregate"
	"github.com/sourcebus/sourcebus/repository"
	"github.com/sourcebus/sourcebus/uuid"
)

// Repository is a caching decorator around a repository.Repo.
type Repository struct {
	repository.Repo

	cache   map[uuid.UUID]aggregate.Aggregate
	cacheMu sync.Mutex
}

// New creates a caching decorator around repo.
func New(repo repository.Repo) *Repository {
	return &Repository{
		Repo:  repo,
		cache: map[uuid.UUID]aggregate.Aggregate{},
	}
}

// GetByID implements the GetByID method of the repository.Repo interface.
// A cache hit skips the store read entirely; the correlation source is
// re-pointed at the current triggering message either way.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID, newFn func(uuid.UUID) aggregate.Aggregate, source sb.Correlated) (aggregate.Aggregate, error) {
	if source == nil {
		return nil, sb.ErrMissingCorrelation
	}

	r.cacheMu.Lock()
	agg, ok := r.cache[id]
	r.cacheMu.Unlock()
	if ok {
		if sourced, ok := agg.(aggregate.Sourced); ok {
			sourced.SetSource(source)
		}

		return agg, nil
	}

	agg, err := r.Repo.GetByID(ctx, id, newFn, source)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.cache[id] = agg
	r.cacheMu.Unlock()

	return agg, nil
}

// TryGetByID implements the TryGetByID method of the repository.Repo
// interface.
func (r *Repository) TryGetByID(ctx context.Context, id uuid.UUID, newFn func(uuid.UUID) aggregate.Aggregate, source sb.Correlated) (aggregate.Aggregate, bool, error) {
	agg, err := r.GetByID(ctx, id, newFn, source)
	if err != nil {
		var notFound *sb.AggregateNotFoundError
		if errors.As(err, &notFound) {
			return nil, false, nil
		}

		return nil, false, err
	}

	return agg, true, nil
}

// Save implements the Save method of the repository.Repo interface. A
// concurrency conflict evicts the cached instance, since its state was built
// against a stale stream version.
func (r *Repository) Save(ctx context.Context, agg aggregate.Aggregate) error {
	err := r.Repo.Save(ctx, agg)
	if err != nil {
		var conflict *sb.ConcurrencyError
		if errors.As(err, &conflict) {
			r.Evict(agg.EntityID())
		}

		return err
	}

	r.cacheMu.Lock()
	r.cache[agg.EntityID()] = agg
	r.cacheMu.Unlock()

	return nil
}

// Evict drops the cached instance for id, if any.
func (r *Repository) Evict(id uuid.UUID) {
	r.cacheMu.Lock()
	delete(r.cache, id)
	r.cacheMu.Unlock()
}
