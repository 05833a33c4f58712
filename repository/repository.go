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

// Package repository bridges aggregates and the event store collaborator,
// enforcing optimistic concurrency on save.
package repository

import (
	"context"
	"errors"
	"fmt"

	sb "github.com/sourcebus/sourcebus"
	"github.com/sourcebus/sourcebus/aggregate"
	"github.com/sourcebus/sourcebus/uuid"
)

// DefaultPageSize is how many events are read per store round-trip during
// rehydration.
var DefaultPageSize = 200

// Repo is the repository interface, implemented by Repository and decorators
// such as the caching repository.
type Repo interface {
	// GetByID rehydrates the aggregate created by newFn from its event
	// stream and sets source as the correlation source for events it will
	// raise. It returns an AggregateNotFoundError when the stream is absent.
	GetByID(ctx context.Context, id uuid.UUID, newFn func(uuid.UUID) aggregate.Aggregate, source sb.Correlated) (aggregate.Aggregate, error)

	// TryGetByID is the non-throwing variant of GetByID: absence is reported
	// as false instead of an error.
	TryGetByID(ctx context.Context, id uuid.UUID, newFn func(uuid.UUID) aggregate.Aggregate, source sb.Correlated) (aggregate.Aggregate, bool, error)

	// Save appends the aggregate's taken events at its expected version. A
	// stale expected version surfaces as a ConcurrencyError with nothing
	// appended; the caller must reload and retry.
	Save(ctx context.Context, agg aggregate.Aggregate) error
}

// Repository is an event sourced repository on top of the store collaborator.
type Repository struct {
	store    sb.EventStore
	namer    sb.StreamNamer
	pageSize int
}

// Option is an option for creating a Repository.
type Option func(*Repository) error

// WithPageSize sets the read page size used during rehydration.
func WithPageSize(size int) Option {
	return func(r *Repository) error {
		if size <= 0 {
			return fmt.Errorf("invalid page size: %d", size)
		}
		r.pageSize = size

		return nil
	}
}

// New creates a Repository.
func New(store sb.EventStore, namer sb.StreamNamer, options ...Option) (*Repository, error) {
	if store == nil {
		return nil, errors.New("missing event store")
	}

	r := &Repository{
		store:    store,
		namer:    namer,
		pageSize: DefaultPageSize,
	}

	for _, option := range options {
		if err := option(r); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	return r, nil
}

// GetByID implements the GetByID method of the Repo interface.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID, newFn func(uuid.UUID) aggregate.Aggregate, source sb.Correlated) (aggregate.Aggregate, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: load of %s", sb.ErrMissingCorrelation, id)
	}

	agg := newFn(id)
	stream := r.namer.StreamName(agg.AggregateType(), id)

	start := int64(0)
	last := sb.NewStreamVersion
	for {
		events, l, err := r.store.ReadStreamForward(ctx, stream, start, r.pageSize)
		if err != nil {
			return nil, fmt.Errorf("could not read stream %q: %w", stream, err)
		}
		if l == sb.NewStreamVersion {
			return nil, &sb.AggregateNotFoundError{AggregateType: agg.AggregateType(), ID: id}
		}

		if err := agg.RestoreFromEvents(events); err != nil {
			return nil, fmt.Errorf("could not restore %s(%s): %w", agg.AggregateType(), id, err)
		}

		last = l
		start += int64(len(events))
		if len(events) == 0 || start > last {
			break
		}
	}

	agg.SetExpectedVersion(last)

	if sourced, ok := agg.(aggregate.Sourced); ok {
		sourced.SetSource(source)
	}

	return agg, nil
}

// TryGetByID implements the TryGetByID method of the Repo interface.
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

// Save implements the Save method of the Repo interface. Saving an aggregate
// with no pending events is a no-op without a store round-trip. Every
// persisted event must already carry its correlation, set during Raise; the
// repository only validates presence.
func (r *Repository) Save(ctx context.Context, agg aggregate.Aggregate) error {
	events := agg.TakeEvents()
	if len(events) == 0 {
		return nil
	}

	for _, event := range events {
		if event.CorrelationID() == uuid.Nil {
			return fmt.Errorf("%w: event %q", sb.ErrMissingCorrelation, event.MessageType())
		}
	}

	stream := r.namer.StreamName(agg.AggregateType(), agg.EntityID())

	next, err := r.store.AppendToStream(ctx, stream, agg.ExpectedVersion(), events)
	if err != nil {
		return fmt.Errorf("could not append to stream %q: %w", stream, err)
	}

	agg.SetExpectedVersion(next)

	return nil
}

// GetByID is a typed convenience wrapper around Repo.GetByID.
func GetByID[T aggregate.Aggregate](ctx context.Context, r Repo, id uuid.UUID, newFn func(uuid.UUID) T, source sb.Correlated) (T, error) {
	agg, err := r.GetByID(ctx, id, func(id uuid.UUID) aggregate.Aggregate {
		return newFn(id)
	}, source)
	if err != nil {
		var zero T

		return zero, err
	}

	return agg.(T), nil
}

// TryGetByID is a typed convenience wrapper around Repo.TryGetByID.
func TryGetByID[T aggregate.Aggregate](ctx context.Context, r Repo, id uuid.UUID, newFn func(uuid.UUID) T, source sb.Correlated) (T, bool, error) {
	var zero T

	agg, ok, err := r.TryGetByID(ctx, id, func(id uuid.UUID) aggregate.Aggregate {
		return newFn(id)
	}, source)
	if err != nil || !ok {
		return zero, ok, err
	}

	return agg.(T), true, nil
}
