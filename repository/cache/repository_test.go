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

package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	sb "github.com/sourcebus/sourcebus"
	"github.com/sourcebus/sourcebus/eventstore/memory"
	"github.com/sourcebus/sourcebus/mocks"
	"github.com/sourcebus/sourcebus/repository"
	"github.com/sourcebus/sourcebus/uuid"
)

// countingStore counts stream reads to observe cache hits.
type countingStore struct {
	sb.EventStore

	reads atomic.Int64
}

func (s *countingStore) ReadStreamForward(ctx context.Context, streamName string, start int64, count int) ([]sb.Event, int64, error) {
	s.reads.Add(1)

	return s.EventStore.ReadStreamForward(ctx, streamName, start, count)
}

func newTestCache(t *testing.T) (*Repository, *countingStore) {
	t.Helper()

	store := &countingStore{EventStore: memory.NewEventStore()}

	repo, err := repository.New(store, sb.StreamNamer{Prefix: "test"})
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	return New(repo), store
}

func seedAggregate(t *testing.T, repo repository.Repo, content string) uuid.UUID {
	t.Helper()

	id := uuid.New()

	agg := mocks.NewTestAggregate(id)
	agg.UseRootCorrelation()
	agg.Append(content)

	if err := repo.Save(context.Background(), agg); err != nil {
		t.Fatal("there should be no error:", err)
	}

	return id
}

func TestCacheHitSkipsStore(t *testing.T) {
	cached, store := newTestCache(t)
	ctx := context.Background()

	id := seedAggregate(t, cached.Repo, "initial")

	first, err := repository.GetByID(ctx, cached, id, mocks.NewTestAggregate, mocks.NewTestCommand("first"))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	reads := store.reads.Load()

	cmd := mocks.NewTestCommand("second")

	second, err := repository.GetByID(ctx, cached, id, mocks.NewTestAggregate, cmd)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if store.reads.Load() != reads {
		t.Error("a cache hit should not read the store")
	}

	if second != first {
		t.Error("a cache hit should return the cached instance")
	}

	// The correlation source is re-pointed at the current trigger.
	second.Append("caused")

	events := second.TakeEvents()
	if len(events) != 1 || events[0].CorrelationID() != cmd.CorrelationID() {
		t.Error("cached instances should adopt the new trigger's correlation")
	}
}

func TestCacheSavePopulates(t *testing.T) {
	cached, store := newTestCache(t)
	ctx := context.Background()

	cmd := mocks.NewTestCommand("create")

	agg := mocks.NewTestAggregate(uuid.New())
	agg.SetSource(cmd)
	agg.Append("a")

	if err := cached.Save(ctx, agg); err != nil {
		t.Fatal("there should be no error:", err)
	}

	reads := store.reads.Load()

	loaded, err := repository.GetByID(ctx, cached, agg.EntityID(), mocks.NewTestAggregate, mocks.NewTestCommand("load"))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if store.reads.Load() != reads {
		t.Error("a saved aggregate should be served from the cache")
	}

	if loaded.ExpectedVersion() != 0 {
		t.Error("the cached instance should carry the saved version:", loaded.ExpectedVersion())
	}
}

func TestCacheEvictsOnConflict(t *testing.T) {
	cached, store := newTestCache(t)
	ctx := context.Background()

	id := seedAggregate(t, cached.Repo, "initial")

	// Load into the cache, then advance the stream behind its back.
	stale, err := repository.GetByID(ctx, cached, id, mocks.NewTestAggregate, mocks.NewTestCommand("stale"))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	other, err := repository.GetByID(ctx, cached.Repo, id, mocks.NewTestAggregate, mocks.NewTestCommand("other"))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	other.Append("behind the cache")

	if err := cached.Repo.Save(ctx, other); err != nil {
		t.Fatal("there should be no error:", err)
	}

	stale.Append("conflicting")

	err = cached.Save(ctx, stale)

	var conflict *sb.ConcurrencyError
	if !errors.As(err, &conflict) {
		t.Fatal("the stale save should conflict:", err)
	}

	// The stale entry was evicted; the next load reads the store again and
	// sees the winning event.
	reads := store.reads.Load()

	fresh, err := repository.GetByID(ctx, cached, id, mocks.NewTestAggregate, mocks.NewTestCommand("fresh"))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if store.reads.Load() == reads {
		t.Error("the eviction should force a store read")
	}

	if fresh.ExpectedVersion() != 1 {
		t.Error("the fresh load should see the winning event:", fresh.ExpectedVersion())
	}
}
