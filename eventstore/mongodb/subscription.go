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

package mongodb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	sb "github.com/sourcebus/sourcebus"
)

// subscriptionBatchSize is how many events a subscription reads per poll.
const subscriptionBatchSize = 100

// subscription polls the events collection for new records. Polling keeps
// the store free of server side requirements such as change streams, which
// need a replica set.
type subscription struct {
	store  *EventStore
	stream string
	next   int64
	gaps   gapTracker
	ch     chan sb.RecordedEvent

	mu     sync.Mutex
	err    error
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

// gapTracker delays advancing past allocated but unwritten global positions.
// Appends allocate their positions before inserting, so a poll can see a
// later position while a slower concurrent append still holds earlier ones.
// Advancing immediately would skip those events for good; a gap is instead
// waited out for a grace window, after which it is considered abandoned (an
// append that lost its concurrency race never fills its positions).
type gapTracker struct {
	grace time.Duration
	since time.Time
}

// observe reports whether delivery may advance from next to pos. A
// contiguous position always passes; the first sighting of a gap starts the
// grace window and pauses delivery until the gap fills or the window runs
// out.
func (g *gapTracker) observe(next, pos int64, now time.Time) bool {
	if pos <= next {
		g.since = time.Time{}

		return true
	}

	if g.since.IsZero() {
		g.since = now

		return false
	}

	if now.Sub(g.since) < g.grace {
		return false
	}

	g.since = time.Time{}

	return true
}

// subscribe starts a polling subscription. An empty streamName subscribes to
// all streams ordered by global position; otherwise next is a stream-local
// version.
func (s *EventStore) subscribe(ctx context.Context, streamName string, from int64) *subscription {
	if from < 0 {
		from = 0
	}

	ctx, cancel := context.WithCancel(ctx)

	sub := &subscription{
		store:  s,
		stream: streamName,
		next:   from,
		gaps:   gapTracker{grace: 3 * s.pollInterval},
		ch:     make(chan sb.RecordedEvent),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go sub.run(ctx)

	return sub
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.ch)
	defer close(s.done)

	ticker := time.NewTicker(s.store.pollInterval)
	defer ticker.Stop()

	for {
		if err := s.poll(ctx); err != nil {
			s.fail(err)

			return
		}

		select {
		case <-ctx.Done():
			s.fail(ctx.Err())

			return
		case <-ticker.C:
		}
	}
}

// poll reads batches from the current position until it catches up with the
// head, delivering each record in order.
func (s *subscription) poll(ctx context.Context) error {
	for {
		docs, err := s.read(ctx)
		if err != nil {
			return err
		}

		if len(docs) == 0 {
			return nil
		}

		for _, doc := range docs {
			// Stream versions are contiguous by construction; only the
			// global position sequence can have in-flight gaps.
			if s.stream == "" && !s.gaps.observe(s.next, doc.Position, time.Now()) {
				return nil
			}

			event, err := s.store.decodeEvent(ctx, doc)
			if err != nil {
				return err
			}

			r := sb.RecordedEvent{
				Event:    event,
				Stream:   doc.Stream,
				Position: doc.Position,
			}

			select {
			case s.ch <- r:
			case <-ctx.Done():
				return ctx.Err()
			}

			if s.stream == "" {
				s.next = doc.Position + 1
			} else {
				s.next = doc.Version + 1
			}
		}
	}
}

func (s *subscription) read(ctx context.Context) ([]evt, error) {
	var filter bson.M

	var sort bson.D

	if s.stream == "" {
		filter = bson.M{"position": bson.M{"$gte": s.next}}
		sort = bson.D{{Key: "position", Value: 1}}
	} else {
		filter = bson.M{"stream": s.stream, "version": bson.M{"$gte": s.next}}
		sort = bson.D{{Key: "version", Value: 1}}
	}

	cursor, err := s.store.events.Find(ctx, filter,
		options.Find().SetSort(sort).SetLimit(subscriptionBatchSize),
	)
	if err != nil {
		return nil, fmt.Errorf("could not poll events: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []evt
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("could not read polled events: %w", err)
	}

	return docs, nil
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		s.err = err
	}
}

// Events implements the Events method of the sourcebus.StoreSubscription
// interface.
func (s *subscription) Events() <-chan sb.RecordedEvent {
	return s.ch
}

// Err implements the Err method of the sourcebus.StoreSubscription interface.
func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Close implements the Close method of the sourcebus.StoreSubscription
// interface.
func (s *subscription) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
	}
	s.mu.Unlock()

	s.cancel()
	<-s.done
}
