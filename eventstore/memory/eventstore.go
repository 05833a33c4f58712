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

// Package memory provides an in-memory event store, primarily for testing
// and local development.
package memory

import (
	"context"
	"errors"
	"sync"

	sb "github.com/sourcebus/sourcebus"
)

// DefaultSubscriptionBuffer is the channel buffer per subscription. A
// subscriber that falls this far behind is closed with an error rather than
// blocking appends.
var DefaultSubscriptionBuffer = 256

// ErrSubscriptionOverflow is when a subscriber fell too far behind the
// append rate and was dropped.
var ErrSubscriptionOverflow = errors.New("subscription buffer overflow")

// EventStore implements sourcebus.EventStore as an in-memory structure: an
// append-only log of recorded events plus a per-stream index, with the
// optimistic version check on append.
type EventStore struct {
	mu      sync.RWMutex
	streams map[string][]sb.RecordedEvent
	all     []sb.RecordedEvent
	subs    []*subscription
}

// NewEventStore creates a new EventStore.
func NewEventStore() *EventStore {
	return &EventStore{
		streams: map[string][]sb.RecordedEvent{},
	}
}

// AppendToStream implements the AppendToStream method of the
// sourcebus.EventStore interface.
func (s *EventStore) AppendToStream(ctx context.Context, streamName string, expectedVersion int64, events []sb.Event) (int64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamName]
	current := int64(len(stream)) - 1
	if expectedVersion != current {
		return current, &sb.ConcurrencyError{
			Stream:   streamName,
			Expected: expectedVersion,
			Actual:   current,
		}
	}

	recorded := make([]sb.RecordedEvent, 0, len(events))
	for _, event := range events {
		r := sb.RecordedEvent{
			Event:    event,
			Stream:   streamName,
			Position: int64(len(s.all)),
		}
		s.all = append(s.all, r)
		stream = append(stream, r)
		recorded = append(recorded, r)
	}
	s.streams[streamName] = stream

	s.fanOut(recorded)

	return int64(len(stream)) - 1, nil
}

// ReadStreamForward implements the ReadStreamForward method of the
// sourcebus.EventStore interface.
func (s *EventStore) ReadStreamForward(ctx context.Context, streamName string, start int64, count int) ([]sb.Event, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[streamName]
	if !ok {
		return nil, sb.NewStreamVersion, nil
	}

	last := int64(len(stream)) - 1
	if start < 0 {
		start = 0
	}
	if start > last {
		return []sb.Event{}, last, nil
	}

	end := start + int64(count)
	if end > int64(len(stream)) {
		end = int64(len(stream))
	}

	events := make([]sb.Event, 0, end-start)
	for _, r := range stream[start:end] {
		events = append(events, r.Event)
	}

	return events, last, nil
}

// SubscribeToStream implements the SubscribeToStream method of the
// sourcebus.EventStore interface. The from position is stream-local.
func (s *EventStore) SubscribeToStream(ctx context.Context, streamName string, from int64) (sb.StoreSubscription, error) {
	return s.subscribe(ctx, streamName, from)
}

// SubscribeToAll implements the SubscribeToAll method of the
// sourcebus.EventStore interface. The from position is global.
func (s *EventStore) SubscribeToAll(ctx context.Context, from int64) (sb.StoreSubscription, error) {
	return s.subscribe(ctx, "", from)
}

func (s *EventStore) subscribe(ctx context.Context, streamName string, from int64) (sb.StoreSubscription, error) {
	sub := &subscription{
		store:  s,
		stream: streamName,
		ch:     make(chan sb.RecordedEvent, DefaultSubscriptionBuffer),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	// Replay history from the requested position, then go live. Holding the
	// lock keeps replay and live delivery gapless.
	var history []sb.RecordedEvent
	if streamName == "" {
		if from >= 0 && from < int64(len(s.all)) {
			history = s.all[from:]
		}
	} else {
		stream := s.streams[streamName]
		if from >= 0 && from < int64(len(stream)) {
			history = stream[from:]
		}
	}
	for _, r := range history {
		if !sub.offer(r) {
			break
		}
	}
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.close(ctx.Err())
		case <-sub.done:
		}
	}()

	return sub, nil
}

// fanOut delivers newly appended events to live subscriptions. Caller holds
// s.mu.
func (s *EventStore) fanOut(recorded []sb.RecordedEvent) {
	for _, sub := range s.subs {
		for _, r := range recorded {
			if sub.stream != "" && sub.stream != r.Stream {
				continue
			}
			if !sub.offer(r) {
				break
			}
		}
	}
}

func (s *EventStore) remove(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, other := range s.subs {
		if other == sub {
			s.subs = append(s.subs[:i:i], s.subs[i+1:]...)

			break
		}
	}
}

type subscription struct {
	store  *EventStore
	stream string
	ch     chan sb.RecordedEvent

	mu     sync.Mutex
	err    error
	closed bool
	done   chan struct{}
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
	s.close(nil)
	s.store.remove(s)
}

func (s *subscription) offer(r sb.RecordedEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- r:
		return true
	default:
		s.closeLocked(ErrSubscriptionOverflow)

		return false
	}
}

func (s *subscription) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked(err)
}

// closeLocked closes the subscription. Caller holds s.mu.
func (s *subscription) closeLocked(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
	close(s.done)
}
