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

package sourcebus

import (
	"context"
)

// NewStreamVersion is the expected version of a stream that does not exist
// yet, used when appending the first events of a new aggregate.
const NewStreamVersion int64 = -1

// AllStreamStart is the position to subscribe from to receive every recorded
// event, including history.
const AllStreamStart int64 = 0

// RecordedEvent is an event as recorded by a store, together with its global
// position in the store's all-events log.
type RecordedEvent struct {
	Event    Event
	Stream   string
	Position int64
}

// StoreSubscription is a live feed of recorded events from a store.
type StoreSubscription interface {
	// Events returns the channel events are delivered on. It is closed when
	// the subscription ends.
	Events() <-chan RecordedEvent

	// Err returns the reason the subscription ended, or nil after a clean
	// Close. It must only be called after the Events channel is closed.
	Err() error

	// Close ends the subscription and closes the Events channel.
	Close()
}

// EventStore is the narrow interface of the durable event store collaborator:
// an append-only log of event streams with optimistic concurrency on append.
type EventStore interface {
	// AppendToStream appends events at the given expected version, the last
	// stream position the writer has seen, or NewStreamVersion for a stream
	// that should not exist yet. On success it returns the new last position.
	// On a version mismatch it returns a ConcurrencyError and appends
	// nothing.
	AppendToStream(ctx context.Context, streamName string, expectedVersion int64, events []Event) (int64, error)

	// ReadStreamForward reads up to count events starting at position start.
	// It returns the events and the last position of the stream, or
	// NewStreamVersion if the stream does not exist.
	ReadStreamForward(ctx context.Context, streamName string, start int64, count int) ([]Event, int64, error)

	// SubscribeToStream subscribes to a single stream from the given stream
	// position.
	SubscribeToStream(ctx context.Context, streamName string, from int64) (StoreSubscription, error)

	// SubscribeToAll subscribes to every stream from the given global
	// position.
	SubscribeToAll(ctx context.Context, from int64) (StoreSubscription, error)
}
