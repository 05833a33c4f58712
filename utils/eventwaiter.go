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

package utils

import (
	"context"
	"sync"

	sb "github.com/sourcebus/sourcebus"
	"github.com/sourcebus/sourcebus/uuid"
)

type singleWait struct {
	ch    chan sb.Message
	match func(sb.Message) bool
}

// MessageWaiter lets callers block until a message matching a predicate
// passes through the bus. Subscribe it on the type to observe, then Wait.
type MessageWaiter struct {
	waits   map[uuid.UUID]singleWait
	waitsMu sync.RWMutex
}

// NewMessageWaiter returns a new MessageWaiter.
func NewMessageWaiter() *MessageWaiter {
	return &MessageWaiter{
		waits: map[uuid.UUID]singleWait{},
	}
}

// HandleMessage implements the HandleMessage method of the Handler interface.
// It forwards delivered messages to the in-flight waits for matching.
func (w *MessageWaiter) HandleMessage(ctx context.Context, m sb.Message) error {
	w.waitsMu.RLock()
	defer w.waitsMu.RUnlock()

	for _, sw := range w.waits {
		if sw.match(m) {
			select {
			case sw.ch <- m:
			default: // The wait already has its match.
			}
		}
	}

	return nil
}

// SetupWait registers a wait with its match predicate. The match function can
// inspect the message payload to select interesting messages. Cancel the wait
// with CancelWait when done.
func (w *MessageWaiter) SetupWait(match func(sb.Message) bool) (uuid.UUID, <-chan sb.Message) {
	id := uuid.New()

	// Buffered so that HandleMessage never blocks on other waits.
	ch := make(chan sb.Message, 1)

	w.waitsMu.Lock()
	w.waits[id] = singleWait{ch: ch, match: match}
	w.waitsMu.Unlock()

	return id, ch
}

// CancelWait removes a wait registered with SetupWait.
func (w *MessageWaiter) CancelWait(id uuid.UUID) {
	w.waitsMu.Lock()
	delete(w.waits, id)
	w.waitsMu.Unlock()
}

// Wait blocks until a message matching the predicate is handled or the
// context is done.
func (w *MessageWaiter) Wait(ctx context.Context, match func(sb.Message) bool) (sb.Message, error) {
	id, ch := w.SetupWait(match)
	defer w.CancelWait(id)

	select {
	case m := <-ch:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
