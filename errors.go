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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sourcebus/sourcebus/uuid"
)

// Configuration errors. These indicate a wiring bug and are never retried.
var (
	// ErrNoHandler is when a command is dispatched without a registered handler.
	ErrNoHandler = errors.New("no handler for command")
	// ErrDuplicateHandler is when a second handler is registered for the same
	// concrete command type.
	ErrDuplicateHandler = errors.New("duplicate handler for command")
	// ErrTypeNotRegistered is when a message type is not in the TypeRegistry.
	ErrTypeNotRegistered = errors.New("message type not registered")
	// ErrMissingHandler is when a nil handler is subscribed.
	ErrMissingHandler = errors.New("missing handler")
)

// Runtime errors.
var (
	// ErrCanceled is when a command dispatch was aborted on request.
	ErrCanceled = errors.New("command canceled")
	// ErrMissingCorrelation is when a message that must carry a correlation
	// context does not have one set.
	ErrMissingCorrelation = errors.New("missing correlation")
	// ErrBusClosed is when a message is dispatched on a closed bus.
	ErrBusClosed = errors.New("bus is closed")
)

// TimeoutError is when a command handler did not complete within the dispatch
// timeout. The handler may still be running; its late result is discarded.
type TimeoutError struct {
	Timeout time.Duration
}

// Error implements the Error method of the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s", e.Timeout)
}

// BrokenHierarchyError is when registered message types still wait for a
// parent that was never registered after discovery has finished.
type BrokenHierarchyError struct {
	Types []MessageType
}

// Error implements the Error method of the error interface.
func (e *BrokenHierarchyError) Error() string {
	names := make([]string, len(e.Types))
	for i, t := range e.Types {
		names[i] = t.String()
	}

	return "broken type hierarchy, unresolved parents for: " + strings.Join(names, ", ")
}

// ConcurrencyError is when an append to a stream carried a stale expected
// version. The caller must reload the aggregate and retry.
type ConcurrencyError struct {
	Stream   string
	Expected int64
	Actual   int64
}

// Error implements the Error method of the error interface.
func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on %q: expected version %d, stream at %d",
		e.Stream, e.Expected, e.Actual)
}

// AggregateNotFoundError is when an aggregate has no event stream.
type AggregateNotFoundError struct {
	AggregateType string
	ID            uuid.UUID
}

// Error implements the Error method of the error interface.
func (e *AggregateNotFoundError) Error() string {
	return fmt.Sprintf("aggregate %s(%s) not found", e.AggregateType, e.ID)
}

// UnregisteredEventError is when an aggregate is asked to apply an event type
// it has no registered apply func for. Failing fast here avoids silently
// dropping state changes.
type UnregisteredEventError struct {
	EventType MessageType
}

// Error implements the Error method of the error interface.
func (e *UnregisteredEventError) Error() string {
	return fmt.Sprintf("no apply func registered for event type %q", e.EventType)
}

// BusError is an async error from the bus, carrying the message that caused
// it. Handler errors during publish and Fire failures are delivered this way.
type BusError struct {
	Err error
	Ctx context.Context
	Msg Message
}

// Error implements the Error method of the error interface.
func (e *BusError) Error() string {
	str := "bus error: "

	if e.Err != nil {
		str += e.Err.Error()
	} else {
		str += "unknown error"
	}

	if e.Msg != nil {
		str += fmt.Sprintf(" [%s(%s)]", e.Msg.MessageType(), e.Msg.MsgID())
	}

	return str
}

// Unwrap implements the errors.Unwrap interface.
func (e *BusError) Unwrap() error {
	return e.Err
}
