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

// Package aggregate provides the event sourcing kernel for domain entities:
// state is the fold of the entity's event history, changes are recorded by
// raising further events.
package aggregate

import (
	"fmt"

	sb "github.com/sourcebus/sourcebus"
	"github.com/sourcebus/sourcebus/uuid"
)

// Aggregate is an event sourced domain entity. A domain type embeds *Root to
// take care of the common methods and registers one apply func per event
// type in its constructor.
type Aggregate interface {
	// EntityID returns the immutable ID of the aggregate.
	EntityID() uuid.UUID

	// AggregateType returns the type name of the aggregate, used for stream
	// naming.
	AggregateType() string

	// ExpectedVersion returns the last persisted stream position the
	// aggregate has seen, or sourcebus.NewStreamVersion when it has never
	// been saved.
	ExpectedVersion() int64

	// SetExpectedVersion sets the persisted stream position. It is called by
	// the repository after loading and saving.
	SetExpectedVersion(v int64)

	// RestoreFromEvents folds historical events into the aggregate state.
	RestoreFromEvents(events []sb.Event) error

	// TakeEvents returns and clears the events raised since the last save.
	TakeEvents() []sb.Event
}

// Sourced is an aggregate that accepts a correlation source for the events
// it raises. The repository sets the source on load so every raised event is
// part of the triggering message's causal chain.
type Sourced interface {
	SetSource(source sb.Correlated)
}

// Root is the embeddable event sourcing base for domain aggregates.
//
// A typical aggregate:
//
//	type Account struct {
//	    *aggregate.Root
//
//	    balance int64
//	}
//
//	func NewAccount(id uuid.UUID) *Account {
//	    a := &Account{Root: aggregate.NewRoot("Account", id)}
//	    a.RegisterApplier(DepositedType, a.applyDeposited)
//	    return a
//	}
//
// State must only be mutated inside apply funcs, which run both during
// replay and immediately when an event is raised, so that live state always
// equals the fold of all applied events.
type Root struct {
	id       uuid.UUID
	t        string
	expected int64
	replayed int64
	appliers map[sb.MessageType]func(sb.Event)
	pending  []sb.Event
	source   sb.Correlated
	rooted   bool
}

// NewRoot creates the base of an aggregate that has never been persisted.
func NewRoot(aggregateType string, id uuid.UUID) *Root {
	return &Root{
		id:       id,
		t:        aggregateType,
		expected: sb.NewStreamVersion,
		appliers: map[sb.MessageType]func(sb.Event){},
	}
}

// EntityID implements the EntityID method of the Aggregate interface.
func (r *Root) EntityID() uuid.UUID {
	return r.id
}

// AggregateType implements the AggregateType method of the Aggregate interface.
func (r *Root) AggregateType() string {
	return r.t
}

// ExpectedVersion implements the ExpectedVersion method of the Aggregate
// interface.
func (r *Root) ExpectedVersion() int64 {
	return r.expected
}

// SetExpectedVersion implements the SetExpectedVersion method of the
// Aggregate interface.
func (r *Root) SetExpectedVersion(v int64) {
	r.expected = v
}

// Replayed returns how many historical events have been folded into the
// aggregate.
func (r *Root) Replayed() int64 {
	return r.replayed
}

// RegisterApplier associates an apply func with an event type. It is called
// once per event type in the aggregate constructor; registering a duplicate
// or empty type panics, as that is a wiring bug.
func (r *Root) RegisterApplier(t sb.MessageType, apply func(sb.Event)) {
	if t == sb.MessageType("") {
		panic("aggregate: attempt to register empty event type")
	}
	if apply == nil {
		panic(fmt.Sprintf("aggregate: nil apply func for event type %q", t))
	}
	if _, ok := r.appliers[t]; ok {
		panic(fmt.Sprintf("aggregate: registering duplicate apply func for %q", t))
	}

	r.appliers[t] = apply
}

// SetSource implements the SetSource method of the Sourced interface. Events
// raised afterwards are stamped as caused by source.
func (r *Root) SetSource(source sb.Correlated) {
	r.source = source
	r.rooted = false
}

// UseRootCorrelation makes events raised afterwards start their own causal
// chains. It is the explicit bootstrap escape hatch for code paths with no
// triggering message, such as seeding fixtures.
func (r *Root) UseRootCorrelation() {
	r.source = nil
	r.rooted = true
}

// RestoreFromEvents implements the RestoreFromEvents method of the Aggregate
// interface. It folds each event through its apply func in order and
// advances the expected version by one per event. An event type with no
// registered apply func fails the whole restore.
func (r *Root) RestoreFromEvents(events []sb.Event) error {
	for _, event := range events {
		apply, ok := r.appliers[event.MessageType()]
		if !ok {
			return &sb.UnregisteredEventError{EventType: event.MessageType()}
		}

		apply(event)
		r.expected++
		r.replayed++
	}

	return nil
}

// Raise records a state change: the event is stamped with the current
// correlation context, applied immediately to keep in-memory state
// consistent, and appended to the pending list for the next save.
//
// Raising an event type with no registered apply func, or raising without a
// correlation source when UseRootCorrelation was not requested, panics: both
// are wiring bugs that would otherwise silently corrupt state or break the
// correlation chain.
func (r *Root) Raise(event sb.Event) {
	apply, ok := r.appliers[event.MessageType()]
	if !ok {
		panic((&sb.UnregisteredEventError{EventType: event.MessageType()}).Error())
	}

	if stamper, ok := event.(sb.CorrelationStamper); ok {
		switch {
		case r.source != nil:
			stamper.StampCorrelation(r.source)
		case r.rooted:
			stamper.StampRootCorrelation()
		default:
			panic(fmt.Sprintf("aggregate: raising %q without a correlation source", event.MessageType()))
		}
	} else if event.CorrelationID() == uuid.Nil {
		panic(fmt.Sprintf("aggregate: event %q carries no correlation", event.MessageType()))
	}

	apply(event)
	r.pending = append(r.pending, event)
}

// TakeEvents implements the TakeEvents method of the Aggregate interface.
func (r *Root) TakeEvents() []sb.Event {
	events := r.pending
	r.pending = nil

	return events
}
