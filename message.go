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

// Package sourcebus is an event-sourcing/CQRS toolkit with a correlated
// in-process message bus.
package sourcebus

import (
	"github.com/sourcebus/sourcebus/uuid"
)

// MessageType is the type of a message, used as its unique identifier and as
// the key into the TypeRegistry hierarchy.
type MessageType string

// String implements the fmt.Stringer interface.
func (t MessageType) String() string {
	return string(t)
}

// Built in message types forming the root of the type hierarchy. Domain
// types are registered under these in a TypeRegistry.
const (
	MessageTypeMessage         MessageType = "Message"
	MessageTypeCommand         MessageType = "Command"
	MessageTypeEvent           MessageType = "Event"
	MessageTypeAckCommand      MessageType = "AckCommand"
	MessageTypeCommandResponse MessageType = "CommandResponse"
)

// Message is the root identity of everything that travels on the bus.
// A message is created once and never mutated afterwards.
type Message interface {
	// MsgID returns the unique ID of the message.
	MsgID() uuid.UUID

	// MessageType returns the type of the message.
	MessageType() MessageType
}

// Correlated is a message that is part of a causal chain. All messages in one
// chain share the same correlation ID, and every non-root message's causation
// ID equals the msg ID of the message that produced it.
type Correlated interface {
	Message

	// CorrelationID returns the ID shared by all messages in the causal chain.
	CorrelationID() uuid.UUID

	// CausationID returns the msg ID of the immediate antecedent message, or
	// uuid.Nil for a root message.
	CausationID() uuid.UUID
}

// CorrelationStamper is implemented by messages whose correlation context can
// be set after construction, typically domain events that are stamped when
// they are raised on an aggregate.
type CorrelationStamper interface {
	// StampCorrelation sets the correlation context from a source message.
	StampCorrelation(source Correlated)

	// StampRootCorrelation makes the message the root of a new causal chain.
	StampRootCorrelation()
}

// CorrelationRoot is an embeddable base that provides message identity and
// correlation for concrete message types. The fields are exported for codecs
// but excluded from plain JSON marshaling, wire envelopes carry them instead.
type CorrelationRoot struct {
	ID          uuid.UUID `json:"-" bson:"-"`
	Correlation uuid.UUID `json:"-" bson:"-"`
	Causation   uuid.UUID `json:"-" bson:"-"`
}

// NewRootCorrelation creates the identity of a message that starts a new
// causal chain: the correlation ID is the message's own ID and the causation
// ID is the nil sentinel.
func NewRootCorrelation() CorrelationRoot {
	id := uuid.New()

	return CorrelationRoot{
		ID:          id,
		Correlation: id,
		Causation:   uuid.Nil,
	}
}

// NewCorrelationFrom creates the identity of a message caused by source,
// inheriting its correlation ID.
func NewCorrelationFrom(source Correlated) CorrelationRoot {
	return CorrelationRoot{
		ID:          uuid.New(),
		Correlation: source.CorrelationID(),
		Causation:   source.MsgID(),
	}
}

// MsgID implements the MsgID method of the Message interface.
func (c CorrelationRoot) MsgID() uuid.UUID {
	return c.ID
}

// CorrelationID implements the CorrelationID method of the Correlated interface.
func (c CorrelationRoot) CorrelationID() uuid.UUID {
	return c.Correlation
}

// CausationID implements the CausationID method of the Correlated interface.
func (c CorrelationRoot) CausationID() uuid.UUID {
	return c.Causation
}

// StampCorrelation implements the StampCorrelation method of the
// CorrelationStamper interface.
func (c *CorrelationRoot) StampCorrelation(source Correlated) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Correlation = source.CorrelationID()
	c.Causation = source.MsgID()
}

// StampRootCorrelation implements the StampRootCorrelation method of the
// CorrelationStamper interface.
func (c *CorrelationRoot) StampRootCorrelation() {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Correlation = c.ID
	c.Causation = uuid.Nil
}

// SetIdentity sets all identity fields at once. It is used by codecs when
// rebuilding messages from their wire form and should not be called on live
// messages.
func (c *CorrelationRoot) SetIdentity(id, correlation, causation uuid.UUID) {
	c.ID = id
	c.Correlation = correlation
	c.Causation = causation
}
