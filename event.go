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
	"time"
)

// Event is a correlated message describing something that has happened.
//
// An event name should 1) be in past tense and 2) contain the intent
// (CustomerMoved vs CustomerAddressCorrected). The event should contain all
// the data needed when applying it to an aggregate.
type Event interface {
	Correlated

	// Timestamp returns when the event occurred.
	Timestamp() time.Time

	// SchemaVersion returns the version of the event's schema, used by
	// codecs to run upcasters on old stored forms.
	SchemaVersion() int
}

// EventBase is an embeddable base for concrete event types. Events are
// usually created uncorrelated by aggregate domain methods and stamped with
// the correlation of the triggering command when they are raised.
type EventBase struct {
	CorrelationRoot

	At     time.Time `json:"-" bson:"-"`
	Schema int       `json:"-" bson:"-"`
}

// NewEventBase creates an event base with the current time and schema
// version 1. The correlation context is left unset until the event is raised.
func NewEventBase() EventBase {
	return NewEventBaseWithSchema(1)
}

// NewEventBaseWithSchema creates an event base with an explicit schema version.
func NewEventBaseWithSchema(schema int) EventBase {
	return EventBase{
		At:     time.Now(),
		Schema: schema,
	}
}

// Timestamp implements the Timestamp method of the Event interface.
func (e EventBase) Timestamp() time.Time {
	return e.At
}

// SchemaVersion implements the SchemaVersion method of the Event interface.
func (e EventBase) SchemaVersion() int {
	return e.Schema
}

// SetTimestamp sets the event time. It is used by codecs when rebuilding
// events from their wire form.
func (e *EventBase) SetTimestamp(t time.Time) {
	e.At = t
}

// SetSchemaVersion sets the schema version. It is used by codecs after
// upcasting an old stored form.
func (e *EventBase) SetSchemaVersion(v int) {
	e.Schema = v
}
