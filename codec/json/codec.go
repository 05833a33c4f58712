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

// Package json provides a codec for marshaling and unmarshaling messages to
// and from bytes in JSON format, with upcasting of old event schemas.
package json

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	sb "github.com/sourcebus/sourcebus"
	"github.com/sourcebus/sourcebus/uuid"
)

// Upcaster transforms the stored data of one schema version into the next.
type Upcaster func(data json.RawMessage) (json.RawMessage, error)

// Codec is a sourcebus.MessageCodec in JSON format. Concrete types are
// created through the factories registered in the type registry.
type Codec struct {
	types *sb.TypeRegistry

	upcastersMu sync.RWMutex
	upcasters   map[upcasterKey]Upcaster
}

type upcasterKey struct {
	t    sb.MessageType
	from int
}

// NewCodec creates a Codec backed by the given type registry.
func NewCodec(types *sb.TypeRegistry) *Codec {
	return &Codec{
		types:     types,
		upcasters: map[upcasterKey]Upcaster{},
	}
}

// RegisterUpcaster registers the transformation from schema version from to
// from+1 for a message type. Upcasters chain: a stored version 1 form with
// upcasters for 1 and 2 is decoded at version 3. Registering a duplicate
// panics, as that is a wiring bug.
func (c *Codec) RegisterUpcaster(t sb.MessageType, from int, up Upcaster) {
	if up == nil {
		panic(fmt.Sprintf("json: nil upcaster for %q", t))
	}

	c.upcastersMu.Lock()
	defer c.upcastersMu.Unlock()

	key := upcasterKey{t: t, from: from}
	if _, ok := c.upcasters[key]; ok {
		panic(fmt.Sprintf("json: registering duplicate upcaster for %q version %d", t, from))
	}
	c.upcasters[key] = up
}

// envelope is the internal wire form. The message's own identity fields are
// excluded from its data and carried here instead.
type envelope struct {
	MsgID         string          `json:"msg_id"`
	MsgType       sb.MessageType  `json:"msg_type"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id"`
	Timestamp     time.Time       `json:"timestamp,omitzero"`
	SchemaVersion int             `json:"schema_version,omitempty"`
	RawData       json.RawMessage `json:"data,omitempty"`
}

// MarshalMessage implements the MarshalMessage method of the
// sourcebus.MessageCodec interface.
func (c *Codec) MarshalMessage(ctx context.Context, m sb.Message) ([]byte, error) {
	e := envelope{
		MsgID:   m.MsgID().String(),
		MsgType: m.MessageType(),
	}

	if corr, ok := m.(sb.Correlated); ok {
		e.CorrelationID = corr.CorrelationID().String()
		e.CausationID = corr.CausationID().String()
	}
	if event, ok := m.(sb.Event); ok {
		e.Timestamp = event.Timestamp()
		e.SchemaVersion = event.SchemaVersion()
	}

	var err error
	if e.RawData, err = json.Marshal(m); err != nil {
		return nil, fmt.Errorf("could not marshal message data: %w", err)
	}

	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("could not marshal message: %w", err)
	}

	return b, nil
}

// UnmarshalMessage implements the UnmarshalMessage method of the
// sourcebus.MessageCodec interface.
func (c *Codec) UnmarshalMessage(ctx context.Context, b []byte) (sb.Message, error) {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("could not unmarshal message: %w", err)
	}

	factory, err := c.types.Factory(e.MsgType)
	if err != nil {
		return nil, err
	}

	data, version, err := c.upcast(e.MsgType, e.RawData, e.SchemaVersion)
	if err != nil {
		return nil, err
	}

	m := factory()
	if len(data) > 0 {
		if err := json.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("could not unmarshal message data: %w", err)
		}
	}

	if err := c.setIdentity(m, e); err != nil {
		return nil, err
	}

	if setter, ok := m.(interface{ SetTimestamp(time.Time) }); ok {
		setter.SetTimestamp(e.Timestamp)
	}
	if setter, ok := m.(interface{ SetSchemaVersion(int) }); ok {
		setter.SetSchemaVersion(version)
	}

	return m, nil
}

func (c *Codec) setIdentity(m sb.Message, e envelope) error {
	setter, ok := m.(interface{ SetIdentity(id, correlation, causation uuid.UUID) })
	if !ok {
		return nil
	}

	id, err := uuid.Parse(e.MsgID)
	if err != nil {
		return fmt.Errorf("could not parse msg ID: %w", err)
	}

	correlation := uuid.Nil
	if e.CorrelationID != "" {
		if correlation, err = uuid.Parse(e.CorrelationID); err != nil {
			return fmt.Errorf("could not parse correlation ID: %w", err)
		}
	}

	causation := uuid.Nil
	if e.CausationID != "" {
		if causation, err = uuid.Parse(e.CausationID); err != nil {
			return fmt.Errorf("could not parse causation ID: %w", err)
		}
	}

	setter.SetIdentity(id, correlation, causation)

	return nil
}

// upcast runs the registered upcaster chain from the stored version to the
// newest reachable version.
func (c *Codec) upcast(t sb.MessageType, data json.RawMessage, version int) (json.RawMessage, int, error) {
	if version == 0 {
		version = 1
	}

	c.upcastersMu.RLock()
	defer c.upcastersMu.RUnlock()

	for {
		up, ok := c.upcasters[upcasterKey{t: t, from: version}]
		if !ok {
			return data, version, nil
		}

		next, err := up(data)
		if err != nil {
			return nil, version, fmt.Errorf("could not upcast %q from version %d: %w", t, version, err)
		}

		data = next
		version++
	}
}
