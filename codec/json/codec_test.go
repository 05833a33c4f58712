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

package json_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	sb "github.com/sourcebus/sourcebus"
	codecjson "github.com/sourcebus/sourcebus/codec/json"
	"github.com/sourcebus/sourcebus/mocks"
)

func newTestCodec(t *testing.T) (*codecjson.Codec, *sb.TypeRegistry) {
	t.Helper()

	types := sb.NewTypeRegistry()
	mocks.RegisterTypes(types)

	return codecjson.NewCodec(types), types
}

func TestCommandRoundTrip(t *testing.T) {
	c, _ := newTestCodec(t)
	ctx := context.Background()

	cmd := mocks.NewTestCommand("payload")

	b, err := c.MarshalMessage(ctx, cmd)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	m, err := c.UnmarshalMessage(ctx, b)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	decoded, ok := m.(*mocks.TestCommand)
	if !ok {
		t.Fatal("the concrete type should be restored:", m)
	}

	if decoded.Content != "payload" {
		t.Error("the payload should survive:", decoded.Content)
	}

	if decoded.MsgID() != cmd.MsgID() {
		t.Error("the msg ID should survive:", decoded.MsgID())
	}

	if decoded.CorrelationID() != cmd.CorrelationID() || decoded.CausationID() != cmd.CausationID() {
		t.Error("the correlation context should survive")
	}
}

func TestEventRoundTrip(t *testing.T) {
	c, _ := newTestCodec(t)
	ctx := context.Background()

	cmd := mocks.NewTestCommand("trigger")
	event := mocks.NewTestEventChild("payload", "extra")
	event.StampCorrelation(cmd)

	b, err := c.MarshalMessage(ctx, event)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	m, err := c.UnmarshalMessage(ctx, b)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	decoded, ok := m.(*mocks.TestEventChild)
	if !ok {
		t.Fatal("the concrete type should be restored:", m)
	}

	if decoded.Content != "payload" || decoded.Extra != "extra" {
		t.Error("the payload should survive:", decoded.Content, decoded.Extra)
	}

	if !decoded.Timestamp().Equal(event.Timestamp()) {
		t.Error("the timestamp should survive:", decoded.Timestamp())
	}

	if decoded.SchemaVersion() != 1 {
		t.Error("the schema version should survive:", decoded.SchemaVersion())
	}

	if decoded.CorrelationID() != cmd.CorrelationID() || decoded.CausationID() != cmd.MsgID() {
		t.Error("the correlation context should survive")
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	c, _ := newTestCodec(t)

	raw := []byte(`{"msg_id":"10a7f6ed-1837-4a1b-b327-193f90f6c4de","msg_type":"Unknown","data":{}}`)

	if _, err := c.UnmarshalMessage(context.Background(), raw); !errors.Is(err, sb.ErrTypeNotRegistered) {
		t.Error("an unknown type should not decode:", err)
	}
}

func TestUpcasterChain(t *testing.T) {
	c, _ := newTestCodec(t)

	// 1→2 renames the field, 2→3 marks the content as migrated.
	c.RegisterUpcaster(mocks.TestEventType, 1, func(data json.RawMessage) (json.RawMessage, error) {
		var old struct {
			Title string `json:"title"`
		}
		if err := json.Unmarshal(data, &old); err != nil {
			return nil, err
		}

		return json.Marshal(map[string]string{"content": old.Title})
	})
	c.RegisterUpcaster(mocks.TestEventType, 2, func(data json.RawMessage) (json.RawMessage, error) {
		var v struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}

		return json.Marshal(map[string]string{"content": v.Content + " (migrated)"})
	})

	raw := []byte(`{
		"msg_id": "10a7f6ed-1837-4a1b-b327-193f90f6c4de",
		"msg_type": "TestEvent",
		"correlation_id": "10a7f6ed-1837-4a1b-b327-193f90f6c4de",
		"causation_id": "00000000-0000-0000-0000-000000000000",
		"timestamp": "2020-01-01T00:00:00Z",
		"schema_version": 1,
		"data": {"title": "hello"}
	}`)

	m, err := c.UnmarshalMessage(context.Background(), raw)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	event, ok := m.(*mocks.TestEvent)
	if !ok {
		t.Fatal("the concrete type should be restored:", m)
	}

	if event.Content != "hello (migrated)" {
		t.Error("the upcaster chain should run in order:", event.Content)
	}

	if event.SchemaVersion() != 3 {
		t.Error("the schema version should reflect the chain:", event.SchemaVersion())
	}
}

func TestCurrentSchemaSkipsUpcasters(t *testing.T) {
	c, _ := newTestCodec(t)

	called := false
	c.RegisterUpcaster(mocks.TestEventType, 1, func(data json.RawMessage) (json.RawMessage, error) {
		called = true

		return data, nil
	})

	event := mocks.NewTestEvent("fresh")
	event.SetSchemaVersion(2)

	b, err := c.MarshalMessage(context.Background(), event)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if _, err := c.UnmarshalMessage(context.Background(), b); err != nil {
		t.Fatal("there should be no error:", err)
	}

	if called {
		t.Error("a current form should not be upcast")
	}
}

func TestUpcasterFailure(t *testing.T) {
	c, _ := newTestCodec(t)

	boom := errors.New("boom")
	c.RegisterUpcaster(mocks.TestEventType, 1, func(data json.RawMessage) (json.RawMessage, error) {
		return nil, boom
	})

	raw := []byte(fmt.Sprintf(`{"msg_id":%q,"msg_type":"TestEvent","schema_version":1,"data":{}}`,
		"10a7f6ed-1837-4a1b-b327-193f90f6c4de"))

	if _, err := c.UnmarshalMessage(context.Background(), raw); !errors.Is(err, boom) {
		t.Error("an upcaster failure should surface:", err)
	}
}
