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

package aggregate_test

import (
	"errors"
	"reflect"
	"testing"

	sb "github.com/sourcebus/sourcebus"
	"github.com/sourcebus/sourcebus/mocks"
	"github.com/sourcebus/sourcebus/uuid"
)

func TestNewAggregate(t *testing.T) {
	id := uuid.New()
	agg := mocks.NewTestAggregate(id)

	if agg.EntityID() != id {
		t.Error("the ID should be set:", agg.EntityID())
	}

	if agg.AggregateType() != mocks.TestAggregateType {
		t.Error("the type should be set:", agg.AggregateType())
	}

	if agg.ExpectedVersion() != sb.NewStreamVersion {
		t.Error("a fresh aggregate should never have been saved:", agg.ExpectedVersion())
	}
}

func TestRaiseAppliesImmediately(t *testing.T) {
	cmd := mocks.NewTestCommand("trigger")

	agg := mocks.NewTestAggregate(uuid.New())
	agg.SetSource(cmd)

	agg.Append("a")
	agg.Append("b")

	if !reflect.DeepEqual(agg.Content, []string{"a", "b"}) {
		t.Error("raised events should be applied immediately:", agg.Content)
	}

	// Raising does not advance the persisted version.
	if agg.ExpectedVersion() != sb.NewStreamVersion {
		t.Error("raising should not touch the expected version:", agg.ExpectedVersion())
	}

	events := agg.TakeEvents()
	if len(events) != 2 {
		t.Fatal("both events should be pending:", len(events))
	}

	for _, event := range events {
		if event.CorrelationID() != cmd.CorrelationID() {
			t.Error("raised events should join the command's chain")
		}

		if event.CausationID() != cmd.MsgID() {
			t.Error("raised events should be caused by the command")
		}
	}

	if got := agg.TakeEvents(); len(got) != 0 {
		t.Error("taking events should clear the pending list:", got)
	}
}

func TestRaiseWithoutSourcePanics(t *testing.T) {
	agg := mocks.NewTestAggregate(uuid.New())

	defer func() {
		if recover() == nil {
			t.Error("raising without a correlation source should panic")
		}
	}()

	agg.Append("orphan")
}

func TestRaiseWithRootCorrelation(t *testing.T) {
	agg := mocks.NewTestAggregate(uuid.New())
	agg.UseRootCorrelation()

	agg.Append("bootstrap")

	events := agg.TakeEvents()
	if len(events) != 1 {
		t.Fatal("the event should be pending")
	}

	event := events[0]
	if event.CorrelationID() != event.MsgID() {
		t.Error("a bootstrap event should start its own chain")
	}

	if event.CausationID() != uuid.Nil {
		t.Error("a bootstrap event should have no causation")
	}
}

func TestRaiseUnregisteredPanics(t *testing.T) {
	agg := mocks.NewTestAggregate(uuid.New())
	agg.UseRootCorrelation()

	defer func() {
		if recover() == nil {
			t.Error("raising an unregistered event type should panic")
		}
	}()

	agg.Raise(mocks.NewTestEventSibling("unknown"))
}

func TestRegisterApplierDuplicatePanics(t *testing.T) {
	agg := mocks.NewTestAggregate(uuid.New())

	defer func() {
		if recover() == nil {
			t.Error("registering a duplicate applier should panic")
		}
	}()

	agg.RegisterApplier(mocks.TestEventType, func(sb.Event) {})
}

func TestRestoreFromEvents(t *testing.T) {
	cmd := mocks.NewTestCommand("trigger")

	// Build a history by raising on a live aggregate.
	live := mocks.NewTestAggregate(uuid.New())
	live.SetSource(cmd)
	live.Append("a")
	live.Append("b")
	live.Append("c")
	history := live.TakeEvents()

	// Replaying the history must fold to the same state.
	replayed := mocks.NewTestAggregate(live.EntityID())
	if err := replayed.RestoreFromEvents(history); err != nil {
		t.Fatal("there should be no error:", err)
	}

	if !reflect.DeepEqual(replayed.Content, live.Content) {
		t.Error("replayed state should equal live state:", replayed.Content, live.Content)
	}

	// The expected version advances by one per replayed event.
	if replayed.ExpectedVersion() != 2 {
		t.Error("the expected version should be 2:", replayed.ExpectedVersion())
	}

	if replayed.Replayed() != 3 {
		t.Error("three events should have been replayed:", replayed.Replayed())
	}

	// Replay produces no new pending events.
	if got := replayed.TakeEvents(); len(got) != 0 {
		t.Error("replaying should not raise events:", got)
	}
}

func TestRestoreUnregisteredEvent(t *testing.T) {
	agg := mocks.NewTestAggregate(uuid.New())

	err := agg.RestoreFromEvents([]sb.Event{mocks.NewTestEventSibling("unknown")})
	if err == nil {
		t.Fatal("there should be an error")
	}

	var unregistered *sb.UnregisteredEventError
	if !errors.As(err, &unregistered) {
		t.Fatal("the error should be an UnregisteredEventError:", err)
	}

	if unregistered.EventType != mocks.TestEventSiblingType {
		t.Error("the error should name the event type:", unregistered.EventType)
	}
}
