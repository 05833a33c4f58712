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

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kr/pretty"

	sb "github.com/sourcebus/sourcebus"
	"github.com/sourcebus/sourcebus/mocks"
)

func testEvents(contents ...string) []sb.Event {
	events := make([]sb.Event, 0, len(contents))
	for _, c := range contents {
		events = append(events, mocks.NewTestEvent(c))
	}

	return events
}

func TestAppendAndRead(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	next, err := store.AppendToStream(ctx, "s1", sb.NewStreamVersion, testEvents("a", "b"))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if next != 1 {
		t.Error("the next version should be 1:", next)
	}

	next, err = store.AppendToStream(ctx, "s1", 1, testEvents("c"))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if next != 2 {
		t.Error("the next version should be 2:", next)
	}

	events, last, err := store.ReadStreamForward(ctx, "s1", 0, 10)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if last != 2 {
		t.Error("the last version should be 2:", last)
	}

	if len(events) != 3 {
		t.Fatal("all events should be read:", len(events))
	}

	for i, content := range []string{"a", "b", "c"} {
		if events[i].(*mocks.TestEvent).Content != content {
			t.Error("the events should be in append order:", pretty.Sprint(events))
		}
	}
}

func TestReadPaged(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	if _, err := store.AppendToStream(ctx, "s1", sb.NewStreamVersion, testEvents("a", "b", "c")); err != nil {
		t.Fatal("there should be no error:", err)
	}

	events, last, err := store.ReadStreamForward(ctx, "s1", 1, 1)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if last != 2 || len(events) != 1 || events[0].(*mocks.TestEvent).Content != "b" {
		t.Error("the page should hold the second event:", events, last)
	}

	// Reading past the end is empty, not an error.
	events, last, err = store.ReadStreamForward(ctx, "s1", 5, 10)
	if err != nil || last != 2 || len(events) != 0 {
		t.Error("reading past the end should be empty:", events, last, err)
	}
}

func TestReadUnknownStream(t *testing.T) {
	store := NewEventStore()

	events, last, err := store.ReadStreamForward(context.Background(), "nope", 0, 10)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	if last != sb.NewStreamVersion || events != nil {
		t.Error("an unknown stream should report NewStreamVersion:", last, events)
	}
}

func TestAppendVersionConflict(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	if _, err := store.AppendToStream(ctx, "s1", sb.NewStreamVersion, testEvents("a")); err != nil {
		t.Fatal("there should be no error:", err)
	}

	_, err := store.AppendToStream(ctx, "s1", sb.NewStreamVersion, testEvents("conflicting"))

	var conflict *sb.ConcurrencyError
	if !errors.As(err, &conflict) {
		t.Fatal("the stale append should conflict:", err)
	}

	if conflict.Expected != sb.NewStreamVersion || conflict.Actual != 0 {
		t.Error("the conflict should report both versions:", conflict)
	}

	// Nothing from the failed append is visible.
	events, _, err := store.ReadStreamForward(ctx, "s1", 0, 10)
	if err != nil || len(events) != 1 {
		t.Error("the conflicting events should not be stored:", events, err)
	}
}

func TestGlobalPositions(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	store.AppendToStream(ctx, "s1", sb.NewStreamVersion, testEvents("a")) //nolint:errcheck
	store.AppendToStream(ctx, "s2", sb.NewStreamVersion, testEvents("b")) //nolint:errcheck
	store.AppendToStream(ctx, "s1", 0, testEvents("c"))                   //nolint:errcheck

	sub, err := store.SubscribeToAll(ctx, sb.AllStreamStart)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	defer sub.Close()

	for i := int64(0); i < 3; i++ {
		select {
		case r := <-sub.Events():
			if r.Position != i {
				t.Error("positions should be gapless and increasing:", r.Position, i)
			}
		case <-time.After(time.Second):
			t.Fatal("the subscription should replay history")
		}
	}
}

func TestSubscribeToStream(t *testing.T) {
	store := NewEventStore()
	ctx := context.Background()

	store.AppendToStream(ctx, "s1", sb.NewStreamVersion, testEvents("old")) //nolint:errcheck
	store.AppendToStream(ctx, "s2", sb.NewStreamVersion, testEvents("other")) //nolint:errcheck

	sub, err := store.SubscribeToStream(ctx, "s1", 0)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	defer sub.Close()

	// History first.
	select {
	case r := <-sub.Events():
		if r.Event.(*mocks.TestEvent).Content != "old" {
			t.Error("the history should be replayed:", r.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("the subscription should replay history")
	}

	// Then live events, with other streams filtered out.
	store.AppendToStream(ctx, "s2", 0, testEvents("more other")) //nolint:errcheck
	store.AppendToStream(ctx, "s1", 0, testEvents("live"))       //nolint:errcheck

	select {
	case r := <-sub.Events():
		if r.Event.(*mocks.TestEvent).Content != "live" {
			t.Error("only the subscribed stream should be delivered:", r.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("the subscription should receive live events")
	}
}

func TestSubscriptionContextCancel(t *testing.T) {
	store := NewEventStore()

	ctx, cancel := context.WithCancel(context.Background())

	sub, err := store.SubscribeToAll(ctx, sb.AllStreamStart)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	cancel()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("the channel should be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("cancellation should close the subscription")
	}

	if !errors.Is(sub.Err(), context.Canceled) {
		t.Error("the subscription should report the cancellation:", sub.Err())
	}
}

func TestSubscriptionOverflow(t *testing.T) {
	old := DefaultSubscriptionBuffer
	DefaultSubscriptionBuffer = 2

	defer func() { DefaultSubscriptionBuffer = old }()

	store := NewEventStore()
	ctx := context.Background()

	sub, err := store.SubscribeToAll(ctx, sb.AllStreamStart)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	// Nobody consumes; the third event overflows the buffer.
	store.AppendToStream(ctx, "s1", sb.NewStreamVersion, testEvents("a", "b", "c")) //nolint:errcheck

	for range sub.Events() {
	}

	if !errors.Is(sub.Err(), ErrSubscriptionOverflow) {
		t.Error("the slow subscriber should be dropped:", sub.Err())
	}
}
