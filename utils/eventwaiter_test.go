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

package utils_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sb "github.com/sourcebus/sourcebus"
	"github.com/sourcebus/sourcebus/bus/local"
	"github.com/sourcebus/sourcebus/mocks"
	"github.com/sourcebus/sourcebus/utils"
)

func TestWaitForMatchingMessage(t *testing.T) {
	types := sb.NewTypeRegistry()
	mocks.RegisterTypes(types)

	bus, err := local.NewBus(types)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	defer bus.Close()

	waiter := utils.NewMessageWaiter()
	if _, err := bus.Subscribe(sb.MessageTypeEvent, waiter); err != nil {
		t.Fatal("there should be no error:", err)
	}

	// Register the wait before publishing so nothing can slip past.
	id, ch := waiter.SetupWait(func(m sb.Message) bool {
		event, ok := m.(*mocks.TestEvent)

		return ok && event.Content == "wanted"
	})
	defer waiter.CancelWait(id)

	bus.Publish(context.Background(), mocks.NewTestEvent("other"))  //nolint:errcheck
	bus.Publish(context.Background(), mocks.NewTestEvent("wanted")) //nolint:errcheck

	select {
	case m := <-ch:
		if m.(*mocks.TestEvent).Content != "wanted" {
			t.Error("the matching message should be returned:", m)
		}
	case <-time.After(time.Second):
		t.Fatal("the wait should match the published message")
	}
}

func TestWaitCanceled(t *testing.T) {
	waiter := utils.NewMessageWaiter()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := waiter.Wait(ctx, func(sb.Message) bool { return true }); !errors.Is(err, context.Canceled) {
		t.Error("a canceled wait should report the cancellation:", err)
	}
}

func TestCancelWaitStopsMatching(t *testing.T) {
	waiter := utils.NewMessageWaiter()

	id, ch := waiter.SetupWait(func(sb.Message) bool { return true })
	waiter.CancelWait(id)

	if err := waiter.HandleMessage(context.Background(), mocks.NewTestEvent("late")); err != nil {
		t.Fatal("there should be no error:", err)
	}

	select {
	case m := <-ch:
		t.Error("a canceled wait should not receive messages:", m)
	default:
	}
}
