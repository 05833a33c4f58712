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

// Package mocks provides message types, handlers and aggregates used in tests
// across the packages.
package mocks

import (
	"context"
	"sync"
	"time"

	sb "github.com/sourcebus/sourcebus"
	"github.com/sourcebus/sourcebus/aggregate"
	"github.com/sourcebus/sourcebus/uuid"
)

// Test message types forming a small hierarchy:
//
//	Event
//	├── TestEvent
//	│   └── TestEventChild
//	└── TestEventSibling
//	Command
//	├── TestCommand
//	├── TestCommand2
//	└── TestCommand3
const (
	TestEventType        sb.MessageType = "TestEvent"
	TestEventChildType   sb.MessageType = "TestEventChild"
	TestEventSiblingType sb.MessageType = "TestEventSibling"
	TestCommandType      sb.MessageType = "TestCommand"
	TestCommand2Type     sb.MessageType = "TestCommand2"
	TestCommand3Type     sb.MessageType = "TestCommand3"
)

// TestAggregateType is the aggregate type of TestAggregate.
const TestAggregateType = "TestAggregate"

// RegisterTypes registers the test hierarchy in r.
func RegisterTypes(r *sb.TypeRegistry) {
	r.Register(TestEventType, sb.MessageTypeEvent,
		sb.WithFactory(func() sb.Message { return &TestEvent{} }))
	r.Register(TestEventChildType, TestEventType,
		sb.WithFactory(func() sb.Message { return &TestEventChild{} }))
	r.Register(TestEventSiblingType, sb.MessageTypeEvent,
		sb.WithFactory(func() sb.Message { return &TestEventSibling{} }))
	r.Register(TestCommandType, sb.MessageTypeCommand,
		sb.WithFactory(func() sb.Message { return &TestCommand{} }))
	r.Register(TestCommand2Type, sb.MessageTypeCommand,
		sb.WithFactory(func() sb.Message { return &TestCommand2{} }))
	r.Register(TestCommand3Type, sb.MessageTypeCommand,
		sb.WithFactory(func() sb.Message { return &TestCommand3{} }))
}

// TestEvent is a mock event with some content.
type TestEvent struct {
	sb.EventBase

	Content string `json:"content" bson:"content"`
}

// NewTestEvent creates a TestEvent starting its own causal chain.
func NewTestEvent(content string) *TestEvent {
	e := &TestEvent{
		EventBase: sb.NewEventBase(),
		Content:   content,
	}
	e.StampRootCorrelation()

	return e
}

// MessageType implements the MessageType method of the Message interface.
func (e *TestEvent) MessageType() sb.MessageType { return TestEventType }

// TestEventChild is a mock event registered below TestEvent.
type TestEventChild struct {
	sb.EventBase

	Content string `json:"content" bson:"content"`
	Extra   string `json:"extra" bson:"extra"`
}

// NewTestEventChild creates a TestEventChild starting its own causal chain.
func NewTestEventChild(content, extra string) *TestEventChild {
	e := &TestEventChild{
		EventBase: sb.NewEventBase(),
		Content:   content,
		Extra:     extra,
	}
	e.StampRootCorrelation()

	return e
}

// MessageType implements the MessageType method of the Message interface.
func (e *TestEventChild) MessageType() sb.MessageType { return TestEventChildType }

// TestEventSibling is a mock event beside TestEvent in the hierarchy.
type TestEventSibling struct {
	sb.EventBase

	Content string `json:"content" bson:"content"`
}

// NewTestEventSibling creates a TestEventSibling starting its own causal chain.
func NewTestEventSibling(content string) *TestEventSibling {
	e := &TestEventSibling{
		EventBase: sb.NewEventBase(),
		Content:   content,
	}
	e.StampRootCorrelation()

	return e
}

// MessageType implements the MessageType method of the Message interface.
func (e *TestEventSibling) MessageType() sb.MessageType { return TestEventSiblingType }

// TestCommand is a mock command with some content.
type TestCommand struct {
	sb.CommandBase

	Content string `json:"content" bson:"content"`
}

// NewTestCommand creates a TestCommand starting its own causal chain.
func NewTestCommand(content string) *TestCommand {
	return &TestCommand{
		CommandBase: sb.NewRootCommandBase(),
		Content:     content,
	}
}

// MessageType implements the MessageType method of the Message interface.
func (c *TestCommand) MessageType() sb.MessageType { return TestCommandType }

// TestCommand2 is a second mock command type.
type TestCommand2 struct {
	sb.CommandBase

	Content string `json:"content" bson:"content"`
}

// NewTestCommand2 creates a TestCommand2 starting its own causal chain.
func NewTestCommand2(content string) *TestCommand2 {
	return &TestCommand2{
		CommandBase: sb.NewRootCommandBase(),
		Content:     content,
	}
}

// MessageType implements the MessageType method of the Message interface.
func (c *TestCommand2) MessageType() sb.MessageType { return TestCommand2Type }

// TestCommand3 is a third mock command type.
type TestCommand3 struct {
	sb.CommandBase

	Content string `json:"content" bson:"content"`
}

// NewTestCommand3 creates a TestCommand3 starting its own causal chain.
func NewTestCommand3(content string) *TestCommand3 {
	return &TestCommand3{
		CommandBase: sb.NewRootCommandBase(),
		Content:     content,
	}
}

// MessageType implements the MessageType method of the Message interface.
func (c *TestCommand3) MessageType() sb.MessageType { return TestCommand3Type }

// MessageRecorder is a message handler recording everything it receives.
type MessageRecorder struct {
	mu       sync.Mutex
	messages []sb.Message
	grown    chan struct{}

	// Err, when set, is returned from every invocation.
	Err error
}

// NewMessageRecorder creates a MessageRecorder.
func NewMessageRecorder() *MessageRecorder {
	return &MessageRecorder{
		grown: make(chan struct{}, 1),
	}
}

// HandleMessage implements the HandleMessage method of the sourcebus.Handler
// interface.
func (r *MessageRecorder) HandleMessage(ctx context.Context, m sb.Message) error {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()

	select {
	case r.grown <- struct{}{}:
	default:
	}

	return r.Err
}

// Messages returns a copy of the recorded messages.
func (r *MessageRecorder) Messages() []sb.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]sb.Message(nil), r.messages...)
}

// Wait blocks until at least n messages have been recorded or the timeout
// passes, reporting whether the count was reached.
func (r *MessageRecorder) Wait(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)

	for {
		r.mu.Lock()
		got := len(r.messages)
		r.mu.Unlock()

		if got >= n {
			return true
		}

		select {
		case <-r.grown:
		case <-deadline:
			return false
		}
	}
}

// CommandHandler is a mock command handler with a scripted outcome.
type CommandHandler struct {
	mu       sync.Mutex
	commands []sb.Command

	// Response and Err are returned from every invocation.
	Response *sb.CommandResponse
	Err      error

	// Sleep delays the invocation, to exercise timeouts. A cancelable sleep
	// honors ctx and returns its error.
	Sleep time.Duration
}

// HandleCommand implements the HandleCommand method of the
// sourcebus.CommandHandler interface.
func (h *CommandHandler) HandleCommand(ctx context.Context, cmd sb.Command) (*sb.CommandResponse, error) {
	h.mu.Lock()
	h.commands = append(h.commands, cmd)
	h.mu.Unlock()

	if h.Sleep > 0 {
		t := time.NewTimer(h.Sleep)
		defer t.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	return h.Response, h.Err
}

// Commands returns a copy of the received commands.
func (h *CommandHandler) Commands() []sb.Command {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]sb.Command(nil), h.commands...)
}

// TestAggregate is a mock aggregate folding TestEvent contents into a slice.
type TestAggregate struct {
	*aggregate.Root

	Content []string
}

// NewTestAggregate creates a TestAggregate.
func NewTestAggregate(id uuid.UUID) *TestAggregate {
	a := &TestAggregate{
		Root: aggregate.NewRoot(TestAggregateType, id),
	}
	a.RegisterApplier(TestEventType, a.applyTestEvent)

	return a
}

// Append raises a TestEvent with content.
func (a *TestAggregate) Append(content string) {
	a.Raise(&TestEvent{
		EventBase: sb.NewEventBase(),
		Content:   content,
	})
}

func (a *TestAggregate) applyTestEvent(event sb.Event) {
	a.Content = append(a.Content, event.(*TestEvent).Content)
}
