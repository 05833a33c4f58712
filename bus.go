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
	"time"
)

// Handler is a message handler, used for events and other fire-and-forget
// messages. Handlers subscribed on a base type also receive all messages of
// types registered below it.
type Handler interface {
	// HandleMessage handles a message delivered by the bus.
	HandleMessage(ctx context.Context, m Message) error
}

// HandlerFunc is a function adapter for the Handler interface.
type HandlerFunc func(ctx context.Context, m Message) error

// HandleMessage implements the HandleMessage method of the Handler interface.
func (f HandlerFunc) HandleMessage(ctx context.Context, m Message) error {
	return f(ctx, m)
}

// CommandHandler handles a command and produces its terminal response.
// Returning a nil response with a nil error means success; a non-nil error is
// wrapped into a Fail response by the bus.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd Command) (*CommandResponse, error)
}

// CommandHandlerFunc is a function adapter for the CommandHandler interface.
type CommandHandlerFunc func(ctx context.Context, cmd Command) (*CommandResponse, error)

// HandleCommand implements the HandleCommand method of the CommandHandler
// interface.
func (f CommandHandlerFunc) HandleCommand(ctx context.Context, cmd Command) (*CommandResponse, error) {
	return f(ctx, cmd)
}

// CommandHandlerMiddleware is a function that wraps a CommandHandler with
// cross cutting behavior.
type CommandHandlerMiddleware func(CommandHandler) CommandHandler

// UseCommandHandlerMiddleware wraps a CommandHandler in one or more
// middlewares. The first middleware is the outermost.
func UseCommandHandlerMiddleware(h CommandHandler, middleware ...CommandHandlerMiddleware) CommandHandler {
	// Apply in reverse order so that the first is outermost.
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}

	return h
}

// HandlerMiddleware is a function that wraps a Handler with cross cutting
// behavior.
type HandlerMiddleware func(Handler) Handler

// UseHandlerMiddleware wraps a Handler in one or more middlewares. The first
// middleware is the outermost.
func UseHandlerMiddleware(h Handler, middleware ...HandlerMiddleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}

	return h
}

// MessagePublisher publishes messages to all matching subscribers.
type MessagePublisher interface {
	Publish(ctx context.Context, m Message) error
}

// CommandSender dispatches a command to its single handler and waits for the
// terminal response.
type CommandSender interface {
	Send(ctx context.Context, cmd Command, timeout time.Duration) (*CommandResponse, error)
}
