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

// Package tracing adds opentracing spans around command dispatch and message
// handling. The correlation ID goes on every span, so a whole causal chain
// can be pulled up from one tag.
package tracing

import (
	"context"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	sb "github.com/sourcebus/sourcebus"
)

// NewCommandHandlerMiddleware returns a command handler middleware that adds
// tracing spans.
func NewCommandHandlerMiddleware() sb.CommandHandlerMiddleware {
	return sb.CommandHandlerMiddleware(func(h sb.CommandHandler) sb.CommandHandler {
		return sb.CommandHandlerFunc(func(ctx context.Context, cmd sb.Command) (*sb.CommandResponse, error) {
			opName := fmt.Sprintf("Command(%s)", cmd.MessageType())
			sp, ctx := opentracing.StartSpanFromContext(ctx, opName)

			resp, err := h.HandleCommand(ctx, cmd)

			sp.SetTag("sb.command_type", cmd.MessageType())
			sp.SetTag("sb.msg_id", cmd.MsgID())
			sp.SetTag("sb.correlation_id", cmd.CorrelationID())

			if resp != nil {
				sp.SetTag("sb.status", resp.Status.String())
			}

			if err != nil {
				ext.LogError(sp, err)
			}

			sp.Finish()

			return resp, err
		})
	})
}

// NewHandlerMiddleware returns a message handler middleware that adds tracing
// spans.
func NewHandlerMiddleware() sb.HandlerMiddleware {
	return sb.HandlerMiddleware(func(h sb.Handler) sb.Handler {
		return sb.HandlerFunc(func(ctx context.Context, m sb.Message) error {
			opName := fmt.Sprintf("Message(%s)", m.MessageType())
			sp, ctx := opentracing.StartSpanFromContext(ctx, opName)

			err := h.HandleMessage(ctx, m)

			sp.SetTag("sb.msg_type", m.MessageType())
			sp.SetTag("sb.msg_id", m.MsgID())

			if corr, ok := m.(sb.Correlated); ok {
				sp.SetTag("sb.correlation_id", corr.CorrelationID())
				sp.SetTag("sb.causation_id", corr.CausationID())
			}

			if err != nil {
				ext.LogError(sp, err)
			}

			sp.Finish()

			return err
		})
	})
}
