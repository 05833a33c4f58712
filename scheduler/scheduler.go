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

// Package scheduler dispatches commands on the bus at a later time, either
// once or on a cron schedule. It uses the cron syntax from
// https://github.com/gorhill/cronexpr.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"

	sb "github.com/sourcebus/sourcebus"
)

// DefaultSendTimeout is the per-dispatch command timeout.
var DefaultSendTimeout = 30 * time.Second

// Scheduler sends commands through a CommandSender on timers. Scheduled
// dispatches are fire-and-forget from the caller's point of view; failures
// are delivered on the Errors channel.
type Scheduler struct {
	sender  sb.CommandSender
	timeout time.Duration
	errCh   chan Error
}

// Option is an option setter used to configure creation.
type Option func(*Scheduler) error

// WithSendTimeout sets the command timeout used for each dispatch.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Scheduler) error {
		if d <= 0 {
			return fmt.Errorf("invalid send timeout: %v", d)
		}
		s.timeout = d

		return nil
	}
}

// New creates a Scheduler sending through sender.
func New(sender sb.CommandSender, options ...Option) (*Scheduler, error) {
	if sender == nil {
		return nil, fmt.Errorf("missing command sender")
	}

	s := &Scheduler{
		sender:  sender,
		timeout: DefaultSendTimeout,
		errCh:   make(chan Error, 20),
	}

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	return s, nil
}

// Errors returns the error channel. It must be consumed; errors are dropped
// when the channel is full.
func (s *Scheduler) Errors() <-chan Error {
	return s.errCh
}

// ScheduleAt dispatches cmd once at time at. Cancelling the context before
// then drops the dispatch without an error.
func (s *Scheduler) ScheduleAt(ctx context.Context, cmd sb.Command, at time.Time) {
	go func() {
		t := time.NewTimer(time.Until(at))
		defer t.Stop()

		select {
		case <-ctx.Done():
		case <-t.C:
			s.dispatch(ctx, cmd)
		}
	}()
}

// ScheduleCron dispatches a fresh command from cmdFunc every time cronLine
// triggers, with the trigger time as input. Cancelling the context stops the
// schedule.
func (s *Scheduler) ScheduleCron(ctx context.Context, cronLine string, cmdFunc func(time.Time) sb.Command) error {
	expr, err := cronexpr.Parse(cronLine)
	if err != nil {
		return fmt.Errorf("could not parse cron line: %w", err)
	}

	go func() {
		for {
			next := expr.Next(time.Now())
			if next.IsZero() {
				// The expression has no more trigger times.
				return
			}

			t := time.NewTimer(time.Until(next))

			select {
			case <-ctx.Done():
				t.Stop()

				return
			case <-t.C:
				s.dispatch(ctx, cmdFunc(next))
			}
		}
	}()

	return nil
}

func (s *Scheduler) dispatch(ctx context.Context, cmd sb.Command) {
	resp, err := s.sender.Send(ctx, cmd, s.timeout)
	if err == nil && resp != nil && !resp.Succeeded() {
		err = resp.Err
	}

	if err != nil {
		select {
		case s.errCh <- Error{Err: err, Ctx: ctx, Command: cmd}:
		default:
		}
	}
}

// Error is an async error containing the failed command.
type Error struct {
	Err     error
	Ctx     context.Context
	Command sb.Command
}

// Error implements the Error method of the error interface.
func (e Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Command.MessageType(), e.Command.MsgID(), e.Err.Error())
}

// Unwrap implements the errors unwrap interface.
func (e Error) Unwrap() error {
	return e.Err
}
