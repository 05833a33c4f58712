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

// Package local provides the in-process dispatch bus.
package local

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jinzhu/copier"
	"github.com/rs/zerolog"

	sb "github.com/sourcebus/sourcebus"
)

// DefaultQueueSize is the queue size used by WithQueue when none is given.
var DefaultQueueSize = 128

// DefaultSlowHandlerThreshold is how long a single handler invocation may
// take before a warning is logged. Observability only, never correctness.
var DefaultSlowHandlerThreshold = 500 * time.Millisecond

// Bus routes commands and events between in-process producers and consumers.
//
// Events are delivered to every handler subscribed on the event's type or any
// of its ancestor types, in subscription order. Commands are delivered to
// exactly one handler, with an AckCommand published on receipt and a single
// terminal CommandResponse published and returned on completion.
//
// The bus is safe for concurrent use. Messages published from a single
// goroutine are delivered in that goroutine's call order; no order is
// guaranteed across independent producers.
type Bus struct {
	types *sb.TypeRegistry
	log   zerolog.Logger
	slow  time.Duration

	mu      sync.RWMutex
	subs    map[sb.MessageType][]*Subscription
	cmds    map[sb.MessageType]*Subscription
	nextSeq uint64

	errCh chan sb.BusError

	queue   chan delivery
	closing chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
}

type delivery struct {
	ctx context.Context
	m   sb.Message
}

// Option is an option for creating a Bus.
type Option func(*Bus) error

// WithLogger sets the logger used for operational warnings.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Bus) error {
		b.log = log

		return nil
	}
}

// WithSlowHandlerThreshold sets the duration after which a handler invocation
// is logged as slow.
func WithSlowHandlerThreshold(d time.Duration) Option {
	return func(b *Bus) error {
		if d <= 0 {
			return fmt.Errorf("invalid slow handler threshold: %s", d)
		}
		b.slow = d

		return nil
	}
}

// WithQueue switches Publish to queued mode: delivery happens on a single
// dedicated worker goroutine instead of the calling goroutine. Events are
// deep copied into the queue when their type has a registered factory.
func WithQueue(size int) Option {
	return func(b *Bus) error {
		if size <= 0 {
			size = DefaultQueueSize
		}
		b.queue = make(chan delivery, size)

		return nil
	}
}

// NewBus creates a Bus using the given type registry for polymorphic
// dispatch.
func NewBus(types *sb.TypeRegistry, options ...Option) (*Bus, error) {
	if types == nil {
		return nil, errors.New("missing type registry")
	}

	b := &Bus{
		types:   types,
		log:     zerolog.Nop(),
		slow:    DefaultSlowHandlerThreshold,
		subs:    map[sb.MessageType][]*Subscription{},
		cmds:    map[sb.MessageType]*Subscription{},
		errCh:   make(chan sb.BusError, 100),
		closing: make(chan struct{}),
	}

	for _, option := range options {
		if err := option(b); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	if b.queue != nil {
		b.wg.Add(1)
		go b.work()
	}

	return b, nil
}

// Subscription is a handle to an active subscription, used to unsubscribe.
type Subscription struct {
	bus  *Bus
	t    sb.MessageType
	seq  uint64
	h    sb.Handler
	ch   sb.CommandHandler
	once sync.Once
}

// Close removes the subscription from the bus.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Subscribe registers a message handler for t and, through the type
// hierarchy, for every type published below t. It returns a handle that
// unsubscribes on Close.
func (b *Bus) Subscribe(t sb.MessageType, h sb.Handler) (*Subscription, error) {
	if h == nil {
		return nil, sb.ErrMissingHandler
	}
	// The type must be known for hierarchy dispatch to reach it.
	if _, err := b.types.AncestorsAndSelf(t); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	s := &Subscription{bus: b, t: t, seq: b.nextSeq, h: h}
	b.subs[t] = append(b.subs[t], s)

	return s, nil
}

// SubscribeCommand registers the command handler for t. At most one handler
// may be registered per concrete command type; a second registration is a
// configuration error.
func (b *Bus) SubscribeCommand(t sb.MessageType, h sb.CommandHandler) (*Subscription, error) {
	if h == nil {
		return nil, sb.ErrMissingHandler
	}
	if !b.types.IsA(t, sb.MessageTypeCommand) {
		return nil, fmt.Errorf("%w: %q is not a command type", sb.ErrTypeNotRegistered, t)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.cmds[t]; ok {
		return nil, fmt.Errorf("%w: %q", sb.ErrDuplicateHandler, t)
	}

	b.nextSeq++
	s := &Subscription{bus: b, t: t, seq: b.nextSeq, ch: h}
	b.cmds[t] = s

	return s, nil
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.ch != nil {
		if b.cmds[s.t] == s {
			delete(b.cmds, s.t)
		}

		return
	}

	subs := b.subs[s.t]
	for i, other := range subs {
		if other == s {
			b.subs[s.t] = append(subs[:i:i], subs[i+1:]...)

			break
		}
	}
}

// Errors returns the channel async errors are delivered on: handler errors
// during publish and failures of commands dispatched with Fire.
func (b *Bus) Errors() <-chan sb.BusError {
	return b.errCh
}

// Publish delivers m to every handler subscribed on its type or any ancestor
// type, in subscription order. Each handler invocation is isolated: an error
// or panic in one handler never prevents delivery to the others. All handler
// errors are joined into the returned error and reported on Errors.
//
// In queued mode Publish only enqueues and always returns nil; delivery
// errors are reported on Errors.
func (b *Bus) Publish(ctx context.Context, m sb.Message) error {
	if b.closed.Load() {
		return sb.ErrBusClosed
	}

	if b.queue == nil {
		return b.deliver(ctx, m)
	}

	select {
	case b.queue <- delivery{ctx: ctx, m: b.copyMessage(m)}:
		return nil
	case <-b.closing:
		return sb.ErrBusClosed
	}
}

func (b *Bus) work() {
	defer b.wg.Done()

	for {
		select {
		case d := <-b.queue:
			if err := b.deliver(d.ctx, d.m); err != nil {
				b.log.Debug().Err(err).Msg("queued delivery failed")
			}
		case <-b.closing:
			// Drain what was enqueued before closing.
			for {
				select {
				case d := <-b.queue:
					b.deliver(d.ctx, d.m) //nolint:errcheck // reported on Errors
				default:
					return
				}
			}
		}
	}
}

// copyMessage deep copies m into a fresh instance when its type has a
// registered factory, so queued handlers never share live state with the
// publisher.
func (b *Bus) copyMessage(m sb.Message) sb.Message {
	factory, err := b.types.Factory(m.MessageType())
	if err != nil {
		return m
	}

	cp := factory()
	if err := copier.CopyWithOption(cp, m, copier.Option{DeepCopy: true}); err != nil {
		b.log.Warn().Err(err).
			Str("message_type", m.MessageType().String()).
			Msg("could not copy message for queued delivery")

		return m
	}

	return cp
}

func (b *Bus) deliver(ctx context.Context, m sb.Message) error {
	ancestors, err := b.types.AncestorsAndSelf(m.MessageType())
	if err != nil {
		b.reportError(ctx, m, err)

		return err
	}

	b.mu.RLock()
	var targets []*Subscription
	for _, t := range ancestors {
		targets = append(targets, b.subs[t]...)
	}
	b.mu.RUnlock()

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].seq < targets[j].seq
	})

	var errs []error
	for _, s := range targets {
		start := time.Now()
		if err := b.invoke(ctx, s.h, m); err != nil {
			errs = append(errs, err)
		}
		if d := time.Since(start); d >= b.slow {
			b.log.Warn().
				Str("message_type", m.MessageType().String()).
				Stringer("msg_id", m.MsgID()).
				Dur("duration", d).
				Msg("slow message handler")
		}
	}

	if len(errs) == 0 {
		return nil
	}

	err = errors.Join(errs...)
	b.reportError(ctx, m, err)

	return err
}

// invoke runs one handler isolated from its siblings.
func (b *Bus) invoke(ctx context.Context, h sb.Handler, m sb.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h.HandleMessage(ctx, m)
}

// Send dispatches cmd to its single registered handler and blocks until the
// terminal response, the timeout, or cancellation of ctx. The response is
// published on the bus before it is returned. A Fail response is returned
// together with its error; TrySend is the non-throwing variant.
func (b *Bus) Send(ctx context.Context, cmd sb.Command, timeout time.Duration) (*sb.CommandResponse, error) {
	if b.closed.Load() {
		return nil, sb.ErrBusClosed
	}

	sub, err := b.commandSubscription(cmd.MessageType())
	if err != nil {
		return nil, err
	}

	// Short-circuit a dispatch that is already canceled.
	if ctx.Err() != nil {
		resp := sb.NewCanceled(cmd)
		b.publishResponse(ctx, resp)

		return resp, sb.ErrCanceled
	}

	// Ack receipt to observers before the handler runs. Observer errors are
	// reported on Errors and do not affect the dispatch.
	b.Publish(ctx, sb.NewAckCommand(cmd)) //nolint:errcheck

	resp := b.execute(ctx, sub.ch, cmd, timeout)
	b.publishResponse(ctx, resp)

	switch resp.Status {
	case sb.StatusSucceeded:
		return resp, nil
	case sb.StatusCanceled:
		return resp, sb.ErrCanceled
	default:
		return resp, resp.Err
	}
}

// TrySend is the non-throwing variant of Send: configuration errors and
// failures are folded into the returned response instead of an error.
func (b *Bus) TrySend(ctx context.Context, cmd sb.Command, timeout time.Duration) (*sb.CommandResponse, bool) {
	resp, err := b.Send(ctx, cmd, timeout)
	if resp == nil {
		resp = sb.NewFail(cmd, err)
	}

	return resp, resp.Succeeded()
}

// Fire dispatches cmd without blocking for its completion. The handler is
// resolved synchronously, so configuration errors still reach the caller;
// after that the dispatch always runs to a terminal response, and failures
// are reported on Errors instead of a return value.
func (b *Bus) Fire(ctx context.Context, cmd sb.Command, timeout time.Duration) error {
	if b.closed.Load() {
		return sb.ErrBusClosed
	}

	sub, err := b.commandSubscription(cmd.MessageType())
	if err != nil {
		return err
	}

	if ctx.Err() != nil {
		return sb.ErrCanceled
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		b.Publish(ctx, sb.NewAckCommand(cmd)) //nolint:errcheck

		resp := b.execute(ctx, sub.ch, cmd, timeout)
		b.publishResponse(ctx, resp)

		if resp.Failed() {
			b.reportError(ctx, cmd, resp.Err)
		}
	}()

	return nil
}

// execute runs the handler with a timeout watchdog and produces the single
// terminal response. The watchdog fires independently of the handler's
// progress; a late handler result is discarded. Only cancelable commands see
// the dispatch context die mid-flight; everything else runs to completion
// under the watchdog alone.
func (b *Bus) execute(ctx context.Context, h sb.CommandHandler, cmd sb.Command, timeout time.Duration) *sb.CommandResponse {
	hctx := context.WithoutCancel(ctx)

	var cancel context.CancelFunc
	var canceled <-chan struct{}
	if cmd.Cancelable() {
		hctx, cancel = context.WithCancel(ctx)
		defer cancel()

		canceled = ctx.Done()
	}

	done := make(chan *sb.CommandResponse, 1)
	go func() {
		done <- b.invokeCommand(hctx, h, cmd)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-done:
		return resp
	case <-timer.C:
		if cancel != nil {
			cancel()
		}

		return sb.NewFail(cmd, &sb.TimeoutError{Timeout: timeout})
	case <-canceled:
		return sb.NewCanceled(cmd)
	}
}

// invokeCommand runs the handler and normalizes its outcome into a response.
func (b *Bus) invokeCommand(ctx context.Context, h sb.CommandHandler, cmd sb.Command) (resp *sb.CommandResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = sb.NewFail(cmd, fmt.Errorf("handler panic: %v", r))
		}
	}()

	resp, err := h.HandleCommand(ctx, cmd)
	switch {
	case err != nil:
		if errors.Is(err, context.Canceled) {
			return sb.NewCanceled(cmd)
		}

		return sb.NewFail(cmd, err)
	case resp == nil:
		return sb.NewSuccess(cmd)
	}

	return resp
}

// publishResponse publishes a terminal response even when the dispatch
// context is already dead.
func (b *Bus) publishResponse(ctx context.Context, resp *sb.CommandResponse) {
	b.Publish(context.WithoutCancel(ctx), resp) //nolint:errcheck
}

// commandSubscription resolves the handler for a command type through its
// ancestor chain, nearest type first.
func (b *Bus) commandSubscription(t sb.MessageType) (*Subscription, error) {
	ancestors, err := b.types.AncestorsAndSelf(t)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, a := range ancestors {
		if s, ok := b.cmds[a]; ok {
			return s, nil
		}
	}

	return nil, fmt.Errorf("%w: %q", sb.ErrNoHandler, t)
}

func (b *Bus) reportError(ctx context.Context, m sb.Message, err error) {
	select {
	case b.errCh <- sb.BusError{Err: err, Ctx: ctx, Msg: m}:
	default:
		b.log.Warn().Err(err).Msg("missed to report bus error")
	}
}

// Close stops the bus. In-flight Fire dispatches finish and, in queued mode,
// already enqueued messages are drained before the worker exits.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}

	close(b.closing)
	b.wg.Wait()
}
