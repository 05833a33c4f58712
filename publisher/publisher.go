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

// Package publisher relays persisted events from the event store onto a
// message bus, so that read models and process managers react to what was
// actually stored rather than to what a handler hoped to store.
//
// Delivery is at-least-once: the checkpoint is saved after publishing, so a
// crash between the two replays the event on restart. Subscribers must be
// idempotent or dedupe on MsgID.
package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	sb "github.com/sourcebus/sourcebus"
)

// Checkpointer persists the global position of the last published event.
type Checkpointer interface {
	// Load returns the last published position, or sourcebus.NewStreamVersion
	// when nothing was published yet.
	Load(ctx context.Context) (int64, error)

	// Save records pos as published.
	Save(ctx context.Context, pos int64) error
}

// Publisher pumps the store's $all subscription onto a bus.
type Publisher struct {
	store       sb.EventStore
	bus         sb.MessagePublisher
	checkpoints Checkpointer
	log         zerolog.Logger

	errCh  chan error
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is an option setter used to configure creation.
type Option func(*Publisher) error

// WithCheckpointer sets the checkpoint store. The default keeps the
// checkpoint in memory, restarting from the beginning of the $all stream on
// every process start.
func WithCheckpointer(c Checkpointer) Option {
	return func(p *Publisher) error {
		if c == nil {
			return fmt.Errorf("missing checkpointer")
		}
		p.checkpoints = c

		return nil
	}
}

// WithLogger sets the logger used for relay diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Publisher) error {
		p.log = log

		return nil
	}
}

// New creates a Publisher and starts relaying. Close stops it.
func New(store sb.EventStore, bus sb.MessagePublisher, options ...Option) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("missing event store")
	}

	if bus == nil {
		return nil, fmt.Errorf("missing bus")
	}

	p := &Publisher{
		store:       store,
		bus:         bus,
		checkpoints: NewMemoryCheckpointer(),
		log:         zerolog.Nop(),
		errCh:       make(chan error, 100),
	}

	for _, option := range options {
		if err := option(p); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)

	go p.run(ctx)

	return p, nil
}

// Errors returns an error channel with async relay errors. It must be
// consumed; errors are dropped when the channel is full.
func (p *Publisher) Errors() <-chan error {
	return p.errCh
}

// Close stops the relay and waits for it to finish.
func (p *Publisher) Close() {
	p.cancel()
	p.wg.Wait()
}

// run subscribes, relays, and resubscribes with exponential backoff when the
// subscription fails.
func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()

	delay := &backoff.Backoff{
		Max: time.Minute,
	}

	for {
		if err := p.relay(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}

			d := delay.Duration()
			p.log.Warn().Err(err).Dur("retry_in", d).Msg("event relay failed, resubscribing")
			p.reportError(fmt.Errorf("event relay failed: %w", err))

			select {
			case <-time.After(d):
				continue
			case <-ctx.Done():
				return
			}
		}

		return
	}
}

func (p *Publisher) relay(ctx context.Context) error {
	last, err := p.checkpoints.Load(ctx)
	if err != nil {
		return fmt.Errorf("could not load checkpoint: %w", err)
	}

	sub, err := p.store.SubscribeToAll(ctx, last+1)
	if err != nil {
		return fmt.Errorf("could not subscribe: %w", err)
	}
	defer sub.Close()

	p.log.Debug().Int64("from", last+1).Msg("relaying events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}

				return nil
			}

			// Publish failures are reported but do not stop the relay: the
			// bus isolates handlers, so the usual cause is a closed bus or a
			// bad message, neither of which heals by redelivery.
			if err := p.bus.Publish(ctx, r.Event); err != nil {
				p.reportError(fmt.Errorf("could not publish event at %d: %w", r.Position, err))
			}

			if err := p.checkpoints.Save(ctx, r.Position); err != nil {
				return fmt.Errorf("could not save checkpoint: %w", err)
			}
		}
	}
}

func (p *Publisher) reportError(err error) {
	select {
	case p.errCh <- err:
	default:
		p.log.Warn().Err(err).Msg("missed error in publisher")
	}
}

// MemoryCheckpointer is a process-local Checkpointer, for tests and setups
// that rebuild read models on start.
type MemoryCheckpointer struct {
	mu  sync.Mutex
	pos int64
}

// NewMemoryCheckpointer creates a new MemoryCheckpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{
		pos: sb.NewStreamVersion,
	}
}

// Load implements the Load method of the Checkpointer interface.
func (c *MemoryCheckpointer) Load(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pos, nil
}

// Save implements the Save method of the Checkpointer interface.
func (c *MemoryCheckpointer) Save(ctx context.Context, pos int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pos = pos

	return nil
}
