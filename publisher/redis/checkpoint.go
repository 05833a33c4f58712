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

// Package redis provides a Redis backed checkpoint store for the publisher,
// so the relay resumes where it left off across restarts.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	sb "github.com/sourcebus/sourcebus"
)

// Checkpointer is a publisher.Checkpointer storing the position in a single
// Redis key.
type Checkpointer struct {
	client          *redis.Client
	clientOwnership clientOwnership
	key             string
}

type clientOwnership int

const (
	internalClient clientOwnership = iota
	externalClient
)

// NewCheckpointer creates a Checkpointer against a Redis server. The key
// should be unique per relay, typically "<app>:publisher:checkpoint".
func NewCheckpointer(addr, password, key string) (*Checkpointer, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	return newCheckpointerWithClient(client, internalClient, key)
}

// NewCheckpointerWithClient creates a Checkpointer with an existing client.
// The client is not closed on Close.
func NewCheckpointerWithClient(client *redis.Client, key string) (*Checkpointer, error) {
	return newCheckpointerWithClient(client, externalClient, key)
}

func newCheckpointerWithClient(client *redis.Client, clientOwnership clientOwnership, key string) (*Checkpointer, error) {
	if client == nil {
		return nil, fmt.Errorf("missing Redis client")
	}

	if key == "" {
		return nil, fmt.Errorf("missing checkpoint key")
	}

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("could not connect to Redis: %w", err)
	}

	return &Checkpointer{
		client:          client,
		clientOwnership: clientOwnership,
		key:             key,
	}, nil
}

// Load implements the Load method of the publisher.Checkpointer interface.
func (c *Checkpointer) Load(ctx context.Context) (int64, error) {
	pos, err := c.client.Get(ctx, c.key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return sb.NewStreamVersion, nil
		}

		return sb.NewStreamVersion, fmt.Errorf("could not load checkpoint: %w", err)
	}

	return pos, nil
}

// Save implements the Save method of the publisher.Checkpointer interface.
func (c *Checkpointer) Save(ctx context.Context, pos int64) error {
	if err := c.client.Set(ctx, c.key, pos, 0).Err(); err != nil {
		return fmt.Errorf("could not save checkpoint: %w", err)
	}

	return nil
}

// Close closes the checkpoint store. A client passed in by the caller is left
// open.
func (c *Checkpointer) Close() error {
	if c.clientOwnership == externalClient {
		return nil
	}

	return c.client.Close()
}
