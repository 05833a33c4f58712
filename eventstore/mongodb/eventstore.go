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

// Package mongodb provides an event store for MongoDB, using one collection
// for all events and another to keep track of the streams and the global
// position.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	sb "github.com/sourcebus/sourcebus"
	"github.com/sourcebus/sourcebus/mongoutils"
)

// allStreamID is the streams collection document holding the global position
// counter.
const allStreamID = "$all"

// EventStore is a sourcebus.EventStore for MongoDB. Events of every stream
// live in a single events collection; a streams collection tracks the last
// version and global position per stream. A unique index on (stream, version)
// backs the optimistic concurrency check.
type EventStore struct {
	client          *mongo.Client
	clientOwnership clientOwnership
	events          *mongo.Collection
	streams         *mongo.Collection
	codec           sb.MessageCodec
	pollInterval    time.Duration
}

type clientOwnership int

const (
	internalClient clientOwnership = iota
	externalClient
)

// DefaultPollInterval is how often subscriptions poll for new events.
var DefaultPollInterval = 500 * time.Millisecond

// NewEventStore creates a new EventStore with a MongoDB URI: `mongodb://hostname`.
func NewEventStore(uri, dbName string, codec sb.MessageCodec, options ...Option) (*EventStore, error) {
	opts := mongoOptions().ApplyURI(uri)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("could not connect to DB: %w", err)
	}

	return newEventStoreWithClient(client, internalClient, dbName, codec, options...)
}

// NewEventStoreWithClient creates a new EventStore with an existing client.
// The client is not disconnected on Close.
func NewEventStoreWithClient(client *mongo.Client, dbName string, codec sb.MessageCodec, options ...Option) (*EventStore, error) {
	return newEventStoreWithClient(client, externalClient, dbName, codec, options...)
}

func mongoOptions() *options.ClientOptions {
	return options.Client().
		SetWriteConcern(writeconcern.Majority()).
		SetReadConcern(readconcern.Majority()).
		SetReadPreference(readpref.Primary())
}

func newEventStoreWithClient(client *mongo.Client, clientOwnership clientOwnership, dbName string, codec sb.MessageCodec, opts ...Option) (*EventStore, error) {
	if client == nil {
		return nil, fmt.Errorf("missing DB client")
	}

	if codec == nil {
		return nil, fmt.Errorf("missing message codec")
	}

	db := client.Database(dbName)
	s := &EventStore{
		client:          client,
		clientOwnership: clientOwnership,
		events:          db.Collection("events"),
		streams:         db.Collection("streams"),
		codec:           codec,
		pollInterval:    DefaultPollInterval,
	}

	for _, option := range opts {
		if err := option(s); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	ctx := context.Background()

	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("could not connect to MongoDB: %w", err)
	}

	if _, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "stream", Value: 1}, {Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("could not ensure events stream index: %w", err)
	}

	if _, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "position", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("could not ensure events position index: %w", err)
	}

	// Make sure the $all stream exists.
	if err := s.streams.FindOne(ctx, bson.M{
		"_id": allStreamID,
	}).Err(); errors.Is(err, mongo.ErrNoDocuments) {
		if _, err := s.streams.InsertOne(ctx, bson.M{
			"_id":      allStreamID,
			"position": int64(0),
		}); err != nil && !mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("could not create the $all stream document: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("could not find the $all stream document: %w", err)
	}

	return s, nil
}

// Option is an option setter used to configure creation.
type Option func(*EventStore) error

// WithCollectionNames uses different collections from the default "events"
// and "streams" collections. Will return an error if the names are equal.
func WithCollectionNames(eventsColl, streamsColl string) Option {
	return func(s *EventStore) error {
		if err := mongoutils.CheckCollectionName(eventsColl); err != nil {
			return fmt.Errorf("events collection: %w", err)
		} else if err := mongoutils.CheckCollectionName(streamsColl); err != nil {
			return fmt.Errorf("streams collection: %w", err)
		} else if eventsColl == streamsColl {
			return fmt.Errorf("custom collection names are equal")
		}

		db := s.events.Database()
		s.events = db.Collection(eventsColl)
		s.streams = db.Collection(streamsColl)

		return nil
	}
}

// WithPollInterval sets how often subscriptions poll the events collection.
func WithPollInterval(d time.Duration) Option {
	return func(s *EventStore) error {
		if d <= 0 {
			return fmt.Errorf("invalid poll interval: %v", d)
		}
		s.pollInterval = d

		return nil
	}
}

// evt is the internal event record format.
type evt struct {
	Stream   string         `bson:"stream"`
	Version  int64          `bson:"version"`
	Position int64          `bson:"position"`
	MsgType  sb.MessageType `bson:"msg_type"`
	RawData  []byte         `bson:"data"`
}

// stream is the streams collection format: the last version and global
// position per stream.
type stream struct {
	ID       string `bson:"_id"`
	Version  int64  `bson:"version"`
	Position int64  `bson:"position"`
}

// AppendToStream implements the AppendToStream method of the
// sourcebus.EventStore interface.
func (s *EventStore) AppendToStream(ctx context.Context, streamName string, expectedVersion int64, events []sb.Event) (int64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}

	current, err := s.streamVersion(ctx, streamName)
	if err != nil {
		return sb.NewStreamVersion, err
	}

	if expectedVersion != current {
		return current, &sb.ConcurrencyError{
			Stream:   streamName,
			Expected: expectedVersion,
			Actual:   current,
		}
	}

	// Allocate global positions up front. A conflicting append leaves a gap
	// in the sequence; subscriptions wait out gaps for a grace window before
	// advancing past them, so a slow concurrent append is not skipped.
	var all stream
	if err := s.streams.FindOneAndUpdate(ctx,
		bson.M{"_id": allStreamID},
		bson.M{"$inc": bson.M{"position": int64(len(events))}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&all); err != nil {
		return current, fmt.Errorf("could not allocate positions: %w", err)
	}

	firstPosition := all.Position - int64(len(events))

	docs := make([]interface{}, 0, len(events))

	for i, event := range events {
		data, err := s.codec.MarshalMessage(ctx, event)
		if err != nil {
			return current, fmt.Errorf("could not marshal event: %w", err)
		}

		docs = append(docs, evt{
			Stream:   streamName,
			Version:  expectedVersion + 1 + int64(i),
			Position: firstPosition + int64(i),
			MsgType:  event.MessageType(),
			RawData:  data,
		})
	}

	if _, err := s.events.InsertMany(ctx, docs); err != nil {
		// The unique (stream, version) index catches the race between the
		// version read above and this insert.
		if mongo.IsDuplicateKeyError(err) {
			actual, verr := s.streamVersion(ctx, streamName)
			if verr != nil {
				actual = current
			}

			return actual, &sb.ConcurrencyError{
				Stream:   streamName,
				Expected: expectedVersion,
				Actual:   actual,
			}
		}

		return current, fmt.Errorf("could not insert events: %w", err)
	}

	next := expectedVersion + int64(len(events))

	if _, err := s.streams.UpdateOne(ctx,
		bson.M{"_id": streamName},
		bson.M{"$set": bson.M{
			"version":  next,
			"position": firstPosition + int64(len(events)) - 1,
		}},
		options.UpdateOne().SetUpsert(true),
	); err != nil {
		return next, fmt.Errorf("could not update stream document: %w", err)
	}

	return next, nil
}

// streamVersion returns the last version of a stream, or NewStreamVersion for
// a stream that does not exist yet.
func (s *EventStore) streamVersion(ctx context.Context, streamName string) (int64, error) {
	var doc stream
	if err := s.streams.FindOne(ctx, bson.M{"_id": streamName}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return sb.NewStreamVersion, nil
		}

		return sb.NewStreamVersion, fmt.Errorf("could not read stream document: %w", err)
	}

	return doc.Version, nil
}

// ReadStreamForward implements the ReadStreamForward method of the
// sourcebus.EventStore interface.
func (s *EventStore) ReadStreamForward(ctx context.Context, streamName string, start int64, count int) ([]sb.Event, int64, error) {
	last, err := s.streamVersion(ctx, streamName)
	if err != nil {
		return nil, sb.NewStreamVersion, err
	}

	if last == sb.NewStreamVersion {
		return nil, sb.NewStreamVersion, nil
	}

	if start < 0 {
		start = 0
	}

	if start > last {
		return []sb.Event{}, last, nil
	}

	cursor, err := s.events.Find(ctx,
		bson.M{"stream": streamName, "version": bson.M{"$gte": start}},
		options.Find().SetSort(bson.D{{Key: "version", Value: 1}}).SetLimit(int64(count)),
	)
	if err != nil {
		return nil, last, fmt.Errorf("could not find events: %w", err)
	}
	defer cursor.Close(ctx)

	events := make([]sb.Event, 0, count)

	for cursor.Next(ctx) {
		var doc evt
		if err := cursor.Decode(&doc); err != nil {
			return nil, last, fmt.Errorf("could not decode event record: %w", err)
		}

		event, err := s.decodeEvent(ctx, doc)
		if err != nil {
			return nil, last, err
		}

		events = append(events, event)
	}

	if err := cursor.Err(); err != nil {
		return nil, last, fmt.Errorf("error while reading events: %w", err)
	}

	return events, last, nil
}

func (s *EventStore) decodeEvent(ctx context.Context, doc evt) (sb.Event, error) {
	m, err := s.codec.UnmarshalMessage(ctx, doc.RawData)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal event %q at %s/%d: %w", doc.MsgType, doc.Stream, doc.Version, err)
	}

	event, ok := m.(sb.Event)
	if !ok {
		return nil, fmt.Errorf("non-event message %q at %s/%d", doc.MsgType, doc.Stream, doc.Version)
	}

	return event, nil
}

// SubscribeToStream implements the SubscribeToStream method of the
// sourcebus.EventStore interface. The from position is stream-local.
func (s *EventStore) SubscribeToStream(ctx context.Context, streamName string, from int64) (sb.StoreSubscription, error) {
	return s.subscribe(ctx, streamName, from), nil
}

// SubscribeToAll implements the SubscribeToAll method of the
// sourcebus.EventStore interface. The from position is global.
func (s *EventStore) SubscribeToAll(ctx context.Context, from int64) (sb.StoreSubscription, error) {
	return s.subscribe(ctx, "", from), nil
}

// Close closes the event store. A client passed in by the caller is left
// connected.
func (s *EventStore) Close() error {
	if s.clientOwnership == externalClient {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("could not close DB connection: %w", err)
	}

	return nil
}
