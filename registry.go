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
	"fmt"
	"sync"
	"sync/atomic"
)

// TypeRegistry maintains the ancestor/descendant relationships between
// message types and answers hierarchy queries used for polymorphic dispatch.
//
// Registration is explicit: every message type is registered with its parent
// type at process start, typically from the init wiring of each domain
// package. Lookups read an immutable snapshot swapped atomically on every
// write, so dispatch never observes a partially built tree and never blocks
// on registration.
type TypeRegistry struct {
	mu         sync.Mutex
	snap       atomic.Pointer[typeSnapshot]
	pending    map[MessageType][]pendingType
	discoverer func(*TypeRegistry)
}

type typeNode struct {
	t         MessageType
	parent    MessageType
	children  []MessageType
	qualified string
	factory   func() Message
}

type typeSnapshot struct {
	nodes map[MessageType]*typeNode
	names map[string]MessageType
}

type pendingType struct {
	t    MessageType
	node typeNode
}

// TypeOption is an option for registering a message type.
type TypeOption func(*typeNode)

// WithQualifiedName also indexes the type under a fully qualified name for
// Lookup, e.g. "bank.AccountOpened".
func WithQualifiedName(name string) TypeOption {
	return func(n *typeNode) {
		n.qualified = name
	}
}

// WithFactory registers a factory creating empty instances of the type. The
// factory is used by codecs when decoding stored messages and by the bus for
// deep copies in queued delivery.
func WithFactory(factory func() Message) TypeOption {
	return func(n *typeNode) {
		n.factory = factory
	}
}

// NewTypeRegistry creates a TypeRegistry seeded with the built in root types:
// Message at the root, Command and Event below it, and the bus's own
// AckCommand and CommandResponse leaves.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{
		pending: map[MessageType][]pendingType{},
	}
	r.snap.Store(&typeSnapshot{
		nodes: map[MessageType]*typeNode{
			MessageTypeMessage: {t: MessageTypeMessage},
		},
		names: map[string]MessageType{
			MessageTypeMessage.String(): MessageTypeMessage,
		},
	})

	r.Register(MessageTypeCommand, MessageTypeMessage)
	r.Register(MessageTypeEvent, MessageTypeMessage)
	r.Register(MessageTypeAckCommand, MessageTypeMessage,
		WithFactory(func() Message { return &AckCommand{} }))
	r.Register(MessageTypeCommandResponse, MessageTypeMessage,
		WithFactory(func() Message { return &CommandResponse{} }))

	return r
}

// Register adds a message type below parent. Registering a type whose parent
// is not yet known is allowed: the registration is deferred and completed
// when the parent arrives, which models incremental discovery of domain
// packages. Registering a duplicate or empty type panics, as that is a
// wiring bug.
func (r *TypeRegistry) Register(t, parent MessageType, options ...TypeOption) {
	if t == MessageType("") {
		panic("sourcebus: attempt to register empty message type")
	}
	if parent == MessageType("") {
		panic(fmt.Sprintf("sourcebus: message type %q registered without parent", t))
	}

	node := typeNode{t: t, parent: parent}
	for _, option := range options {
		option(&node)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snap.Load()
	if _, ok := snap.nodes[t]; ok {
		panic(fmt.Sprintf("sourcebus: registering duplicate message type %q", t))
	}
	for _, deferred := range r.pending[parent] {
		if deferred.t == t {
			panic(fmt.Sprintf("sourcebus: registering duplicate message type %q", t))
		}
	}

	if _, ok := snap.nodes[parent]; !ok {
		// Defer until the parent is registered.
		r.pending[parent] = append(r.pending[parent], pendingType{t: t, node: node})

		return
	}

	next := snap.clone()
	r.insert(next, &node)
	r.snap.Store(next)
}

// insert adds node to snap and flushes any registrations that were waiting
// for it. Caller holds r.mu.
func (r *TypeRegistry) insert(snap *typeSnapshot, node *typeNode) {
	snap.nodes[node.t] = node
	snap.names[node.t.String()] = node.t
	if node.qualified != "" {
		snap.names[node.qualified] = node.t
	}

	parent := snap.nodes[node.parent]
	if parent != nil {
		parent.children = append(parent.children, node.t)
	}

	deferred := r.pending[node.t]
	delete(r.pending, node.t)
	for i := range deferred {
		r.insert(snap, &deferred[i].node)
	}
}

func (s *typeSnapshot) clone() *typeSnapshot {
	next := &typeSnapshot{
		nodes: make(map[MessageType]*typeNode, len(s.nodes)+1),
		names: make(map[string]MessageType, len(s.names)+1),
	}
	for t, n := range s.nodes {
		c := *n
		c.children = append([]MessageType(nil), n.children...)
		next.nodes[t] = &c
	}
	for name, t := range s.names {
		next.names[name] = t
	}

	return next
}

// SetDiscoverer sets a hook that is invoked once, before failing a lookup of
// an unknown type, to give late loading wiring a chance to register it.
func (r *TypeRegistry) SetDiscoverer(discover func(*TypeRegistry)) {
	r.mu.Lock()
	r.discoverer = discover
	r.mu.Unlock()
}

// node returns the node for t, running the discovery hook once on a miss.
func (r *TypeRegistry) node(t MessageType) (*typeNode, *typeSnapshot, error) {
	snap := r.snap.Load()
	if n, ok := snap.nodes[t]; ok {
		return n, snap, nil
	}

	r.mu.Lock()
	discover := r.discoverer
	r.mu.Unlock()
	if discover != nil {
		discover(r)

		snap = r.snap.Load()
		if n, ok := snap.nodes[t]; ok {
			return n, snap, nil
		}
	}

	return nil, nil, fmt.Errorf("%w: %q", ErrTypeNotRegistered, t)
}

// AncestorsAndSelf returns the types from t up to the root message type,
// starting with t itself. It is used on publish so a message reaches handlers
// subscribed on any of its base types.
func (r *TypeRegistry) AncestorsAndSelf(t MessageType) ([]MessageType, error) {
	n, snap, err := r.node(t)
	if err != nil {
		return nil, err
	}

	types := []MessageType{n.t}
	for n.parent != MessageType("") {
		n = snap.nodes[n.parent]
		types = append(types, n.t)
	}

	return types, nil
}

// DescendantsAndSelf returns t and every type registered below it, in depth
// first order. It is used to resolve base type subscriptions against all
// currently known concrete types.
func (r *TypeRegistry) DescendantsAndSelf(t MessageType) ([]MessageType, error) {
	n, snap, err := r.node(t)
	if err != nil {
		return nil, err
	}

	var types []MessageType
	var walk func(*typeNode)
	walk = func(n *typeNode) {
		types = append(types, n.t)
		for _, c := range n.children {
			walk(snap.nodes[c])
		}
	}
	walk(n)

	return types, nil
}

// IsA reports whether t equals base or is registered below it.
func (r *TypeRegistry) IsA(t, base MessageType) bool {
	ancestors, err := r.AncestorsAndSelf(t)
	if err != nil {
		return false
	}
	for _, a := range ancestors {
		if a == base {
			return true
		}
	}

	return false
}

// Lookup resolves a type by its short or fully qualified name.
func (r *TypeRegistry) Lookup(name string) (MessageType, error) {
	snap := r.snap.Load()
	if t, ok := snap.names[name]; ok {
		return t, nil
	}

	r.mu.Lock()
	discover := r.discoverer
	r.mu.Unlock()
	if discover != nil {
		discover(r)

		snap = r.snap.Load()
		if t, ok := snap.names[name]; ok {
			return t, nil
		}
	}

	return MessageType(""), fmt.Errorf("%w: %q", ErrTypeNotRegistered, name)
}

// Factory returns the instance factory registered for t, if any.
func (r *TypeRegistry) Factory(t MessageType) (func() Message, error) {
	n, _, err := r.node(t)
	if err != nil {
		return nil, err
	}
	if n.factory == nil {
		return nil, fmt.Errorf("%w: no factory for %q", ErrTypeNotRegistered, t)
	}

	return n.factory, nil
}

// Finalize checks that the hierarchy is complete. Deferred registrations
// whose parent never arrived are a fatal configuration error.
func (r *TypeRegistry) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) == 0 {
		return nil
	}

	var broken []MessageType
	for _, deferred := range r.pending {
		for _, p := range deferred {
			broken = append(broken, p.t)
		}
	}

	return &BrokenHierarchyError{Types: broken}
}
