// Copyright 2025 Nguyen Nhat Nguyen
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

// Package entity implements addressable stateful actors invoked through
// named operations. An entity's state is an opaque serialized blob owned by
// exactly one instance; it is mutated only inside a single operation and
// persisted after the operation returns.
package entity

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
)

// Operation is one inbound request against an entity instance: a name and
// an optional serialized input payload.
type Operation struct {
	Name  string
	Input []byte
}

// HasInput reports whether the caller supplied an input payload.
func (o *Operation) HasInput() bool { return len(o.Input) > 0 }

// Context is the per-operation execution context handed to entity logic.
// It carries the entity's identity and clock, and collects the outbound
// effects (signals, orchestration starts) that the worker commits
// atomically with the mutated state after the operation returns.
type Context struct {
	entityID string
	now      time.Time
	conv     serde.BinarySerde
	logger   *slog.Logger

	signals []api.EntitySignal
	starts  []api.OrchestrationStart
}

// NewContext builds the context for one entity operation. The clock is
// pinned to the moment the worker began the operation so every read of
// Now within one operation agrees.
func NewContext(entityID string, conv serde.BinarySerde, logger *slog.Logger) *Context {
	if conv == nil {
		conv = &serde.MsgpackSerde{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		entityID: entityID,
		now:      time.Now().UTC(),
		conv:     conv,
		logger:   logger.With("entity_id", entityID),
	}
}

func (c *Context) EntityID() string         { return c.entityID }
func (c *Context) Now() time.Time           { return c.now }
func (c *Context) Logger() *slog.Logger     { return c.logger }
func (c *Context) Serde() serde.BinarySerde { return c.conv }

// SignalEntity enqueues a named operation to another entity instance. The
// signal is dispatched only if the surrounding operation commits.
func (c *Context) SignalEntity(targetID, operation string, input any, opts ...SignalOption) error {
	if targetID == "" || operation == "" {
		return fmt.Errorf("signal requires a target entity id and operation name")
	}
	payload, err := c.marshalInput(input)
	if err != nil {
		return fmt.Errorf("serialize signal %q input: %w", operation, err)
	}
	signal := api.EntitySignal{
		TargetID:  targetID,
		Operation: operation,
		Input:     payload,
	}
	for _, opt := range opts {
		opt(&signal)
	}
	c.signals = append(c.signals, signal)
	return nil
}

// SignalSelf enqueues a named operation back to this entity instance.
func (c *Context) SignalSelf(operation string, input any, opts ...SignalOption) error {
	return c.SignalEntity(c.entityID, operation, input, opts...)
}

// StartOrchestration enqueues a request to begin an orchestration instance.
// Starting an instance that is already running is resolved downstream: the
// duplicate start is dropped by the replay engine, so the request is
// idempotent per instance id.
func (c *Context) StartOrchestration(name, instanceID string, input any) error {
	if name == "" {
		return fmt.Errorf("orchestration start requires a name")
	}
	if instanceID == "" {
		return fmt.Errorf("orchestration start requires an instance id")
	}
	payload, err := c.marshalInput(input)
	if err != nil {
		return fmt.Errorf("serialize orchestration %q input: %w", name, err)
	}
	c.starts = append(c.starts, api.OrchestrationStart{
		InstanceID: instanceID,
		Name:       name,
		Input:      payload,
	})
	return nil
}

// PendingSignals returns the signals collected so far this operation.
func (c *Context) PendingSignals() []api.EntitySignal { return c.signals }

// PendingStarts returns the orchestration starts collected this operation.
func (c *Context) PendingStarts() []api.OrchestrationStart { return c.starts }

func (c *Context) marshalInput(input any) ([]byte, error) {
	switch v := input.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	default:
		return c.conv.SerializeBinary(input)
	}
}

// SignalOption customizes one outbound entity signal.
type SignalOption func(*api.EntitySignal)

// WithDeliveryAt delays the signal's visibility until the given time.
// Delivery is at-least-once and never earlier than t, with no hard upper
// bound.
func WithDeliveryAt(t time.Time) SignalOption {
	return func(s *api.EntitySignal) {
		utc := t.UTC()
		s.DeliverAt = &utc
	}
}
