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

// Package backend defines the durable-store collaborator the engine and
// worker run against: exclusive fetch-and-lock of pending work, lease
// lifecycle, and the atomic turn commit (history appends and outbound
// enqueues succeed together or not at all).
package backend

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/engine"
)

// ErrNoWorkItems signals an empty fetch; the caller polls again after the
// backend's retry delay.
var ErrNoWorkItems = errors.New("no work items available")

// ErrLockLost signals that the caller no longer holds the work item's
// lease; the turn must be abandoned without committing.
var ErrLockLost = errors.New("work item lock lost")

// WorkItem is the lease-bearing handle common to all work item kinds.
type WorkItem interface {
	// LockExpiresAt is when the lease lapses unless renewed.
	LockExpiresAt() time.Time
	// Description identifies the work item in logs.
	Description() string
}

// OrchestrationWorkItem is one instance's pending turn: its rebuilt
// runtime state plus the inbound messages that triggered the turn.
type OrchestrationWorkItem struct {
	Instance    api.OrchestrationInstance
	State       *engine.OrchestrationRuntimeState
	NewMessages []api.TaskMessage

	LockedUntil time.Time
	// Handle is backend-private lease/delivery bookkeeping.
	Handle any
}

func (w *OrchestrationWorkItem) LockExpiresAt() time.Time { return w.LockedUntil }
func (w *OrchestrationWorkItem) Description() string {
	return "orchestration/" + w.Instance.InstanceID
}

// ActivityWorkItem is one scheduled activity invocation.
type ActivityWorkItem struct {
	Instance api.OrchestrationInstance
	Task     *api.TaskScheduled

	LockedUntil time.Time
	Handle      any
}

func (w *ActivityWorkItem) LockExpiresAt() time.Time { return w.LockedUntil }
func (w *ActivityWorkItem) Description() string {
	return "activity/" + w.Task.Name
}

// EntityWorkItem is one entity instance's pending signal batch plus its
// persisted state blob (nil for a never-seen entity).
type EntityWorkItem struct {
	EntityID  string
	StateData []byte
	Signals   []api.EntitySignal

	LockedUntil time.Time
	Handle      any
}

func (w *EntityWorkItem) LockExpiresAt() time.Time { return w.LockedUntil }
func (w *EntityWorkItem) Description() string {
	return "entity/" + w.EntityID
}

// EntityCommit is the atomic result of one entity turn: the mutated state
// blob plus every outbound effect collected by the operations.
type EntityCommit struct {
	StateData []byte
	Signals   []api.EntitySignal
	Starts    []api.OrchestrationStart
}

// Backend is the pluggable durable store. All mutation the engine needs
// goes through CommitTurn/CommitEntityTurn/CompleteActivityWorkItem, each
// of which must be atomic with respect to the work item's lease.
type Backend interface {
	// Start provisions streams, buckets, and consumers.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// CreateOrchestration enqueues the start message for a new instance.
	CreateOrchestration(ctx context.Context, start api.OrchestrationStart) error
	// SignalEntity enqueues one operation to an entity instance.
	SignalEntity(ctx context.Context, signal api.EntitySignal) error
	// GetOrchestrationState returns the latest committed status snapshot.
	GetOrchestrationState(ctx context.Context, instanceID string) (*api.OrchestrationState, error)

	// LockNext*WorkItem exclusively fetch-and-lock pending work, returning
	// ErrNoWorkItems when nothing is ready.
	LockNextOrchestrationWorkItem(ctx context.Context) (*OrchestrationWorkItem, error)
	LockNextActivityWorkItem(ctx context.Context) (*ActivityWorkItem, error)
	LockNextEntityWorkItem(ctx context.Context) (*EntityWorkItem, error)

	// RenewLock extends a held lease; ErrLockLost if it already lapsed.
	RenewLock(ctx context.Context, item WorkItem) error
	// AbandonWorkItem releases the lease without committing; the work item
	// becomes eligible for redelivery.
	AbandonWorkItem(ctx context.Context, item WorkItem) error

	// CommitTurn atomically persists the turn outcome: new history, the
	// status snapshot, and the three outbound message batches.
	CommitTurn(ctx context.Context, item *OrchestrationWorkItem, outcome *engine.TurnOutcome) error
	// CompleteActivityWorkItem acks the activity and delivers its
	// completion message back to the scheduling instance.
	CompleteActivityWorkItem(ctx context.Context, item *ActivityWorkItem, response api.TaskMessage) error
	// CommitEntityTurn atomically persists the entity state and enqueues
	// its outbound signals and orchestration starts.
	CommitEntityTurn(ctx context.Context, item *EntityWorkItem, commit *EntityCommit) error

	// GetDelayBeforeRetry is the store-owned backoff after a fetch failure.
	GetDelayBeforeRetry(err error) time.Duration
}

// StartMessage converts a start request into the ExecutionStarted message
// that seeds a new execution. The execution id is minted here; the replay
// engine drops the duplicate start if the instance is already running.
func StartMessage(start api.OrchestrationStart) api.TaskMessage {
	instance := api.OrchestrationInstance{
		InstanceID:  start.InstanceID,
		ExecutionID: uuid.Must(uuid.NewV4()).String(),
	}
	return api.TaskMessage{
		Instance: instance,
		Event: &api.ExecutionStarted{
			EventCore: api.NewEventCore(),
			Instance:  instance,
			Name:      start.Name,
			Version:   start.Version,
			Input:     start.Input,
			Tags:      start.Tags,
		},
	}
}
