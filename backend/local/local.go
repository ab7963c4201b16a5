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

// Package local is a single-process, in-memory backend. It exists for
// development mode and for tests that exercise the full worker loop
// without a running NATS server.
package local

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/backend"
	"github.com/ngnhng/durableflow/engine"
)

type delayedMessage struct {
	visibleAt time.Time
	msg       api.TaskMessage
}

type delayedSignal struct {
	visibleAt time.Time
	signal    api.EntitySignal
}

type activityTask struct {
	id       string
	instance api.OrchestrationInstance
	task     *api.TaskScheduled
}

// Backend keeps everything in process memory guarded by one mutex. The
// per-instance single-writer guarantee falls out of the lock maps; the
// "atomic commit" guarantee falls out of holding the mutex across the
// whole commit.
type Backend struct {
	mu sync.Mutex

	now         func() time.Time
	lockTimeout time.Duration

	histories    map[string][]api.HistoryEvent
	statuses     map[string]*api.OrchestrationState
	entityStates map[string][]byte

	orchMessages  []delayedMessage
	activityTasks []activityTask
	entitySignals []delayedSignal

	lockedInstances  map[string]time.Time
	lockedEntities   map[string]time.Time
	lockedActivities map[string]activityTask
}

var _ backend.Backend = (*Backend)(nil)

type Option func(*Backend)

// WithClock substitutes the time source, letting tests advance visibility
// of delayed messages without sleeping.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

func WithLockTimeout(d time.Duration) Option {
	return func(b *Backend) { b.lockTimeout = d }
}

func New(opts ...Option) *Backend {
	b := &Backend{
		now:              func() time.Time { return time.Now().UTC() },
		lockTimeout:      time.Minute,
		histories:        make(map[string][]api.HistoryEvent),
		statuses:         make(map[string]*api.OrchestrationState),
		entityStates:     make(map[string][]byte),
		lockedInstances:  make(map[string]time.Time),
		lockedEntities:   make(map[string]time.Time),
		lockedActivities: make(map[string]activityTask),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Start(ctx context.Context) error { return nil }
func (b *Backend) Stop(ctx context.Context) error  { return nil }

func (b *Backend) CreateOrchestration(ctx context.Context, start api.OrchestrationStart) error {
	if start.Name == "" || start.InstanceID == "" {
		return fmt.Errorf("orchestration start requires a name and instance id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orchMessages = append(b.orchMessages, delayedMessage{
		visibleAt: b.now(),
		msg:       backend.StartMessage(start),
	})
	return nil
}

func (b *Backend) SignalEntity(ctx context.Context, signal api.EntitySignal) error {
	if signal.TargetID == "" || signal.Operation == "" {
		return fmt.Errorf("entity signal requires a target id and operation")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueSignalLocked(signal)
	return nil
}

func (b *Backend) enqueueSignalLocked(signal api.EntitySignal) {
	visibleAt := b.now()
	if signal.DeliverAt != nil && signal.DeliverAt.After(visibleAt) {
		visibleAt = *signal.DeliverAt
	}
	b.entitySignals = append(b.entitySignals, delayedSignal{visibleAt: visibleAt, signal: signal})
}

func (b *Backend) GetOrchestrationState(ctx context.Context, instanceID string) (*api.OrchestrationState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.statuses[instanceID]
	if !ok {
		return nil, fmt.Errorf("no state for instance %q", instanceID)
	}
	return state, nil
}

func (b *Backend) LockNextOrchestrationWorkItem(ctx context.Context) (*backend.OrchestrationWorkItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	instanceID := ""
	for _, dm := range b.orchMessages {
		if dm.visibleAt.After(now) {
			continue
		}
		id := dm.msg.Instance.InstanceID
		if expiry, held := b.lockedInstances[id]; held && expiry.After(now) {
			continue
		}
		instanceID = id
		break
	}
	if instanceID == "" {
		return nil, backend.ErrNoWorkItems
	}

	// take every visible message for the instance in one work item
	var taken []api.TaskMessage
	remaining := b.orchMessages[:0]
	for _, dm := range b.orchMessages {
		if dm.msg.Instance.InstanceID == instanceID && !dm.visibleAt.After(now) {
			taken = append(taken, dm.msg)
		} else {
			remaining = append(remaining, dm)
		}
	}
	b.orchMessages = remaining

	state, err := engine.NewOrchestrationRuntimeState(instanceID, b.histories[instanceID])
	if err != nil {
		// corrupted history is a poison pill; drop the messages
		return nil, fmt.Errorf("rebuild state for %q: %w", instanceID, err)
	}

	expiry := now.Add(b.lockTimeout)
	b.lockedInstances[instanceID] = expiry
	return &backend.OrchestrationWorkItem{
		Instance:    state.Instance(),
		State:       state,
		NewMessages: taken,
		LockedUntil: expiry,
		Handle:      instanceID,
	}, nil
}

func (b *Backend) LockNextActivityWorkItem(ctx context.Context) (*backend.ActivityWorkItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.activityTasks) == 0 {
		return nil, backend.ErrNoWorkItems
	}
	task := b.activityTasks[0]
	b.activityTasks = slices.Delete(b.activityTasks, 0, 1)
	b.lockedActivities[task.id] = task

	return &backend.ActivityWorkItem{
		Instance:    task.instance,
		Task:        task.task,
		LockedUntil: b.now().Add(b.lockTimeout),
		Handle:      task.id,
	}, nil
}

func (b *Backend) LockNextEntityWorkItem(ctx context.Context) (*backend.EntityWorkItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	entityID := ""
	for _, ds := range b.entitySignals {
		if ds.visibleAt.After(now) {
			continue
		}
		id := ds.signal.TargetID
		if expiry, held := b.lockedEntities[id]; held && expiry.After(now) {
			continue
		}
		entityID = id
		break
	}
	if entityID == "" {
		return nil, backend.ErrNoWorkItems
	}

	var taken []api.EntitySignal
	remaining := b.entitySignals[:0]
	for _, ds := range b.entitySignals {
		if ds.signal.TargetID == entityID && !ds.visibleAt.After(now) {
			taken = append(taken, ds.signal)
		} else {
			remaining = append(remaining, ds)
		}
	}
	b.entitySignals = remaining

	expiry := now.Add(b.lockTimeout)
	b.lockedEntities[entityID] = expiry
	return &backend.EntityWorkItem{
		EntityID:    entityID,
		StateData:   b.entityStates[entityID],
		Signals:     taken,
		LockedUntil: expiry,
		Handle:      entityID,
	}, nil
}

func (b *Backend) RenewLock(ctx context.Context, item backend.WorkItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch w := item.(type) {
	case *backend.OrchestrationWorkItem:
		if expiry, held := b.lockedInstances[w.Instance.InstanceID]; !held || !expiry.After(now) {
			return backend.ErrLockLost
		}
		w.LockedUntil = now.Add(b.lockTimeout)
		b.lockedInstances[w.Instance.InstanceID] = w.LockedUntil
	case *backend.EntityWorkItem:
		if expiry, held := b.lockedEntities[w.EntityID]; !held || !expiry.After(now) {
			return backend.ErrLockLost
		}
		w.LockedUntil = now.Add(b.lockTimeout)
		b.lockedEntities[w.EntityID] = w.LockedUntil
	case *backend.ActivityWorkItem:
		if _, held := b.lockedActivities[w.Handle.(string)]; !held {
			return backend.ErrLockLost
		}
		w.LockedUntil = now.Add(b.lockTimeout)
	default:
		return fmt.Errorf("unknown work item type %T", item)
	}
	return nil
}

func (b *Backend) AbandonWorkItem(ctx context.Context, item backend.WorkItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch w := item.(type) {
	case *backend.OrchestrationWorkItem:
		for _, m := range w.NewMessages {
			b.orchMessages = append(b.orchMessages, delayedMessage{visibleAt: now, msg: m})
		}
		delete(b.lockedInstances, w.Instance.InstanceID)
	case *backend.EntityWorkItem:
		for _, s := range w.Signals {
			b.entitySignals = append(b.entitySignals, delayedSignal{visibleAt: now, signal: s})
		}
		delete(b.lockedEntities, w.EntityID)
	case *backend.ActivityWorkItem:
		id := w.Handle.(string)
		if task, held := b.lockedActivities[id]; held {
			b.activityTasks = append(b.activityTasks, task)
			delete(b.lockedActivities, id)
		}
	default:
		return fmt.Errorf("unknown work item type %T", item)
	}
	return nil
}

func (b *Backend) CommitTurn(ctx context.Context, item *backend.OrchestrationWorkItem, outcome *engine.TurnOutcome) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	instanceID := item.Instance.InstanceID
	now := b.now()
	if expiry, held := b.lockedInstances[instanceID]; !held || !expiry.After(now) {
		return backend.ErrLockLost
	}

	outcome.State.CommitEvents()
	b.histories[instanceID] = slices.Clone(outcome.State.PastEvents())
	b.statuses[instanceID] = outcome.Snapshot

	for _, m := range outcome.ActivityMessages {
		task, ok := m.Event.(*api.TaskScheduled)
		if !ok {
			return fmt.Errorf("activity message carries %q, want task/scheduled", m.Event.EventName())
		}
		b.activityTasks = append(b.activityTasks, activityTask{
			id:       uuid.Must(uuid.NewV4()).String(),
			instance: m.Instance,
			task:     task,
		})
	}
	for _, m := range outcome.TimerMessages {
		visibleAt := now
		if fired, ok := m.Event.(*api.TimerFired); ok && fired.FireAt.After(visibleAt) {
			visibleAt = fired.FireAt
		}
		b.orchMessages = append(b.orchMessages, delayedMessage{visibleAt: visibleAt, msg: m})
	}
	for _, m := range outcome.OrchestratorMessages {
		b.orchMessages = append(b.orchMessages, delayedMessage{visibleAt: now, msg: m})
	}

	delete(b.lockedInstances, instanceID)
	return nil
}

func (b *Backend) CompleteActivityWorkItem(ctx context.Context, item *backend.ActivityWorkItem, response api.TaskMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := item.Handle.(string)
	if _, held := b.lockedActivities[id]; !held {
		return backend.ErrLockLost
	}
	delete(b.lockedActivities, id)
	b.orchMessages = append(b.orchMessages, delayedMessage{visibleAt: b.now(), msg: response})
	return nil
}

func (b *Backend) CommitEntityTurn(ctx context.Context, item *backend.EntityWorkItem, commit *backend.EntityCommit) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if expiry, held := b.lockedEntities[item.EntityID]; !held || !expiry.After(now) {
		return backend.ErrLockLost
	}

	b.entityStates[item.EntityID] = commit.StateData
	for _, s := range commit.Signals {
		b.enqueueSignalLocked(s)
	}
	for _, start := range commit.Starts {
		b.orchMessages = append(b.orchMessages, delayedMessage{
			visibleAt: now,
			msg:       backend.StartMessage(start),
		})
	}

	delete(b.lockedEntities, item.EntityID)
	return nil
}

func (b *Backend) GetDelayBeforeRetry(err error) time.Duration {
	return 50 * time.Millisecond
}

// PendingMessageCount reports queued (including not-yet-visible)
// orchestrator messages; used by tests to observe the pipeline.
func (b *Backend) PendingMessageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orchMessages)
}

// PendingSignalCount reports queued entity signals.
func (b *Backend) PendingSignalCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entitySignals)
}
