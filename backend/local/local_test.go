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

package local_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/backend"
	"github.com/ngnhng/durableflow/backend/local"
	"github.com/ngnhng/durableflow/engine"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLocalBackend_InstanceLockIsExclusive(t *testing.T) {
	clock := newFakeClock()
	be := local.New(local.WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, be.CreateOrchestration(ctx, api.OrchestrationStart{
		InstanceID: "i1", Name: "o",
	}))

	item, err := be.LockNextOrchestrationWorkItem(ctx)
	require.NoError(t, err)
	require.Len(t, item.NewMessages, 1)

	// abandoning requeues the messages and releases the lock
	require.NoError(t, be.AbandonWorkItem(ctx, item))
	relocked, err := be.LockNextOrchestrationWorkItem(ctx)
	require.NoError(t, err)
	require.Len(t, relocked.NewMessages, 1)

	// while the lock is held, the instance is invisible to other fetchers
	_, err = be.LockNextOrchestrationWorkItem(ctx)
	require.ErrorIs(t, err, backend.ErrNoWorkItems)
}

func TestLocalBackend_LockExpiresWithClock(t *testing.T) {
	clock := newFakeClock()
	be := local.New(local.WithClock(clock.Now), local.WithLockTimeout(time.Minute))
	ctx := context.Background()

	require.NoError(t, be.CreateOrchestration(ctx, api.OrchestrationStart{
		InstanceID: "i1", Name: "o",
	}))
	item, err := be.LockNextOrchestrationWorkItem(ctx)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	require.ErrorIs(t, be.RenewLock(ctx, item), backend.ErrLockLost)

	outcome := &engine.TurnOutcome{State: item.State}
	require.ErrorIs(t, be.CommitTurn(ctx, item, outcome), backend.ErrLockLost)
}

func TestLocalBackend_RenewExtendsLock(t *testing.T) {
	clock := newFakeClock()
	be := local.New(local.WithClock(clock.Now), local.WithLockTimeout(time.Minute))
	ctx := context.Background()

	require.NoError(t, be.CreateOrchestration(ctx, api.OrchestrationStart{
		InstanceID: "i1", Name: "o",
	}))
	item, err := be.LockNextOrchestrationWorkItem(ctx)
	require.NoError(t, err)
	firstExpiry := item.LockExpiresAt()

	clock.Advance(30 * time.Second)
	require.NoError(t, be.RenewLock(ctx, item))
	assert.True(t, item.LockExpiresAt().After(firstExpiry))
}

func TestLocalBackend_DelayedSignalVisibility(t *testing.T) {
	clock := newFakeClock()
	be := local.New(local.WithClock(clock.Now))
	ctx := context.Background()

	deliverAt := clock.Now().Add(time.Minute)
	require.NoError(t, be.SignalEntity(ctx, api.EntitySignal{
		TargetID:  "counter@c1",
		Operation: "add",
		DeliverAt: &deliverAt,
	}))

	_, err := be.LockNextEntityWorkItem(ctx)
	require.ErrorIs(t, err, backend.ErrNoWorkItems)

	clock.Advance(2 * time.Minute)
	item, err := be.LockNextEntityWorkItem(ctx)
	require.NoError(t, err)
	assert.Equal(t, "counter@c1", item.EntityID)
	require.Len(t, item.Signals, 1)
}

func TestLocalBackend_TimerMessageDelayed(t *testing.T) {
	clock := newFakeClock()
	be := local.New(local.WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, be.CreateOrchestration(ctx, api.OrchestrationStart{
		InstanceID: "i1", Name: "o",
	}))
	item, err := be.LockNextOrchestrationWorkItem(ctx)
	require.NoError(t, err)

	// apply the inbound start and create a timer two minutes out
	for _, m := range item.NewMessages {
		require.NoError(t, item.State.AddEvent(m.Event))
	}
	fireAt := clock.Now().Add(2 * time.Minute)
	require.NoError(t, item.State.AddEvent(&api.TimerCreated{
		EventCore: api.EventCore{EventID: 5, Timestamp: clock.Now()},
		FireAt:    fireAt,
	}))
	outcome := &engine.TurnOutcome{
		State: item.State,
		TimerMessages: []api.TaskMessage{{
			Instance: item.State.Instance(),
			Event: &api.TimerFired{
				EventCore: api.NewEventCore(),
				TimerID:   5,
				FireAt:    fireAt,
			},
		}},
	}
	require.NoError(t, be.CommitTurn(ctx, item, outcome))

	_, err = be.LockNextOrchestrationWorkItem(ctx)
	require.ErrorIs(t, err, backend.ErrNoWorkItems)

	clock.Advance(3 * time.Minute)
	fired, err := be.LockNextOrchestrationWorkItem(ctx)
	require.NoError(t, err)
	require.Len(t, fired.NewMessages, 1)
	assert.IsType(t, &api.TimerFired{}, fired.NewMessages[0].Event)
}

func TestLocalBackend_ActivityLifecycle(t *testing.T) {
	clock := newFakeClock()
	be := local.New(local.WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, be.CreateOrchestration(ctx, api.OrchestrationStart{
		InstanceID: "i1", Name: "o",
	}))
	item, err := be.LockNextOrchestrationWorkItem(ctx)
	require.NoError(t, err)
	for _, m := range item.NewMessages {
		require.NoError(t, item.State.AddEvent(m.Event))
	}
	scheduled := &api.TaskScheduled{EventCore: api.EventCore{EventID: 3, Timestamp: clock.Now()}, Name: "a"}
	require.NoError(t, item.State.AddEvent(scheduled))

	require.NoError(t, be.CommitTurn(ctx, item, &engine.TurnOutcome{
		State: item.State,
		ActivityMessages: []api.TaskMessage{
			{Instance: item.State.Instance(), Event: scheduled},
		},
	}))

	work, err := be.LockNextActivityWorkItem(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", work.Task.Name)

	require.NoError(t, be.CompleteActivityWorkItem(ctx, work, api.TaskMessage{
		Instance: work.Instance,
		Event: &api.TaskCompleted{
			EventCore:       api.NewEventCore(),
			TaskScheduledID: 3,
			Result:          []byte("r"),
		},
	}))

	next, err := be.LockNextOrchestrationWorkItem(ctx)
	require.NoError(t, err)
	require.Len(t, next.NewMessages, 1)
	assert.IsType(t, &api.TaskCompleted{}, next.NewMessages[0].Event)
}
