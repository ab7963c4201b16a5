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

package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/durableflow/api/serde"
)

// TestEventFactoryTableIsComplete guards the rehydration table: every event
// type in the closed vocabulary must survive a wrap/unwrap cycle, or stored
// histories containing it become unreadable.
func TestEventFactoryTableIsComplete(t *testing.T) {
	conv := &serde.MsgpackSerde{}
	events := []HistoryEvent{
		&OrchestratorStarted{EventCore: NewEventCore()},
		&ExecutionStarted{EventCore: NewEventCore(), Name: "o"},
		&TaskScheduled{EventCore: NewEventCore(), Name: "a"},
		&TaskCompleted{EventCore: NewEventCore(), TaskScheduledID: 1},
		&TaskFailed{EventCore: NewEventCore(), TaskScheduledID: 1},
		&TimerCreated{EventCore: NewEventCore()},
		&TimerFired{EventCore: NewEventCore(), TimerID: 2},
		&SubOrchestrationInstanceCreated{EventCore: NewEventCore(), InstanceID: "c"},
		&SubOrchestrationInstanceCompleted{EventCore: NewEventCore(), TaskScheduledID: 3},
		&SubOrchestrationInstanceFailed{EventCore: NewEventCore(), TaskScheduledID: 3},
		&EventSent{EventCore: NewEventCore(), Name: "e"},
		&EventRaised{EventCore: NewEventCore(), Name: "e"},
		&ExecutionCompleted{EventCore: NewEventCore(), Status: StatusCompleted},
		&ExecutionTerminated{EventCore: NewEventCore()},
		&ExecutionSuspended{EventCore: NewEventCore()},
		&ExecutionResumed{EventCore: NewEventCore()},
		&OrchestratorCompleted{EventCore: NewEventCore()},
	}
	require.Len(t, events, len(eventFuncs))

	for _, e := range events {
		raw, err := WrapEvent(conv, e)
		require.NoError(t, err, e.EventName())

		back, err := UnwrapEvent(conv, raw)
		require.NoError(t, err, e.EventName())
		assert.Equal(t, e.EventName(), back.EventName())
		assert.IsType(t, e, back)
	}
}

func TestUnwrapEvent_UnknownName(t *testing.T) {
	conv := &serde.MsgpackSerde{}
	raw, err := conv.SerializeBinary(&eventEnvelope{Name: "future/event"})
	require.NoError(t, err)

	_, err = UnwrapEvent(conv, raw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event name")
}

func TestWrapHistory_PreservesOrderAndIDs(t *testing.T) {
	conv := &serde.MsgpackSerde{}
	history := []HistoryEvent{
		&OrchestratorStarted{EventCore: EventCore{EventID: 0}},
		&ExecutionStarted{EventCore: EventCore{EventID: 1}, Name: "o", Input: []byte("in")},
		&TaskScheduled{EventCore: EventCore{EventID: 2}, Name: "a"},
	}

	raw, err := WrapHistory(conv, history)
	require.NoError(t, err)

	back, err := UnwrapHistory(conv, raw)
	require.NoError(t, err)
	require.Len(t, back, 3)
	for i, e := range back {
		assert.Equal(t, history[i].EventName(), e.EventName())
		assert.Equal(t, history[i].ID(), e.ID())
	}
	assert.Equal(t, []byte("in"), back[1].(*ExecutionStarted).Input)
}

func TestWrapTaskMessage_RoundTrip(t *testing.T) {
	conv := &serde.MsgpackSerde{}
	msg := TaskMessage{
		Instance: OrchestrationInstance{InstanceID: "i", ExecutionID: "e"},
		Sequence: 42,
		Event:    &EventRaised{EventCore: NewEventCore(), Name: "external", Input: []byte("x")},
	}

	raw, err := WrapTaskMessage(conv, msg)
	require.NoError(t, err)

	back, err := UnwrapTaskMessage(conv, raw)
	require.NoError(t, err)
	assert.Equal(t, msg.Instance, back.Instance)
	assert.Equal(t, msg.Sequence, back.Sequence)
	raised, ok := back.Event.(*EventRaised)
	require.True(t, ok)
	assert.Equal(t, "external", raised.Name)
}
