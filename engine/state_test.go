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

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
)

func TestRuntimeState_AssignsSequentialIDs(t *testing.T) {
	state, err := NewOrchestrationRuntimeState("i", nil)
	require.NoError(t, err)

	started := &api.OrchestratorStarted{EventCore: api.NewEventCore()}
	require.NoError(t, state.AddEvent(started))
	assert.Equal(t, int32(0), started.ID())

	exec := &api.ExecutionStarted{
		EventCore: api.NewEventCore(),
		Instance:  api.OrchestrationInstance{InstanceID: "i", ExecutionID: "e"},
		Name:      "o",
	}
	require.NoError(t, state.AddEvent(exec))
	assert.Equal(t, int32(1), exec.ID())

	// a pre-assigned schedule id advances the sequence past itself
	scheduled := &api.TaskScheduled{EventCore: api.EventCore{EventID: 5}, Name: "a"}
	require.NoError(t, state.AddEvent(scheduled))

	after := &api.OrchestratorCompleted{EventCore: api.NewEventCore()}
	require.NoError(t, state.AddEvent(after))
	assert.Equal(t, int32(6), after.ID())
}

func TestRuntimeState_RejectsDuplicateStart(t *testing.T) {
	state, err := NewOrchestrationRuntimeState("i", nil)
	require.NoError(t, err)

	start := func() *api.ExecutionStarted {
		return &api.ExecutionStarted{
			EventCore: api.NewEventCore(),
			Instance:  api.OrchestrationInstance{InstanceID: "i", ExecutionID: "e"},
			Name:      "o",
		}
	}
	require.NoError(t, state.AddEvent(start()))
	require.ErrorIs(t, state.AddEvent(start()), ErrDuplicateEvent)
}

func TestRuntimeState_RejectsUnpairedTerminalEvents(t *testing.T) {
	state, err := NewOrchestrationRuntimeState("i", nil)
	require.NoError(t, err)

	err = state.AddEvent(&api.TaskCompleted{EventCore: api.NewEventCore(), TaskScheduledID: 42})
	require.ErrorIs(t, err, ErrDuplicateEvent)

	require.NoError(t, state.AddEvent(&api.TaskScheduled{EventCore: api.EventCore{EventID: 42}, Name: "a"}))
	require.NoError(t, state.AddEvent(&api.TaskCompleted{EventCore: api.NewEventCore(), TaskScheduledID: 42}))

	// the pairing is exactly-once
	err = state.AddEvent(&api.TaskFailed{EventCore: api.NewEventCore(), TaskScheduledID: 42})
	require.ErrorIs(t, err, ErrDuplicateEvent)
}

func TestRuntimeState_CommitEventsFoldsHistory(t *testing.T) {
	state, err := NewOrchestrationRuntimeState("i", nil)
	require.NoError(t, err)

	require.NoError(t, state.AddEvent(&api.OrchestratorStarted{EventCore: api.NewEventCore()}))
	require.Len(t, state.NewEvents(), 1)
	require.Empty(t, state.PastEvents())

	state.CommitEvents()
	assert.Empty(t, state.NewEvents())
	assert.Len(t, state.PastEvents(), 1)
}

func TestRuntimeState_RebuildMatchesIncremental(t *testing.T) {
	state, err := NewOrchestrationRuntimeState("i", nil)
	require.NoError(t, err)
	require.NoError(t, state.AddEvent(&api.OrchestratorStarted{EventCore: api.NewEventCore()}))
	require.NoError(t, state.AddEvent(&api.ExecutionStarted{
		EventCore: api.NewEventCore(),
		Instance:  api.OrchestrationInstance{InstanceID: "i", ExecutionID: "e"},
		Name:      "o",
		Input:     []byte("in"),
	}))
	require.NoError(t, state.AddEvent(&api.TaskScheduled{EventCore: api.EventCore{EventID: 2}, Name: "a"}))
	state.CommitEvents()

	rebuilt, err := NewOrchestrationRuntimeState("i", state.PastEvents())
	require.NoError(t, err)

	assert.Equal(t, state.Status(), rebuilt.Status())
	assert.Equal(t, state.Name(), rebuilt.Name())
	assert.Equal(t, state.Instance(), rebuilt.Instance())
	assert.True(t, rebuilt.hasPendingTask(2))
}

func TestRuntimeState_Snapshot(t *testing.T) {
	state, err := NewOrchestrationRuntimeState("i", nil)
	require.NoError(t, err)
	require.NoError(t, state.AddEvent(&api.ExecutionStarted{
		EventCore: api.NewEventCore(),
		Instance:  api.OrchestrationInstance{InstanceID: "i", ExecutionID: "e"},
		Name:      "o",
		Tags:      map[string]string{"team": "payments"},
	}))

	snapshot, err := state.Snapshot(&serde.MsgpackSerde{})
	require.NoError(t, err)
	assert.Equal(t, api.StatusRunning, snapshot.RuntimeStatus)
	assert.Equal(t, "o", snapshot.Name)
	assert.Equal(t, "payments", snapshot.Tags["team"])
	assert.Positive(t, snapshot.Size)
	assert.Positive(t, snapshot.CompressedSize)
}
