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

package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/backend"
	"github.com/ngnhng/durableflow/entity"
)

// tally is a test entity that accumulates values and can notify a sibling.
type tally struct {
	Total int `msgpack:"total"`
}

func (c *tally) Add(amount int) int {
	c.Total += amount
	return c.Total
}

func (c *tally) Replicate(ctx *entity.Context, target string) error {
	return ctx.SignalEntity(target, "Add", c.Total)
}

func (c *tally) Publish(ctx *entity.Context) error {
	return ctx.StartOrchestration("report", ctx.EntityID()+"-report", c.Total)
}

func newTallyWorker(t *testing.T) *Worker {
	t.Helper()
	entities := entity.NewRegistry()
	dispatcher, err := entity.NewStateDispatcher(func() any { return &tally{} }, nil)
	require.NoError(t, err)
	require.NoError(t, entities.Register("tally", dispatcher))
	return newTestWorker(t, nil, entities)
}

func signal(t *testing.T, w *Worker, op string, input any) api.EntitySignal {
	t.Helper()
	s := api.EntitySignal{TargetID: "tally@t1", Operation: op}
	if input != nil {
		data, err := w.conv.SerializeBinary(input)
		require.NoError(t, err)
		s.Input = data
	}
	return s
}

func TestRunEntityTurn_AppliesBatchInOrder(t *testing.T) {
	w := newTallyWorker(t)

	commit, err := w.runEntityTurn(&backend.EntityWorkItem{
		EntityID: "tally@t1",
		Signals: []api.EntitySignal{
			signal(t, w, "Add", 2),
			signal(t, w, "Add", 3),
		},
	})
	require.NoError(t, err)

	var state tally
	require.NoError(t, w.conv.DeserializeBinary(commit.StateData, &state))
	assert.Equal(t, 5, state.Total)
}

func TestRunEntityTurn_ResumesFromPersistedState(t *testing.T) {
	w := newTallyWorker(t)

	persisted, err := w.conv.SerializeBinary(&tally{Total: 10})
	require.NoError(t, err)

	commit, err := w.runEntityTurn(&backend.EntityWorkItem{
		EntityID:  "tally@t1",
		StateData: persisted,
		Signals:   []api.EntitySignal{signal(t, w, "Add", 1)},
	})
	require.NoError(t, err)

	var state tally
	require.NoError(t, w.conv.DeserializeBinary(commit.StateData, &state))
	assert.Equal(t, 11, state.Total)
}

func TestRunEntityTurn_BadSignalDoesNotWedgeTheBatch(t *testing.T) {
	w := newTallyWorker(t)

	commit, err := w.runEntityTurn(&backend.EntityWorkItem{
		EntityID: "tally@t1",
		Signals: []api.EntitySignal{
			signal(t, w, "Add", 2),
			signal(t, w, "NoSuchOperation", nil),
			signal(t, w, "Add", nil), // missing required input
			signal(t, w, "Add", 3),
		},
	})
	require.NoError(t, err)

	var state tally
	require.NoError(t, w.conv.DeserializeBinary(commit.StateData, &state))
	assert.Equal(t, 5, state.Total)
}

func TestRunEntityTurn_CollectsOutboundEffects(t *testing.T) {
	w := newTallyWorker(t)

	commit, err := w.runEntityTurn(&backend.EntityWorkItem{
		EntityID: "tally@t1",
		Signals: []api.EntitySignal{
			signal(t, w, "Add", 7),
			signal(t, w, "Replicate", "tally@t2"),
			signal(t, w, "Publish", nil),
		},
	})
	require.NoError(t, err)

	require.Len(t, commit.Signals, 1)
	assert.Equal(t, "tally@t2", commit.Signals[0].TargetID)
	assert.Equal(t, "Add", commit.Signals[0].Operation)

	require.Len(t, commit.Starts, 1)
	assert.Equal(t, "report", commit.Starts[0].Name)
	assert.Equal(t, "tally@t1-report", commit.Starts[0].InstanceID)
}

func TestRunEntityTurn_MalformedEntityID(t *testing.T) {
	w := newTallyWorker(t)

	_, err := w.runEntityTurn(&backend.EntityWorkItem{EntityID: "no-separator"})
	require.Error(t, err)
}

func TestRunEntityTurn_UnregisteredEntity(t *testing.T) {
	w := newTallyWorker(t)

	_, err := w.runEntityTurn(&backend.EntityWorkItem{EntityID: "ghost@g1"})
	require.Error(t, err)
}
