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

package engine_test

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/engine"
)

func newTestExecutor(t *testing.T, orchestrators map[string]engine.OrchestratorFunc) *engine.Executor {
	t.Helper()
	registry := engine.NewRegistry()
	for name, fn := range orchestrators {
		require.NoError(t, registry.RegisterOrchestrator(name, fn))
	}
	return engine.NewExecutor(registry,
		engine.WithExecutorLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func startMessage(instanceID, name string, input []byte) api.TaskMessage {
	instance := api.OrchestrationInstance{InstanceID: instanceID, ExecutionID: "exec-1"}
	return api.TaskMessage{
		Instance: instance,
		Event: &api.ExecutionStarted{
			EventCore: api.NewEventCore(),
			Instance:  instance,
			Name:      name,
			Input:     input,
		},
	}
}

func actionsOf(actions ...api.OrchestratorAction) iter.Seq[api.OrchestratorAction] {
	return func(yield func(api.OrchestratorAction) bool) {
		for _, a := range actions {
			if !yield(a) {
				return
			}
		}
	}
}

func eventNames(events []api.HistoryEvent) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.EventName()
	}
	return names
}

func freshState(t *testing.T, instanceID string) *engine.OrchestrationRuntimeState {
	t.Helper()
	state, err := engine.NewOrchestrationRuntimeState(instanceID, nil)
	require.NoError(t, err)
	return state
}

func TestExecuteTurn_CompletesImmediately(t *testing.T) {
	exec := newTestExecutor(t, map[string]engine.OrchestratorFunc{
		"noop": func(past, new []api.HistoryEvent) iter.Seq[api.OrchestratorAction] {
			return actionsOf(&api.CompleteOrchestrationAction{
				Status: api.StatusCompleted,
				Result: []byte("done"),
			})
		},
	})

	state := freshState(t, "inst-1")
	outcome, err := exec.ExecuteTurn(context.Background(), state, []api.TaskMessage{
		startMessage("inst-1", "noop", nil),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"orchestrator/started",
		"execution/started",
		"execution/completed",
		"orchestrator/completed",
	}, eventNames(outcome.State.NewEvents()))
	assert.Equal(t, api.StatusCompleted, outcome.State.Status())
	assert.Equal(t, []byte("done"), outcome.State.Output())
	assert.Empty(t, outcome.ActivityMessages)
	assert.Empty(t, outcome.OrchestratorMessages)

	require.NotNil(t, outcome.Snapshot)
	assert.Equal(t, api.StatusCompleted, outcome.Snapshot.RuntimeStatus)
	assert.Equal(t, "noop", outcome.Snapshot.Name)
}

// greeter schedules one activity on the first pass and completes with the
// activity's result once its completion event shows up in history.
func greeter(past, new []api.HistoryEvent) iter.Seq[api.OrchestratorAction] {
	return func(yield func(api.OrchestratorAction) bool) {
		all := append(append([]api.HistoryEvent{}, past...), new...)
		for _, e := range all {
			if completed, ok := e.(*api.TaskCompleted); ok {
				yield(&api.CompleteOrchestrationAction{
					Status: api.StatusCompleted,
					Result: completed.Result,
				})
				return
			}
		}
		for _, e := range all {
			if _, ok := e.(*api.TaskScheduled); ok {
				return // already waiting
			}
		}
		yield(&api.ScheduleTaskAction{TaskID: 1, Name: "say-hello", Input: []byte("world")})
	}
}

func TestExecuteTurn_ActivityRoundTrip(t *testing.T) {
	exec := newTestExecutor(t, map[string]engine.OrchestratorFunc{"greeting": greeter})

	state := freshState(t, "inst-2")
	outcome, err := exec.ExecuteTurn(context.Background(), state, []api.TaskMessage{
		startMessage("inst-2", "greeting", nil),
	})
	require.NoError(t, err)

	require.Len(t, outcome.ActivityMessages, 1)
	scheduled, ok := outcome.ActivityMessages[0].Event.(*api.TaskScheduled)
	require.True(t, ok)
	assert.Equal(t, "say-hello", scheduled.Name)
	assert.Equal(t, int32(1), scheduled.ID())
	assert.Equal(t, api.StatusRunning, outcome.State.Status())

	// second turn: the activity's completion arrives
	outcome.State.CommitEvents()
	outcome, err = exec.ExecuteTurn(context.Background(), outcome.State, []api.TaskMessage{
		{
			Instance: outcome.State.Instance(),
			Event: &api.TaskCompleted{
				EventCore:       api.NewEventCore(),
				TaskScheduledID: 1,
				Result:          []byte("hello, world"),
			},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, api.StatusCompleted, outcome.State.Status())
	assert.Equal(t, []byte("hello, world"), outcome.State.Output())
	assert.Empty(t, outcome.ActivityMessages)
}

func TestExecuteTurn_ReplayIsDeterministic(t *testing.T) {
	exec := newTestExecutor(t, map[string]engine.OrchestratorFunc{"greeting": greeter})

	start := startMessage("inst-3", "greeting", nil)

	first := freshState(t, "inst-3")
	firstOutcome, err := exec.ExecuteTurn(context.Background(), first, []api.TaskMessage{start})
	require.NoError(t, err)

	// a crashed worker replays the exact same turn from scratch
	second := freshState(t, "inst-3")
	secondOutcome, err := exec.ExecuteTurn(context.Background(), second, []api.TaskMessage{start})
	require.NoError(t, err)

	assert.Equal(t,
		eventNames(firstOutcome.State.NewEvents()),
		eventNames(secondOutcome.State.NewEvents()),
	)
	require.Len(t, secondOutcome.ActivityMessages, 1)
	assert.Equal(t,
		firstOutcome.ActivityMessages[0].Event.(*api.TaskScheduled).ID(),
		secondOutcome.ActivityMessages[0].Event.(*api.TaskScheduled).ID(),
	)
}

func TestExecuteTurn_ContinueAsNew(t *testing.T) {
	// counts executions through the start event's input; each pass below the
	// limit schedules a task that must never leave the turn
	counter := func(past, new []api.HistoryEvent) iter.Seq[api.OrchestratorAction] {
		return func(yield func(api.OrchestratorAction) bool) {
			all := append(append([]api.HistoryEvent{}, past...), new...)
			var n byte
			for _, e := range all {
				if started, ok := e.(*api.ExecutionStarted); ok && len(started.Input) > 0 {
					n = started.Input[0]
				}
			}
			if n < 3 {
				if !yield(&api.ScheduleTaskAction{TaskID: 1, Name: "noop"}) {
					return
				}
				yield(&api.CompleteOrchestrationAction{
					Status: api.StatusContinuedAsNew,
					Result: []byte{n + 1},
				})
				return
			}
			yield(&api.CompleteOrchestrationAction{
				Status: api.StatusCompleted,
				Result: []byte{n},
			})
		}
	}
	exec := newTestExecutor(t, map[string]engine.OrchestratorFunc{"counter": counter})

	state := freshState(t, "inst-4")
	start := startMessage("inst-4", "counter", []byte{0})
	outcome, err := exec.ExecuteTurn(context.Background(), state, []api.TaskMessage{start})
	require.NoError(t, err)

	// all three restarts happen inside one turn
	assert.Equal(t, api.StatusCompleted, outcome.State.Status())
	assert.Equal(t, []byte{3}, outcome.State.Output())
	assert.Equal(t, "inst-4", outcome.State.InstanceID())
	assert.NotEqual(t, "exec-1", outcome.State.ExecutionID())
	assert.NotSame(t, state, outcome.State)

	// messages from the abandoned passes never escape
	assert.Empty(t, outcome.ActivityMessages)
	assert.Empty(t, outcome.TimerMessages)
}

func TestExecuteTurn_ContinueAsNewCarryover(t *testing.T) {
	carried := &api.EventRaised{
		EventCore: api.NewEventCore(),
		Name:      "buffered-signal",
		Input:     []byte("keep me"),
	}
	hop := func(past, new []api.HistoryEvent) iter.Seq[api.OrchestratorAction] {
		return func(yield func(api.OrchestratorAction) bool) {
			all := append(append([]api.HistoryEvent{}, past...), new...)
			for _, e := range all {
				if started, ok := e.(*api.ExecutionStarted); ok && string(started.Input) == "second" {
					yield(&api.CompleteOrchestrationAction{Status: api.StatusCompleted})
					return
				}
			}
			yield(&api.CompleteOrchestrationAction{
				Status:          api.StatusContinuedAsNew,
				Result:          []byte("second"),
				CarryoverEvents: []api.HistoryEvent{carried},
			})
		}
	}
	exec := newTestExecutor(t, map[string]engine.OrchestratorFunc{"hop": hop})

	outcome, err := exec.ExecuteTurn(context.Background(), freshState(t, "inst-5"), []api.TaskMessage{
		startMessage("inst-5", "hop", nil),
	})
	require.NoError(t, err)

	assert.Equal(t, api.StatusCompleted, outcome.State.Status())
	names := eventNames(outcome.State.NewEvents())
	assert.Contains(t, names, "event/raised")
	assert.Equal(t, []byte("second"), outcome.State.Input())
}

func TestExecuteTurn_SubOrchestration(t *testing.T) {
	parentLogic := func(past, new []api.HistoryEvent) iter.Seq[api.OrchestratorAction] {
		return func(yield func(api.OrchestratorAction) bool) {
			all := append(append([]api.HistoryEvent{}, past...), new...)
			for _, e := range all {
				if _, ok := e.(*api.SubOrchestrationInstanceCreated); ok {
					return // waiting for the child
				}
			}
			yield(&api.CreateSubOrchestrationAction{TaskID: 7, Name: "child", Input: []byte("in")})
		}
	}
	exec := newTestExecutor(t, map[string]engine.OrchestratorFunc{"parent": parentLogic})

	state := freshState(t, "parent-1")
	outcome, err := exec.ExecuteTurn(context.Background(), state, []api.TaskMessage{
		startMessage("parent-1", "parent", nil),
	})
	require.NoError(t, err)

	require.Len(t, outcome.OrchestratorMessages, 1)
	childStart, ok := outcome.OrchestratorMessages[0].Event.(*api.ExecutionStarted)
	require.True(t, ok)
	assert.Equal(t, "child", childStart.Name)
	assert.Equal(t, "parent-1:7", childStart.Instance.InstanceID)
	assert.NotEmpty(t, childStart.Instance.ExecutionID)
	require.NotNil(t, childStart.Parent)
	assert.Equal(t, int32(7), childStart.Parent.TaskScheduleID)
	assert.Equal(t, "parent-1", childStart.Parent.Instance.InstanceID)
}

func TestExecuteTurn_ChildNotifiesParent(t *testing.T) {
	exec := newTestExecutor(t, map[string]engine.OrchestratorFunc{
		"child": func(past, new []api.HistoryEvent) iter.Seq[api.OrchestratorAction] {
			return actionsOf(&api.CompleteOrchestrationAction{
				Status: api.StatusCompleted,
				Result: []byte("child result"),
			})
		},
	})

	parentInstance := api.OrchestrationInstance{InstanceID: "parent-1", ExecutionID: "exec-p"}
	childInstance := api.OrchestrationInstance{InstanceID: "parent-1:7", ExecutionID: "exec-c"}
	outcome, err := exec.ExecuteTurn(context.Background(), freshState(t, childInstance.InstanceID), []api.TaskMessage{
		{
			Instance: childInstance,
			Event: &api.ExecutionStarted{
				EventCore: api.NewEventCore(),
				Instance:  childInstance,
				Name:      "child",
				Parent: &api.ParentInstance{
					Instance:       parentInstance,
					Name:           "parent",
					TaskScheduleID: 7,
				},
			},
		},
	})
	require.NoError(t, err)

	require.Len(t, outcome.OrchestratorMessages, 1)
	assert.Equal(t, parentInstance, outcome.OrchestratorMessages[0].Instance)
	notify, ok := outcome.OrchestratorMessages[0].Event.(*api.SubOrchestrationInstanceCompleted)
	require.True(t, ok)
	assert.Equal(t, int32(7), notify.TaskScheduledID)
	assert.Equal(t, []byte("child result"), notify.Result)
}

func TestExecuteTurn_Timer(t *testing.T) {
	fireAt := time.Now().Add(time.Hour).UTC()
	waiter := func(past, new []api.HistoryEvent) iter.Seq[api.OrchestratorAction] {
		return func(yield func(api.OrchestratorAction) bool) {
			all := append(append([]api.HistoryEvent{}, past...), new...)
			for _, e := range all {
				if _, ok := e.(*api.TimerFired); ok {
					yield(&api.CompleteOrchestrationAction{Status: api.StatusCompleted})
					return
				}
			}
			for _, e := range all {
				if _, ok := e.(*api.TimerCreated); ok {
					return
				}
			}
			yield(&api.CreateTimerAction{TimerID: 2, FireAt: fireAt})
		}
	}
	exec := newTestExecutor(t, map[string]engine.OrchestratorFunc{"waiter": waiter})

	state := freshState(t, "inst-6")
	outcome, err := exec.ExecuteTurn(context.Background(), state, []api.TaskMessage{
		startMessage("inst-6", "waiter", nil),
	})
	require.NoError(t, err)

	require.Len(t, outcome.TimerMessages, 1)
	fired, ok := outcome.TimerMessages[0].Event.(*api.TimerFired)
	require.True(t, ok)
	assert.Equal(t, int32(2), fired.TimerID)
	assert.True(t, fired.FireAt.Equal(fireAt))
	assert.Equal(t, api.StatusRunning, outcome.State.Status())

	outcome.State.CommitEvents()
	outcome, err = exec.ExecuteTurn(context.Background(), outcome.State, []api.TaskMessage{
		{Instance: outcome.State.Instance(), Event: fired},
	})
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, outcome.State.Status())
}

func TestExecuteTurn_Terminate(t *testing.T) {
	exec := newTestExecutor(t, map[string]engine.OrchestratorFunc{"greeting": greeter})

	state := freshState(t, "inst-7")
	outcome, err := exec.ExecuteTurn(context.Background(), state, []api.TaskMessage{
		startMessage("inst-7", "greeting", nil),
	})
	require.NoError(t, err)
	require.Equal(t, api.StatusRunning, outcome.State.Status())

	outcome.State.CommitEvents()
	outcome, err = exec.ExecuteTurn(context.Background(), outcome.State, []api.TaskMessage{
		{
			Instance: outcome.State.Instance(),
			Event:    &api.ExecutionTerminated{EventCore: api.NewEventCore(), Input: []byte("killed")},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, api.StatusTerminated, outcome.State.Status())
	require.NotNil(t, outcome.State.Failure())
	assert.Equal(t, "OrchestrationTerminated", outcome.State.Failure().ErrorType)
	names := eventNames(outcome.State.NewEvents())
	assert.Equal(t, "orchestrator/completed", names[len(names)-1])
}

func TestExecuteTurn_SuspendBuffersUntilResume(t *testing.T) {
	exec := newTestExecutor(t, map[string]engine.OrchestratorFunc{
		"eager": func(past, new []api.HistoryEvent) iter.Seq[api.OrchestratorAction] {
			return actionsOf(&api.CompleteOrchestrationAction{Status: api.StatusCompleted})
		},
	})

	state := freshState(t, "inst-8")
	outcome, err := exec.ExecuteTurn(context.Background(), state, []api.TaskMessage{
		startMessage("inst-8", "eager", nil),
		{
			Instance: api.OrchestrationInstance{InstanceID: "inst-8"},
			Event:    &api.ExecutionSuspended{EventCore: api.NewEventCore(), Reason: "operator"},
		},
	})
	require.NoError(t, err)

	// the logic must not run while suspended
	assert.Equal(t, api.StatusSuspended, outcome.State.Status())
	assert.False(t, outcome.State.IsCompleted())

	outcome.State.CommitEvents()
	outcome, err = exec.ExecuteTurn(context.Background(), outcome.State, []api.TaskMessage{
		{
			Instance: api.OrchestrationInstance{InstanceID: "inst-8"},
			Event:    &api.ExecutionResumed{EventCore: api.NewEventCore(), Reason: "operator"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, outcome.State.Status())
}

func TestExecuteTurn_DuplicateStartDropped(t *testing.T) {
	exec := newTestExecutor(t, map[string]engine.OrchestratorFunc{"greeting": greeter})

	state := freshState(t, "inst-9")
	outcome, err := exec.ExecuteTurn(context.Background(), state, []api.TaskMessage{
		startMessage("inst-9", "greeting", nil),
		startMessage("inst-9", "greeting", nil),
	})
	require.NoError(t, err)

	starts := 0
	for _, e := range outcome.State.NewEvents() {
		if _, ok := e.(*api.ExecutionStarted); ok {
			starts++
		}
	}
	assert.Equal(t, 1, starts)
	// only one schedule despite the duplicate start
	assert.Len(t, outcome.ActivityMessages, 1)
}

func TestExecuteTurn_CompletedInstanceIgnoresMessages(t *testing.T) {
	exec := newTestExecutor(t, map[string]engine.OrchestratorFunc{
		"noop": func(past, new []api.HistoryEvent) iter.Seq[api.OrchestratorAction] {
			return actionsOf(&api.CompleteOrchestrationAction{Status: api.StatusCompleted})
		},
	})

	state := freshState(t, "inst-10")
	outcome, err := exec.ExecuteTurn(context.Background(), state, []api.TaskMessage{
		startMessage("inst-10", "noop", nil),
	})
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, outcome.State.Status())

	outcome.State.CommitEvents()
	before := len(outcome.State.PastEvents())
	outcome, err = exec.ExecuteTurn(context.Background(), outcome.State, []api.TaskMessage{
		{
			Instance: outcome.State.Instance(),
			Event:    &api.EventRaised{EventCore: api.NewEventCore(), Name: "late"},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, outcome.State.NewEvents())
	assert.Len(t, outcome.State.PastEvents(), before)
}

func TestExecuteTurn_EmptyActivityNameFailsTurn(t *testing.T) {
	exec := newTestExecutor(t, map[string]engine.OrchestratorFunc{
		"broken": func(past, new []api.HistoryEvent) iter.Seq[api.OrchestratorAction] {
			return actionsOf(&api.ScheduleTaskAction{TaskID: 1, Name: ""})
		},
	})

	_, err := exec.ExecuteTurn(context.Background(), freshState(t, "inst-11"), []api.TaskMessage{
		startMessage("inst-11", "broken", nil),
	})
	require.ErrorIs(t, err, engine.ErrInvalidAction)
}

func TestExecuteTurn_PanicAbandonsTurn(t *testing.T) {
	exec := newTestExecutor(t, map[string]engine.OrchestratorFunc{
		"panicky": func(past, new []api.HistoryEvent) iter.Seq[api.OrchestratorAction] {
			return func(yield func(api.OrchestratorAction) bool) {
				panic("author bug")
			}
		},
	})

	_, err := exec.ExecuteTurn(context.Background(), freshState(t, "inst-12"), []api.TaskMessage{
		startMessage("inst-12", "panicky", nil),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

// TestExecuteTurn_DuplicateCompletionInOneBatch redelivers the same task
// completion twice within a single batch. The second copy must be dropped
// while the batch is applied; erroring instead would abandon the turn and
// the backend would redeliver the same poisoned batch forever.
func TestExecuteTurn_DuplicateCompletionInOneBatch(t *testing.T) {
	exec := newTestExecutor(t, map[string]engine.OrchestratorFunc{"greeting": greeter})

	state := freshState(t, "inst-14")
	outcome, err := exec.ExecuteTurn(context.Background(), state, []api.TaskMessage{
		startMessage("inst-14", "greeting", nil),
	})
	require.NoError(t, err)
	require.Len(t, outcome.ActivityMessages, 1)
	outcome.State.CommitEvents()

	completion := func() api.TaskMessage {
		return api.TaskMessage{
			Instance: outcome.State.Instance(),
			Event: &api.TaskCompleted{
				EventCore:       api.NewEventCore(),
				TaskScheduledID: 1,
				Result:          []byte("once"),
			},
		}
	}
	outcome, err = exec.ExecuteTurn(context.Background(), outcome.State, []api.TaskMessage{
		completion(),
		completion(),
	})
	require.NoError(t, err)
	assert.Equal(t, api.StatusCompleted, outcome.State.Status())
	assert.Equal(t, []byte("once"), outcome.State.Output())

	completions := 0
	for _, e := range outcome.State.NewEvents() {
		if _, ok := e.(*api.TaskCompleted); ok {
			completions++
		}
	}
	assert.Equal(t, 1, completions)
}

func TestExecuteTurn_UnregisteredOrchestrator(t *testing.T) {
	exec := newTestExecutor(t, nil)

	_, err := exec.ExecuteTurn(context.Background(), freshState(t, "inst-13"), []api.TaskMessage{
		startMessage("inst-13", "ghost", nil),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}
