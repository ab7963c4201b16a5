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
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/gofrs/uuid/v5"
	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
)

// ErrInvalidAction marks an action that references malformed data, e.g. a
// task schedule with an empty name. The turn fails fast instead of being
// silently dropped.
var ErrInvalidAction = errors.New("invalid orchestrator action")

// TurnOutcome is the result of one completed turn: the updated runtime
// state (new events not yet committed), the three outbound message batches
// and the status snapshot. The backend commits all of it atomically.
type TurnOutcome struct {
	State                *OrchestrationRuntimeState
	ActivityMessages     []api.TaskMessage
	TimerMessages        []api.TaskMessage
	OrchestratorMessages []api.TaskMessage
	Snapshot             *api.OrchestrationState
}

// Executor advances one orchestration execution by one turn: it replays
// the orchestration's logic over history plus new events and translates
// the yielded actions into durable history and outbound messages.
type Executor struct {
	registry *Registry
	conv     serde.BinarySerde
	logger   *slog.Logger
}

type ExecutorOption func(*Executor)

func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithExecutorSerde(conv serde.BinarySerde) ExecutorOption {
	return func(e *Executor) {
		if conv != nil {
			e.conv = conv
		}
	}
}

func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		conv:     &serde.MsgpackSerde{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// ExecuteTurn runs the turn algorithm for one work item. Any returned
// error means the turn must be abandoned wholesale: nothing from a failed
// turn is ever partially committed.
func (e *Executor) ExecuteTurn(ctx context.Context, state *OrchestrationRuntimeState, messages []api.TaskMessage) (*TurnOutcome, error) {
	if state == nil {
		return nil, fmt.Errorf("nil runtime state")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msgs := SortMessagesForTurn(messages)

	outcome := &TurnOutcome{State: state}
	if state.IsCompleted() {
		// nothing to do; committing acks the ignored messages
		return e.finishTurn(state, outcome)
	}

	if err := state.AddEvent(&api.OrchestratorStarted{EventCore: api.NewEventCore()}); err != nil {
		return nil, err
	}

	// The drop decision is made against the live state, message by message:
	// an earlier message in this same batch may have started the execution
	// or consumed the schedule id a later duplicate names.
	var terminated *api.ExecutionTerminated
	for _, m := range msgs {
		if reason := dropReason(state, m); reason != "" {
			e.logger.Debug("dropping inbound message",
				"instance_id", state.InstanceID(),
				"event", m.Event.EventName(),
				"reason", reason,
			)
			continue
		}
		if err := state.AddEvent(m.Event); err != nil {
			if errors.Is(err, ErrDuplicateEvent) {
				// under at-least-once delivery a duplicate is a drop, never
				// a turn failure
				e.logger.Debug("dropping duplicate inbound message",
					"instance_id", state.InstanceID(),
					"event", m.Event.EventName(),
					"error", err,
				)
				continue
			}
			return nil, fmt.Errorf("apply inbound %q: %w", m.Event.EventName(), err)
		}
		if term, ok := m.Event.(*api.ExecutionTerminated); ok {
			terminated = term
		}
	}

	// A suspended execution buffers its events and yields no actions until
	// resumed; termination still goes through.
	if state.IsSuspended() && terminated == nil {
		return e.finishTurn(state, outcome)
	}

	// Continue-as-new swaps in a fresh runtime state and reruns the logic
	// within the same turn, so this loop may execute more than once.
	for {
		var actions iter.Seq[api.OrchestratorAction]
		if terminated != nil {
			actions = terminalActions(terminated.Input)
		} else {
			orchestrator, err := e.registry.Orchestrator(state.Name())
			if err != nil {
				return nil, err
			}
			actions = orchestrator.Execute(state.PastEvents(), state.NewEvents())
		}

		next, err := e.applyActions(state, actions, outcome)
		if err != nil {
			return nil, err
		}
		if next == nil {
			break
		}

		e.logger.Debug("orchestration continued as new",
			"instance_id", state.InstanceID(),
			"old_execution_id", state.ExecutionID(),
			"new_execution_id", next.ExecutionID(),
		)
		state = next
		outcome.State = next
		terminated = nil
	}

	if state.IsCompleted() {
		if err := state.AddEvent(&api.OrchestratorCompleted{EventCore: api.NewEventCore()}); err != nil {
			return nil, err
		}
		e.logger.Info("orchestration reached terminal state",
			"instance_id", state.InstanceID(),
			"name", state.Name(),
			"status", state.Status(),
		)
	}

	return e.finishTurn(state, outcome)
}

func (e *Executor) finishTurn(state *OrchestrationRuntimeState, outcome *TurnOutcome) (*TurnOutcome, error) {
	snapshot, err := state.Snapshot(e.conv)
	if err != nil {
		return nil, err
	}
	outcome.Snapshot = snapshot
	return outcome, nil
}

// terminalActions synthesizes the terminal completion for an externally
// delivered terminate request.
func terminalActions(input []byte) iter.Seq[api.OrchestratorAction] {
	return func(yield func(api.OrchestratorAction) bool) {
		yield(&api.CompleteOrchestrationAction{
			Status: api.StatusTerminated,
			Result: input,
			Failure: &api.FailureDetails{
				ErrorType: "OrchestrationTerminated",
				Message:   "the orchestration was terminated by request",
			},
		})
	}
}

// applyActions consumes the action sequence exactly once, converting each
// action into history events and outbound messages. A non-nil returned
// state means the execution continued as new and the logic must rerun.
func (e *Executor) applyActions(state *OrchestrationRuntimeState, actions iter.Seq[api.OrchestratorAction], outcome *TurnOutcome) (next *OrchestrationRuntimeState, err error) {
	// The logic function runs lazily while the sequence is enumerated, so
	// author panics surface here. The turn is abandoned, never partially
	// committed.
	defer func() {
		if r := recover(); r != nil {
			next = nil
			err = fmt.Errorf("orchestrator %q panicked: %v", state.Name(), r)
		}
	}()

	for action := range actions {
		switch a := action.(type) {
		case *api.ScheduleTaskAction:
			if a.Name == "" {
				return nil, fmt.Errorf("%w: schedule-task with empty name", ErrInvalidAction)
			}
			ev := &api.TaskScheduled{
				EventCore:    eventCoreWithID(a.TaskID),
				Name:         a.Name,
				Version:      a.Version,
				Input:        a.Input,
				TraceContext: a.TraceContext,
			}
			if err := state.AddEvent(ev); err != nil {
				return nil, err
			}
			outcome.ActivityMessages = append(outcome.ActivityMessages, api.TaskMessage{
				Instance: state.Instance(),
				Event:    ev,
			})

		case *api.CreateTimerAction:
			ev := &api.TimerCreated{EventCore: eventCoreWithID(a.TimerID), FireAt: a.FireAt}
			if err := state.AddEvent(ev); err != nil {
				return nil, err
			}
			outcome.TimerMessages = append(outcome.TimerMessages, api.TaskMessage{
				Instance: state.Instance(),
				Event: &api.TimerFired{
					EventCore: api.NewEventCore(),
					TimerID:   a.TimerID,
					FireAt:    a.FireAt,
				},
			})

		case *api.CreateSubOrchestrationAction:
			if a.Name == "" {
				return nil, fmt.Errorf("%w: create-sub-orchestration with empty name", ErrInvalidAction)
			}
			childID := a.InstanceID
			if childID == "" {
				// deterministic default so a replayed turn produces the
				// same child instance
				childID = fmt.Sprintf("%s:%d", state.InstanceID(), a.TaskID)
			}
			ev := &api.SubOrchestrationInstanceCreated{
				EventCore:  eventCoreWithID(a.TaskID),
				InstanceID: childID,
				Name:       a.Name,
				Version:    a.Version,
				Input:      a.Input,
			}
			if err := state.AddEvent(ev); err != nil {
				return nil, err
			}
			childInstance := api.OrchestrationInstance{
				InstanceID:  childID,
				ExecutionID: newExecutionID(),
			}
			outcome.OrchestratorMessages = append(outcome.OrchestratorMessages, api.TaskMessage{
				Instance: childInstance,
				Event: &api.ExecutionStarted{
					EventCore: api.NewEventCore(),
					Instance:  childInstance,
					Name:      a.Name,
					Version:   a.Version,
					Input:     a.Input,
					Tags:      a.Tags,
					Parent: &api.ParentInstance{
						Instance:       state.Instance(),
						Name:           state.Name(),
						Version:        state.Version(),
						TaskScheduleID: a.TaskID,
					},
				},
			})

		case *api.SendEventAction:
			if a.InstanceID == "" || a.Name == "" {
				return nil, fmt.Errorf("%w: send-event requires a target instance and event name", ErrInvalidAction)
			}
			ev := &api.EventSent{
				EventCore:  api.NewEventCore(),
				InstanceID: a.InstanceID,
				Name:       a.Name,
				Input:      a.Input,
			}
			if err := state.AddEvent(ev); err != nil {
				return nil, err
			}
			outcome.OrchestratorMessages = append(outcome.OrchestratorMessages, api.TaskMessage{
				Instance: api.OrchestrationInstance{InstanceID: a.InstanceID},
				Event: &api.EventRaised{
					EventCore: api.NewEventCore(),
					Name:      a.Name,
					Input:     a.Input,
				},
			})

		case *api.CompleteOrchestrationAction:
			if a.Status == api.StatusContinuedAsNew {
				return e.continueAsNew(state, a, outcome)
			}
			if err := e.completeExecution(state, a, outcome); err != nil {
				return nil, err
			}
			// the terminal action ends the pass; anything after it would
			// never have been observable
			return nil, nil

		default:
			// forward compatibility: newer action kinds are skipped, not fatal
			e.logger.Warn("ignoring unrecognized orchestrator action",
				"instance_id", state.InstanceID(),
				"action", action.ActionName(),
			)
		}
	}
	return nil, nil
}

// continueAsNew discards the current runtime state and replaces it with a
// fresh execution seeded from the completion action. Outbound messages
// collected so far belong to the abandoned pass and are dropped; only
// explicitly marked carryover events survive.
func (e *Executor) continueAsNew(state *OrchestrationRuntimeState, a *api.CompleteOrchestrationAction, outcome *TurnOutcome) (*OrchestrationRuntimeState, error) {
	next, err := NewOrchestrationRuntimeState(state.InstanceID(), nil)
	if err != nil {
		return nil, err
	}
	if err := next.AddEvent(&api.OrchestratorStarted{EventCore: api.NewEventCore()}); err != nil {
		return nil, err
	}

	version := state.Version()
	if a.NewVersion != "" {
		version = a.NewVersion
	}
	instance := api.OrchestrationInstance{
		InstanceID:  state.InstanceID(),
		ExecutionID: newExecutionID(),
	}
	if err := next.AddEvent(&api.ExecutionStarted{
		EventCore: api.NewEventCore(),
		Instance:  instance,
		Name:      state.Name(),
		Version:   version,
		Input:     a.Result,
		Tags:      state.Tags(),
		Parent:    state.Parent(),
	}); err != nil {
		return nil, err
	}

	for _, carryover := range a.CarryoverEvents {
		carryover.SetID(api.UnassignedEventID)
		if err := next.AddEvent(carryover); err != nil {
			return nil, fmt.Errorf("replay carryover %q: %w", carryover.EventName(), err)
		}
	}

	outcome.ActivityMessages = nil
	outcome.TimerMessages = nil
	outcome.OrchestratorMessages = nil
	return next, nil
}

func (e *Executor) completeExecution(state *OrchestrationRuntimeState, a *api.CompleteOrchestrationAction, outcome *TurnOutcome) error {
	if err := state.AddEvent(&api.ExecutionCompleted{
		EventCore: api.NewEventCore(),
		Status:    a.Status,
		Result:    a.Result,
		Failure:   a.Failure,
	}); err != nil {
		return err
	}

	parent := state.Parent()
	if parent == nil {
		return nil
	}

	// notify the waiting parent, correlated by the schedule id it recorded
	var ev api.HistoryEvent
	if a.Status == api.StatusCompleted {
		ev = &api.SubOrchestrationInstanceCompleted{
			EventCore:       api.NewEventCore(),
			TaskScheduledID: parent.TaskScheduleID,
			Result:          a.Result,
		}
	} else {
		failure := a.Failure
		if failure == nil {
			failure = &api.FailureDetails{
				ErrorType: "OrchestrationFailed",
				Message:   fmt.Sprintf("sub-orchestration finished with status %s", a.Status),
			}
		}
		ev = &api.SubOrchestrationInstanceFailed{
			EventCore:       api.NewEventCore(),
			TaskScheduledID: parent.TaskScheduleID,
			Failure:         failure,
		}
	}
	outcome.OrchestratorMessages = append(outcome.OrchestratorMessages, api.TaskMessage{
		Instance: parent.Instance,
		Event:    ev,
	})
	return nil
}

func eventCoreWithID(id int32) api.EventCore {
	core := api.NewEventCore()
	core.EventID = id
	return core
}

func newExecutionID() string {
	return uuid.Must(uuid.NewV4()).String()
}
