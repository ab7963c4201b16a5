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
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/s2"
	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
)

// ErrDuplicateEvent is returned when an event violates the
// exactly-one-terminal-per-schedule-id pairing or restarts an already
// started execution.
var ErrDuplicateEvent = errors.New("duplicate history event")

// OrchestrationRuntimeState is the replay-relevant aggregate for one
// orchestration execution. pastEvents are immutable committed history;
// newEvents accumulate during a turn and fold into pastEvents only after
// a successful commit. The state is owned exclusively by the turn that
// holds the instance's lock.
type OrchestrationRuntimeState struct {
	instance   api.OrchestrationInstance
	pastEvents []api.HistoryEvent
	newEvents  []api.HistoryEvent

	startEvent     *api.ExecutionStarted
	completedEvent *api.ExecutionCompleted
	createdAt      time.Time
	lastUpdatedAt  time.Time
	completedAt    time.Time
	suspended      bool

	sequence int32

	pendingTasks             map[int32]struct{}
	pendingTimers            map[int32]struct{}
	pendingSubOrchestrations map[int32]struct{}
}

// NewOrchestrationRuntimeState rebuilds the aggregate from committed
// history. An empty history yields a fresh, not-yet-started state.
func NewOrchestrationRuntimeState(instanceID string, past []api.HistoryEvent) (*OrchestrationRuntimeState, error) {
	s := &OrchestrationRuntimeState{
		instance:                 api.OrchestrationInstance{InstanceID: instanceID},
		pendingTasks:             make(map[int32]struct{}),
		pendingTimers:            make(map[int32]struct{}),
		pendingSubOrchestrations: make(map[int32]struct{}),
	}
	for _, e := range past {
		if err := s.apply(e); err != nil {
			return nil, fmt.Errorf("rebuild state for %q: %w", instanceID, err)
		}
		s.pastEvents = append(s.pastEvents, e)
		if e.ID() >= s.sequence {
			s.sequence = e.ID() + 1
		}
	}
	return s, nil
}

// AddEvent applies one event and appends it to the turn's new events.
// An unassigned event id is replaced with the next sequence number; a
// pre-assigned id (schedule-type events carry their action's id) advances
// the sequence past itself.
func (s *OrchestrationRuntimeState) AddEvent(e api.HistoryEvent) error {
	if e.ID() == api.UnassignedEventID {
		e.SetID(s.sequence)
		s.sequence++
	} else if e.ID() >= s.sequence {
		s.sequence = e.ID() + 1
	}
	if err := s.apply(e); err != nil {
		return err
	}
	s.newEvents = append(s.newEvents, e)
	s.lastUpdatedAt = e.When()
	return nil
}

func (s *OrchestrationRuntimeState) apply(e api.HistoryEvent) error {
	switch evt := e.(type) {
	case *api.OrchestratorStarted, *api.OrchestratorCompleted:
		// turn markers carry no state
	case *api.ExecutionStarted:
		if s.startEvent != nil {
			return fmt.Errorf("%w: execution already started", ErrDuplicateEvent)
		}
		s.startEvent = evt
		s.createdAt = evt.When()
		if evt.Instance.InstanceID != "" {
			s.instance = evt.Instance
		}
	case *api.TaskScheduled:
		s.pendingTasks[evt.ID()] = struct{}{}
	case *api.TaskCompleted:
		if _, ok := s.pendingTasks[evt.TaskScheduledID]; !ok {
			return fmt.Errorf("%w: no pending task with schedule id %d", ErrDuplicateEvent, evt.TaskScheduledID)
		}
		delete(s.pendingTasks, evt.TaskScheduledID)
	case *api.TaskFailed:
		if _, ok := s.pendingTasks[evt.TaskScheduledID]; !ok {
			return fmt.Errorf("%w: no pending task with schedule id %d", ErrDuplicateEvent, evt.TaskScheduledID)
		}
		delete(s.pendingTasks, evt.TaskScheduledID)
	case *api.TimerCreated:
		s.pendingTimers[evt.ID()] = struct{}{}
	case *api.TimerFired:
		if _, ok := s.pendingTimers[evt.TimerID]; !ok {
			return fmt.Errorf("%w: no pending timer with id %d", ErrDuplicateEvent, evt.TimerID)
		}
		delete(s.pendingTimers, evt.TimerID)
	case *api.SubOrchestrationInstanceCreated:
		s.pendingSubOrchestrations[evt.ID()] = struct{}{}
	case *api.SubOrchestrationInstanceCompleted:
		if _, ok := s.pendingSubOrchestrations[evt.TaskScheduledID]; !ok {
			return fmt.Errorf("%w: no pending sub-orchestration with schedule id %d", ErrDuplicateEvent, evt.TaskScheduledID)
		}
		delete(s.pendingSubOrchestrations, evt.TaskScheduledID)
	case *api.SubOrchestrationInstanceFailed:
		if _, ok := s.pendingSubOrchestrations[evt.TaskScheduledID]; !ok {
			return fmt.Errorf("%w: no pending sub-orchestration with schedule id %d", ErrDuplicateEvent, evt.TaskScheduledID)
		}
		delete(s.pendingSubOrchestrations, evt.TaskScheduledID)
	case *api.EventSent, *api.EventRaised, *api.ExecutionTerminated:
		// recorded verbatim; interpreted by the executor and the logic
	case *api.ExecutionSuspended:
		s.suspended = true
	case *api.ExecutionResumed:
		s.suspended = false
	case *api.ExecutionCompleted:
		if s.completedEvent != nil {
			return fmt.Errorf("%w: execution already completed", ErrDuplicateEvent)
		}
		s.completedEvent = evt
		s.completedAt = evt.When()
	default:
		// unknown events are tolerated for forward compatibility
	}
	return nil
}

// CommitEvents folds the turn's new events into committed history. Called
// by the backend after a successful atomic commit, never mid-turn.
func (s *OrchestrationRuntimeState) CommitEvents() {
	s.pastEvents = append(s.pastEvents, s.newEvents...)
	s.newEvents = nil
}

func (s *OrchestrationRuntimeState) Instance() api.OrchestrationInstance { return s.instance }
func (s *OrchestrationRuntimeState) InstanceID() string                  { return s.instance.InstanceID }
func (s *OrchestrationRuntimeState) ExecutionID() string                 { return s.instance.ExecutionID }

func (s *OrchestrationRuntimeState) PastEvents() []api.HistoryEvent { return s.pastEvents }
func (s *OrchestrationRuntimeState) NewEvents() []api.HistoryEvent  { return s.newEvents }

// Events returns committed history followed by this turn's new events.
func (s *OrchestrationRuntimeState) Events() []api.HistoryEvent {
	all := make([]api.HistoryEvent, 0, len(s.pastEvents)+len(s.newEvents))
	all = append(all, s.pastEvents...)
	return append(all, s.newEvents...)
}

func (s *OrchestrationRuntimeState) HasStarted() bool { return s.startEvent != nil }
func (s *OrchestrationRuntimeState) IsCompleted() bool {
	return s.completedEvent != nil
}
func (s *OrchestrationRuntimeState) IsSuspended() bool { return s.suspended }

func (s *OrchestrationRuntimeState) Name() string {
	if s.startEvent == nil {
		return ""
	}
	return s.startEvent.Name
}

func (s *OrchestrationRuntimeState) Version() string {
	if s.startEvent == nil {
		return ""
	}
	return s.startEvent.Version
}

func (s *OrchestrationRuntimeState) Input() []byte {
	if s.startEvent == nil {
		return nil
	}
	return s.startEvent.Input
}

func (s *OrchestrationRuntimeState) Tags() map[string]string {
	if s.startEvent == nil {
		return nil
	}
	return s.startEvent.Tags
}

func (s *OrchestrationRuntimeState) Parent() *api.ParentInstance {
	if s.startEvent == nil {
		return nil
	}
	return s.startEvent.Parent
}

func (s *OrchestrationRuntimeState) Output() []byte {
	if s.completedEvent == nil {
		return nil
	}
	return s.completedEvent.Result
}

func (s *OrchestrationRuntimeState) Failure() *api.FailureDetails {
	if s.completedEvent == nil {
		return nil
	}
	return s.completedEvent.Failure
}

// Status derives the runtime status from the applied events.
func (s *OrchestrationRuntimeState) Status() api.OrchestrationStatus {
	switch {
	case s.completedEvent != nil:
		return s.completedEvent.Status
	case s.suspended:
		return api.StatusSuspended
	case s.startEvent != nil:
		return api.StatusRunning
	default:
		return api.StatusPending
	}
}

func (s *OrchestrationRuntimeState) hasPendingTask(id int32) bool {
	_, ok := s.pendingTasks[id]
	return ok
}

func (s *OrchestrationRuntimeState) hasPendingTimer(id int32) bool {
	_, ok := s.pendingTimers[id]
	return ok
}

func (s *OrchestrationRuntimeState) hasPendingSubOrchestration(id int32) bool {
	_, ok := s.pendingSubOrchestrations[id]
	return ok
}

// Snapshot computes the queryable status record for this state, including
// the serialized and compressed history sizes.
func (s *OrchestrationRuntimeState) Snapshot(conv serde.BinarySerde) (*api.OrchestrationState, error) {
	raw, err := api.WrapHistory(conv, s.Events())
	if err != nil {
		return nil, fmt.Errorf("snapshot %q: %w", s.InstanceID(), err)
	}
	return &api.OrchestrationState{
		Instance:       s.instance,
		Name:           s.Name(),
		Version:        s.Version(),
		Tags:           s.Tags(),
		RuntimeStatus:  s.Status(),
		CreatedAt:      s.createdAt,
		LastUpdatedAt:  s.lastUpdatedAt,
		CompletedAt:    s.completedAt,
		Input:          s.Input(),
		Output:         s.Output(),
		Size:           int64(len(raw)),
		CompressedSize: int64(len(s2.Encode(nil, raw))),
		Failure:        s.Failure(),
	}, nil
}
