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
	"time"
)

// UnassignedEventID marks an event whose id has not been assigned yet.
// The turn executor is the only component that assigns real ids, right
// before an event is appended to history.
const UnassignedEventID int32 = -1

// HistoryEvent is the closed vocabulary of durable facts recorded for an
// orchestration instance. Events are immutable once constructed; the only
// mutation permitted is the one-time id assignment on append.
type HistoryEvent interface {
	EventName() string
	ID() int32
	SetID(id int32)
	When() time.Time

	isHistoryEvent()
}

var _ HistoryEvent = (*OrchestratorStarted)(nil)
var _ HistoryEvent = (*ExecutionStarted)(nil)
var _ HistoryEvent = (*TaskScheduled)(nil)
var _ HistoryEvent = (*TaskCompleted)(nil)
var _ HistoryEvent = (*TaskFailed)(nil)
var _ HistoryEvent = (*TimerCreated)(nil)
var _ HistoryEvent = (*TimerFired)(nil)
var _ HistoryEvent = (*SubOrchestrationInstanceCreated)(nil)
var _ HistoryEvent = (*SubOrchestrationInstanceCompleted)(nil)
var _ HistoryEvent = (*SubOrchestrationInstanceFailed)(nil)
var _ HistoryEvent = (*EventSent)(nil)
var _ HistoryEvent = (*EventRaised)(nil)
var _ HistoryEvent = (*ExecutionCompleted)(nil)
var _ HistoryEvent = (*ExecutionTerminated)(nil)
var _ HistoryEvent = (*ExecutionSuspended)(nil)
var _ HistoryEvent = (*ExecutionResumed)(nil)
var _ HistoryEvent = (*OrchestratorCompleted)(nil)

// EventCore carries the fields shared by every history event.
type EventCore struct {
	EventID   int32     `json:"event_id" msgpack:"event_id"`
	Timestamp time.Time `json:"ts"       msgpack:"ts"`
}

// NewEventCore returns a core with an unassigned id stamped with the
// current wall-clock time. Timestamps are informational only and never
// participate in replay decisions.
func NewEventCore() EventCore {
	return EventCore{EventID: UnassignedEventID, Timestamp: time.Now().UTC()}
}

func (c *EventCore) ID() int32        { return c.EventID }
func (c *EventCore) SetID(id int32)   { c.EventID = id }
func (c *EventCore) When() time.Time  { return c.Timestamp }
func (c *EventCore) isHistoryEvent()  {}

// -- Orchestrator Started marker --
//
// Appended at the top of every turn, before any inbound event.
type OrchestratorStarted struct {
	EventCore
}

func (*OrchestratorStarted) EventName() string { return "orchestrator/started" }

// -- Execution Started --
type ExecutionStarted struct {
	EventCore

	Instance     OrchestrationInstance `json:"instance"      msgpack:"instance"`
	Name         string                `json:"name"          msgpack:"name"`
	Version      string                `json:"version"       msgpack:"version"`
	Input        []byte                `json:"input"         msgpack:"input"`
	Tags         map[string]string     `json:"tags"          msgpack:"tags"`
	Parent       *ParentInstance       `json:"parent"        msgpack:"parent"`
	TraceContext string                `json:"trace_context" msgpack:"trace_context"`
}

func (*ExecutionStarted) EventName() string { return "execution/started" }

// -- Task Scheduled --
//
// The event id doubles as the task schedule id: the matching terminal
// event correlates through it.
type TaskScheduled struct {
	EventCore

	Name         string `json:"name"          msgpack:"name"`
	Version      string `json:"version"       msgpack:"version"`
	Input        []byte `json:"input"         msgpack:"input"`
	TraceContext string `json:"trace_context" msgpack:"trace_context"`
}

func (*TaskScheduled) EventName() string { return "task/scheduled" }

// -- Task Completed --
type TaskCompleted struct {
	EventCore

	TaskScheduledID int32  `json:"task_scheduled_id" msgpack:"task_scheduled_id"`
	Result          []byte `json:"result"            msgpack:"result"`
}

func (*TaskCompleted) EventName() string { return "task/completed" }

// -- Task Failed --
type TaskFailed struct {
	EventCore

	TaskScheduledID int32           `json:"task_scheduled_id" msgpack:"task_scheduled_id"`
	Failure         *FailureDetails `json:"failure"           msgpack:"failure"`
}

func (*TaskFailed) EventName() string { return "task/failed" }

// -- Timer Created --
type TimerCreated struct {
	EventCore

	FireAt time.Time `json:"fire_at" msgpack:"fire_at"`
}

func (*TimerCreated) EventName() string { return "timer/created" }

// -- Timer Fired --
type TimerFired struct {
	EventCore

	TimerID int32     `json:"timer_id" msgpack:"timer_id"`
	FireAt  time.Time `json:"fire_at"  msgpack:"fire_at"`
}

func (*TimerFired) EventName() string { return "timer/fired" }

// -- Sub-Orchestration Created --
type SubOrchestrationInstanceCreated struct {
	EventCore

	InstanceID string `json:"instance_id" msgpack:"instance_id"`
	Name       string `json:"name"        msgpack:"name"`
	Version    string `json:"version"     msgpack:"version"`
	Input      []byte `json:"input"       msgpack:"input"`
}

func (*SubOrchestrationInstanceCreated) EventName() string { return "suborchestration/created" }

// -- Sub-Orchestration Completed --
type SubOrchestrationInstanceCompleted struct {
	EventCore

	TaskScheduledID int32  `json:"task_scheduled_id" msgpack:"task_scheduled_id"`
	Result          []byte `json:"result"            msgpack:"result"`
}

func (*SubOrchestrationInstanceCompleted) EventName() string { return "suborchestration/completed" }

// -- Sub-Orchestration Failed --
type SubOrchestrationInstanceFailed struct {
	EventCore

	TaskScheduledID int32           `json:"task_scheduled_id" msgpack:"task_scheduled_id"`
	Failure         *FailureDetails `json:"failure"           msgpack:"failure"`
}

func (*SubOrchestrationInstanceFailed) EventName() string { return "suborchestration/failed" }

// -- Event Sent --
type EventSent struct {
	EventCore

	InstanceID string `json:"instance_id" msgpack:"instance_id"`
	Name       string `json:"name"        msgpack:"name"`
	Input      []byte `json:"input"       msgpack:"input"`
}

func (*EventSent) EventName() string { return "event/sent" }

// -- Event Raised --
type EventRaised struct {
	EventCore

	Name  string `json:"name"  msgpack:"name"`
	Input []byte `json:"input" msgpack:"input"`
}

func (*EventRaised) EventName() string { return "event/raised" }

// -- Execution Completed --
type ExecutionCompleted struct {
	EventCore

	Status  OrchestrationStatus `json:"status"  msgpack:"status"`
	Result  []byte              `json:"result"  msgpack:"result"`
	Failure *FailureDetails     `json:"failure" msgpack:"failure"`
}

func (*ExecutionCompleted) EventName() string { return "execution/completed" }

// -- Execution Terminated --
//
// Delivered externally; the executor turns it into an ordinary terminal
// completion on the next turn.
type ExecutionTerminated struct {
	EventCore

	Input []byte `json:"input" msgpack:"input"`
}

func (*ExecutionTerminated) EventName() string { return "execution/terminated" }

// -- Execution Suspended --
type ExecutionSuspended struct {
	EventCore

	Reason string `json:"reason" msgpack:"reason"`
}

func (*ExecutionSuspended) EventName() string { return "execution/suspended" }

// -- Execution Resumed --
type ExecutionResumed struct {
	EventCore

	Reason string `json:"reason" msgpack:"reason"`
}

func (*ExecutionResumed) EventName() string { return "execution/resumed" }

// -- Orchestrator Completed marker --
type OrchestratorCompleted struct {
	EventCore
}

func (*OrchestratorCompleted) EventName() string { return "orchestrator/completed" }
