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
	"errors"
	"fmt"
	"time"
)

// OrchestrationInstance identifies one execution of a logical
// orchestration. InstanceID is stable for the lifetime of the logical run;
// ExecutionID changes on every continue-as-new.
type OrchestrationInstance struct {
	InstanceID  string `json:"instance_id"  msgpack:"instance_id"`
	ExecutionID string `json:"execution_id" msgpack:"execution_id"`
}

func (i OrchestrationInstance) String() string {
	return i.InstanceID + "/" + i.ExecutionID
}

// ParentInstance is the back-reference a child orchestration carries so its
// terminal event can be routed to, and correlated by, the parent.
type ParentInstance struct {
	Instance       OrchestrationInstance `json:"instance"          msgpack:"instance"`
	Name           string                `json:"name"              msgpack:"name"`
	Version        string                `json:"version"           msgpack:"version"`
	TaskScheduleID int32                 `json:"task_schedule_id"  msgpack:"task_schedule_id"`
}

// TaskMessage wraps one history event destined for a specific instance.
// A message whose event fire-at time lies in the future (timers) must not
// be visible to the target before that time.
type TaskMessage struct {
	Instance OrchestrationInstance
	Sequence int64
	Event    HistoryEvent
}

// OrchestrationStatus is the runtime status of one orchestration execution.
type OrchestrationStatus string

const (
	StatusPending        OrchestrationStatus = "PENDING"
	StatusRunning        OrchestrationStatus = "RUNNING"
	StatusCompleted      OrchestrationStatus = "COMPLETED"
	StatusContinuedAsNew OrchestrationStatus = "CONTINUED_AS_NEW"
	StatusFailed         OrchestrationStatus = "FAILED"
	StatusTerminated     OrchestrationStatus = "TERMINATED"
	StatusSuspended      OrchestrationStatus = "SUSPENDED"
)

// IsTerminal reports whether no further turns will run for this execution.
func (s OrchestrationStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// OrchestrationState is the queryable status snapshot computed at the end
// of every committed turn.
type OrchestrationState struct {
	Instance       OrchestrationInstance `json:"instance"        msgpack:"instance"`
	Name           string                `json:"name"            msgpack:"name"`
	Version        string                `json:"version"         msgpack:"version"`
	Tags           map[string]string     `json:"tags"            msgpack:"tags"`
	RuntimeStatus  OrchestrationStatus   `json:"status"          msgpack:"status"`
	CreatedAt      time.Time             `json:"created_at"      msgpack:"created_at"`
	LastUpdatedAt  time.Time             `json:"last_updated_at" msgpack:"last_updated_at"`
	CompletedAt    time.Time             `json:"completed_at"    msgpack:"completed_at"`
	Input          []byte                `json:"input"           msgpack:"input"`
	Output         []byte                `json:"output"          msgpack:"output"`
	Size           int64                 `json:"size"            msgpack:"size"`
	CompressedSize int64                 `json:"compressed_size" msgpack:"compressed_size"`
	Failure        *FailureDetails       `json:"failure"         msgpack:"failure"`
}

// FailureDetails is the structured, nestable failure payload recorded in
// terminal events and propagated to waiting parents.
type FailureDetails struct {
	ErrorType  string          `json:"error_type"  msgpack:"error_type"`
	Message    string          `json:"message"     msgpack:"message"`
	StackTrace string          `json:"stack_trace" msgpack:"stack_trace"`
	Inner      *FailureDetails `json:"inner"       msgpack:"inner"`
}

// FailureFromError captures an error chain into failure details.
func FailureFromError(err error) *FailureDetails {
	if err == nil {
		return nil
	}
	f := &FailureDetails{
		ErrorType: fmt.Sprintf("%T", err),
		Message:   err.Error(),
	}
	if inner := errors.Unwrap(err); inner != nil {
		f.Inner = FailureFromError(inner)
	}
	return f
}

func (f *FailureDetails) Error() string {
	if f == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", f.ErrorType, f.Message)
}

// EntitySignal is one named operation addressed to an entity instance.
// DeliverAt, when set, is the earliest time the signal may become visible.
type EntitySignal struct {
	TargetID  string     `json:"target_id"  msgpack:"target_id"`
	Operation string     `json:"operation"  msgpack:"operation"`
	Input     []byte     `json:"input"      msgpack:"input"`
	DeliverAt *time.Time `json:"deliver_at" msgpack:"deliver_at"`
}

// OrchestrationStart is a request, emitted outside the replay path (entity
// operations, clients), to begin a new orchestration instance.
type OrchestrationStart struct {
	InstanceID string            `json:"instance_id" msgpack:"instance_id"`
	Name       string            `json:"name"        msgpack:"name"`
	Version    string            `json:"version"     msgpack:"version"`
	Input      []byte            `json:"input"       msgpack:"input"`
	Tags       map[string]string `json:"tags"        msgpack:"tags"`
}
