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

import "time"

// OrchestratorAction is the closed vocabulary of decisions one logic pass
// can yield. A sequence of actions is produced lazily by orchestrator logic
// and consumed exactly once by the turn executor.
type OrchestratorAction interface {
	ActionName() string

	isOrchestratorAction()
}

var _ OrchestratorAction = (*ScheduleTaskAction)(nil)
var _ OrchestratorAction = (*CreateTimerAction)(nil)
var _ OrchestratorAction = (*CreateSubOrchestrationAction)(nil)
var _ OrchestratorAction = (*SendEventAction)(nil)
var _ OrchestratorAction = (*CompleteOrchestrationAction)(nil)

// ScheduleTaskAction requests one activity execution. TaskID must be
// assigned deterministically by the logic; the activity's terminal event
// correlates through it.
type ScheduleTaskAction struct {
	TaskID       int32
	Name         string
	Version      string
	Input        []byte
	TraceContext string
}

func (*ScheduleTaskAction) ActionName() string    { return "action/schedule-task" }
func (*ScheduleTaskAction) isOrchestratorAction() {}

// CreateTimerAction requests a durable timer that fires no earlier than
// FireAt.
type CreateTimerAction struct {
	TimerID int32
	FireAt  time.Time
}

func (*CreateTimerAction) ActionName() string    { return "action/create-timer" }
func (*CreateTimerAction) isOrchestratorAction() {}

// CreateSubOrchestrationAction requests a child orchestration whose
// terminal event will be delivered back correlated by TaskID.
type CreateSubOrchestrationAction struct {
	TaskID     int32
	InstanceID string
	Name       string
	Version    string
	Input      []byte
	Tags       map[string]string
}

func (*CreateSubOrchestrationAction) ActionName() string    { return "action/create-suborchestration" }
func (*CreateSubOrchestrationAction) isOrchestratorAction() {}

// SendEventAction raises an external event on another instance.
type SendEventAction struct {
	InstanceID string
	Name       string
	Input      []byte
}

func (*SendEventAction) ActionName() string    { return "action/send-event" }
func (*SendEventAction) isOrchestratorAction() {}

// CompleteOrchestrationAction terminates the current execution, either
// with a terminal status or by continuing as new. For continue-as-new,
// Result is the next execution's input and CarryoverEvents are the only
// events replayed into the fresh runtime state.
type CompleteOrchestrationAction struct {
	Status          OrchestrationStatus
	Result          []byte
	Failure         *FailureDetails
	CarryoverEvents []HistoryEvent
	NewVersion      string
}

func (*CompleteOrchestrationAction) ActionName() string    { return "action/complete" }
func (*CompleteOrchestrationAction) isOrchestratorAction() {}
