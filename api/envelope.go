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
	"fmt"

	"github.com/ngnhng/durableflow/api/serde"
)

// eventFuncs is the name-to-constructor table used to rehydrate history
// events from their durable envelopes.
var eventFuncs = map[string]func() HistoryEvent{
	(&OrchestratorStarted{}).EventName():               func() HistoryEvent { return new(OrchestratorStarted) },
	(&ExecutionStarted{}).EventName():                  func() HistoryEvent { return new(ExecutionStarted) },
	(&TaskScheduled{}).EventName():                     func() HistoryEvent { return new(TaskScheduled) },
	(&TaskCompleted{}).EventName():                     func() HistoryEvent { return new(TaskCompleted) },
	(&TaskFailed{}).EventName():                        func() HistoryEvent { return new(TaskFailed) },
	(&TimerCreated{}).EventName():                      func() HistoryEvent { return new(TimerCreated) },
	(&TimerFired{}).EventName():                        func() HistoryEvent { return new(TimerFired) },
	(&SubOrchestrationInstanceCreated{}).EventName():   func() HistoryEvent { return new(SubOrchestrationInstanceCreated) },
	(&SubOrchestrationInstanceCompleted{}).EventName(): func() HistoryEvent { return new(SubOrchestrationInstanceCompleted) },
	(&SubOrchestrationInstanceFailed{}).EventName():    func() HistoryEvent { return new(SubOrchestrationInstanceFailed) },
	(&EventSent{}).EventName():                         func() HistoryEvent { return new(EventSent) },
	(&EventRaised{}).EventName():                       func() HistoryEvent { return new(EventRaised) },
	(&ExecutionCompleted{}).EventName():                func() HistoryEvent { return new(ExecutionCompleted) },
	(&ExecutionTerminated{}).EventName():               func() HistoryEvent { return new(ExecutionTerminated) },
	(&ExecutionSuspended{}).EventName():                func() HistoryEvent { return new(ExecutionSuspended) },
	(&ExecutionResumed{}).EventName():                  func() HistoryEvent { return new(ExecutionResumed) },
	(&OrchestratorCompleted{}).EventName():             func() HistoryEvent { return new(OrchestratorCompleted) },
}

type eventEnvelope struct {
	Name string `json:"name" msgpack:"name"`
	Data []byte `json:"data" msgpack:"data"`
}

// WrapEvent serializes a history event together with its type name so it
// can be stored or shipped and later rehydrated by UnwrapEvent.
func WrapEvent(conv serde.BinarySerde, e HistoryEvent) ([]byte, error) {
	data, err := conv.SerializeBinary(e)
	if err != nil {
		return nil, fmt.Errorf("wrap event %q: %w", e.EventName(), err)
	}
	return conv.SerializeBinary(&eventEnvelope{Name: e.EventName(), Data: data})
}

// UnwrapEvent rehydrates a history event previously produced by WrapEvent.
func UnwrapEvent(conv serde.BinarySerde, raw []byte) (HistoryEvent, error) {
	var env eventEnvelope
	if err := conv.DeserializeBinary(raw, &env); err != nil {
		return nil, fmt.Errorf("unwrap event envelope: %w", err)
	}
	factory, ok := eventFuncs[env.Name]
	if !ok {
		return nil, fmt.Errorf("unwrap event: unknown event name %q", env.Name)
	}
	e := factory()
	if err := conv.DeserializeBinary(env.Data, e); err != nil {
		return nil, fmt.Errorf("unwrap event %q: %w", env.Name, err)
	}
	return e, nil
}

// WrapHistory serializes an ordered event list into one opaque blob.
func WrapHistory(conv serde.BinarySerde, events []HistoryEvent) ([]byte, error) {
	wrapped := make([][]byte, 0, len(events))
	for _, e := range events {
		raw, err := WrapEvent(conv, e)
		if err != nil {
			return nil, err
		}
		wrapped = append(wrapped, raw)
	}
	return conv.SerializeBinary(wrapped)
}

// UnwrapHistory is the inverse of WrapHistory.
func UnwrapHistory(conv serde.BinarySerde, raw []byte) ([]HistoryEvent, error) {
	var wrapped [][]byte
	if err := conv.DeserializeBinary(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("unwrap history: %w", err)
	}
	events := make([]HistoryEvent, 0, len(wrapped))
	for _, w := range wrapped {
		e, err := UnwrapEvent(conv, w)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

type messageEnvelope struct {
	Instance OrchestrationInstance `json:"instance" msgpack:"instance"`
	Sequence int64                 `json:"seq"      msgpack:"seq"`
	Event    []byte                `json:"event"    msgpack:"event"`
}

// WrapTaskMessage serializes a task message for transport.
func WrapTaskMessage(conv serde.BinarySerde, msg TaskMessage) ([]byte, error) {
	raw, err := WrapEvent(conv, msg.Event)
	if err != nil {
		return nil, err
	}
	return conv.SerializeBinary(&messageEnvelope{
		Instance: msg.Instance,
		Sequence: msg.Sequence,
		Event:    raw,
	})
}

// UnwrapTaskMessage is the inverse of WrapTaskMessage.
func UnwrapTaskMessage(conv serde.BinarySerde, raw []byte) (TaskMessage, error) {
	var env messageEnvelope
	if err := conv.DeserializeBinary(raw, &env); err != nil {
		return TaskMessage{}, fmt.Errorf("unwrap task message: %w", err)
	}
	e, err := UnwrapEvent(conv, env.Event)
	if err != nil {
		return TaskMessage{}, err
	}
	return TaskMessage{Instance: env.Instance, Sequence: env.Sequence, Event: e}, nil
}
