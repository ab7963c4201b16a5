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
	"slices"
	"sort"

	"github.com/ngnhng/durableflow/api"
)

// GroupMessagesByInstance buckets inbound messages by target instance id,
// preserving arrival order within each bucket.
func GroupMessagesByInstance(msgs []api.TaskMessage) map[string][]api.TaskMessage {
	grouped := make(map[string][]api.TaskMessage)
	for _, m := range msgs {
		grouped[m.Instance.InstanceID] = append(grouped[m.Instance.InstanceID], m)
	}
	return grouped
}

// SortMessagesForTurn orders one instance's inbound messages for
// deterministic application: ExecutionStarted first, then messages pinned
// to a specific execution id, then the rest. The sort is stable so arrival
// order breaks ties.
func SortMessagesForTurn(msgs []api.TaskMessage) []api.TaskMessage {
	sorted := slices.Clone(msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return applyRank(sorted[i]) < applyRank(sorted[j])
	})
	return sorted
}

func applyRank(m api.TaskMessage) int {
	if _, ok := m.Event.(*api.ExecutionStarted); ok {
		return 0
	}
	if m.Instance.ExecutionID != "" {
		return 1
	}
	return 2
}

// dropReason says why a message must not be applied to the state as it
// stands right now, or "" to apply it: anything pinned to a different
// execution id, a second ExecutionStarted for an already started instance,
// terminal events whose schedule id has no pending counterpart, and
// everything once the execution is terminal. The executor consults it per
// message while a batch is applied, so a duplicate is caught even when its
// first copy arrived earlier in the same batch.
func dropReason(state *OrchestrationRuntimeState, m api.TaskMessage) string {
	if state.IsCompleted() {
		return "execution already completed"
	}

	_, isStart := m.Event.(*api.ExecutionStarted)
	if isStart && state.HasStarted() {
		return "execution already started"
	}
	if !isStart && m.Instance.ExecutionID != "" &&
		state.ExecutionID() != "" && m.Instance.ExecutionID != state.ExecutionID() {
		return "stale execution id"
	}

	switch evt := m.Event.(type) {
	case *api.TaskCompleted:
		if !state.hasPendingTask(evt.TaskScheduledID) {
			return "no pending task for schedule id"
		}
	case *api.TaskFailed:
		if !state.hasPendingTask(evt.TaskScheduledID) {
			return "no pending task for schedule id"
		}
	case *api.TimerFired:
		if !state.hasPendingTimer(evt.TimerID) {
			return "no pending timer for id"
		}
	case *api.SubOrchestrationInstanceCompleted:
		if !state.hasPendingSubOrchestration(evt.TaskScheduledID) {
			return "no pending sub-orchestration for schedule id"
		}
	case *api.SubOrchestrationInstanceFailed:
		if !state.hasPendingSubOrchestration(evt.TaskScheduledID) {
			return "no pending sub-orchestration for schedule id"
		}
	}
	return ""
}
