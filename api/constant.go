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

// NATS Stream Names
const (
	OrchestratorMsgsStream = "ORCHESTRATOR_MSGS"
	ActivityMsgsStream     = "ACTIVITY_MSGS"
	EntityMsgsStream       = "ENTITY_MSGS"
)

// NATS Subject Prefixes
const (
	OrchestratorMsgSubjectPrefix = "durableflow.orchestrator"
	ActivityMsgSubjectPrefix     = "durableflow.activity"
	EntityMsgSubjectPrefix       = "durableflow.entity"
)

// NATS Subject Patterns
const (
	OrchestratorMsgsFilterSubjectPattern = OrchestratorMsgSubjectPrefix + ".>"
	ActivityMsgsFilterSubjectPattern     = ActivityMsgSubjectPrefix + ".>"
	EntityMsgsFilterSubjectPattern       = EntityMsgSubjectPrefix + ".>"
)

// Consumer Names
const (
	OrchestratorWorkerConsumer = "worker-orchestrator-msgs"
	ActivityWorkerConsumer     = "worker-activity-msgs"
	EntityWorkerConsumer       = "worker-entity-msgs"
)

// KeyValue Bucket Names
const (
	HistoryBucket     = "orchestration-history"
	StatusBucket      = "orchestration-status"
	EntityStateBucket = "entity-state"
	LeaseBucket       = "work-item-lease"
)

// JetStream Headers
const (
	FireAtHeader    = "Durableflow-Fire-At"
	DeliverAtHeader = "Durableflow-Deliver-At"
)
