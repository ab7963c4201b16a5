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
	"fmt"
	"iter"
	"reflect"
	"sync"

	"github.com/ngnhng/durableflow/api"
)

// Orchestrator is the deterministic logic entry point of one orchestration
// type. Given the committed history and the events applied this turn, it
// yields a lazy, finite action sequence that the executor consumes exactly
// once. The same (past, new) pair must always yield the same actions.
type Orchestrator interface {
	Execute(past, new []api.HistoryEvent) iter.Seq[api.OrchestratorAction]
}

// OrchestratorFunc adapts a plain function to the Orchestrator interface.
type OrchestratorFunc func(past, new []api.HistoryEvent) iter.Seq[api.OrchestratorAction]

func (f OrchestratorFunc) Execute(past, new []api.HistoryEvent) iter.Seq[api.OrchestratorAction] {
	return f(past, new)
}

// Registry holds the orchestrators and activities a worker can execute,
// keyed by name. Registration happens during startup only.
type Registry struct {
	mu            sync.RWMutex
	orchestrators map[string]Orchestrator
	activities    map[string]any
}

func NewRegistry() *Registry {
	return &Registry{
		orchestrators: make(map[string]Orchestrator),
		activities:    make(map[string]any),
	}
}

func (r *Registry) RegisterOrchestrator(name string, o Orchestrator) error {
	if name == "" {
		return fmt.Errorf("orchestrator name cannot be empty")
	}
	if o == nil {
		return fmt.Errorf("orchestrator %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orchestrators[name]; ok {
		return fmt.Errorf("orchestrator %q already registered", name)
	}
	r.orchestrators[name] = o
	return nil
}

// RegisterActivity registers a side-effecting work unit. The function must
// have the shape func(ctx context.Context[, input T]) ([result R,] [error]).
func (r *Registry) RegisterActivity(name string, fn any) error {
	if name == "" {
		return fmt.Errorf("activity name cannot be empty")
	}
	if fn == nil || reflect.TypeOf(fn).Kind() != reflect.Func {
		return fmt.Errorf("activity %q is not a function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.activities[name]; ok {
		return fmt.Errorf("activity %q already registered", name)
	}
	r.activities[name] = fn
	return nil
}

func (r *Registry) Orchestrator(name string) (Orchestrator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orchestrators[name]
	if !ok {
		return nil, fmt.Errorf("orchestrator %q not registered", name)
	}
	return o, nil
}

func (r *Registry) Activity(name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("activity %q not registered", name)
	}
	return fn, nil
}

func (r *Registry) OrchestratorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orchestrators)
}

func (r *Registry) ActivityCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.activities)
}
