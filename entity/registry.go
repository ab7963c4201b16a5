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

package entity

import (
	"fmt"
	"strings"
	"sync"
)

// EntityID addresses one entity instance as "<name>@<key>": the name picks
// the registered dispatcher, the key distinguishes instances of that type.
func EntityID(name, key string) string {
	return name + "@" + key
}

// SplitEntityID splits "<name>@<key>" back into its parts. The key may
// itself contain '@'.
func SplitEntityID(id string) (name, key string, err error) {
	name, key, ok := strings.Cut(id, "@")
	if !ok || name == "" || key == "" {
		return "", "", fmt.Errorf("malformed entity id %q: want <name>@<key>", id)
	}
	return name, key, nil
}

// Registry maps entity type names to their dispatchers. Registration
// happens during worker startup only.
type Registry struct {
	mu          sync.RWMutex
	dispatchers map[string]Dispatcher
}

func NewRegistry() *Registry {
	return &Registry{dispatchers: make(map[string]Dispatcher)}
}

func (r *Registry) Register(name string, d Dispatcher) error {
	if name == "" {
		return fmt.Errorf("entity name cannot be empty")
	}
	if strings.Contains(name, "@") {
		return fmt.Errorf("entity name %q cannot contain '@'", name)
	}
	if d == nil {
		return fmt.Errorf("entity %q dispatcher is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.dispatchers[name]; ok {
		return fmt.Errorf("entity %q already registered", name)
	}
	r.dispatchers[name] = d
	return nil
}

func (r *Registry) Dispatcher(name string) (Dispatcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dispatchers[name]
	if !ok {
		return nil, fmt.Errorf("entity %q not registered", name)
	}
	return d, nil
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.dispatchers)
}
