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
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/ngnhng/durableflow/api/serde"
)

// ErrOperationNotSupported signals that an entity does not understand the
// requested operation name. Callers observe it as a typed failure; it never
// crashes the entity.
var ErrOperationNotSupported = errors.New("operation not supported")

// ErrMissingInput is returned when an operation's bound method requires an
// input value and the caller supplied none.
var ErrMissingInput = errors.New("operation requires an input")

// Dispatcher resolves an inbound named operation to executable logic
// against an entity's state. ZeroState produces the initial state value
// for a never-seen entity instance; Dispatch runs one operation and
// returns its result. State mutation happens in place through the state
// pointer.
type Dispatcher interface {
	ZeroState() any
	Dispatch(ctx *Context, op *Operation, state any) (any, error)
}

// ExplicitHandler is the explicit binding strategy: the state type itself
// routes operations, no reflection involved.
type ExplicitHandler interface {
	RunOperation(ctx *Context, op *Operation) (any, error)
}

// ExplicitDispatcher dispatches to a state type that implements
// ExplicitHandler.
type ExplicitDispatcher struct {
	zero func() ExplicitHandler
}

var _ Dispatcher = (*ExplicitDispatcher)(nil)

func NewExplicitDispatcher(zero func() ExplicitHandler) (*ExplicitDispatcher, error) {
	if zero == nil {
		return nil, fmt.Errorf("explicit dispatcher requires a zero-state constructor")
	}
	return &ExplicitDispatcher{zero: zero}, nil
}

func (d *ExplicitDispatcher) ZeroState() any { return d.zero() }

func (d *ExplicitDispatcher) Dispatch(ctx *Context, op *Operation, state any) (any, error) {
	handler, ok := state.(ExplicitHandler)
	if !ok {
		return nil, fmt.Errorf("state of type %T does not handle operations", state)
	}
	return handler.RunOperation(ctx, op)
}

// StateDispatcher is the reflective binding strategy: the state type's
// exported methods form the operation table. The table is built once at
// construction, so per-call dispatch is a map lookup plus one reflective
// invocation. Matching is case-insensitive.
type StateDispatcher struct {
	zero      func() any
	stateType reflect.Type
	conv      serde.BinarySerde
	table     map[string]*methodBinding
}

var _ Dispatcher = (*StateDispatcher)(nil)

// methodBinding records how one state method's parameters and results map
// onto the dispatch contract. Parameter indices are -1 when the category
// is absent.
type methodBinding struct {
	name       string
	method     reflect.Method
	numIn      int
	ctxIndex   int
	opIndex    int
	inputIndex int
	inputType  reflect.Type
	hasResult  bool
	hasError   bool
}

var (
	contextType   = reflect.TypeOf((*Context)(nil))
	operationType = reflect.TypeOf((*Operation)(nil))
	errorType     = reflect.TypeOf((*error)(nil)).Elem()
)

// NewStateDispatcher builds the operation table for the state type produced
// by zero. The constructor must return a pointer so operations can mutate
// state in place. Author bugs in the method set (two methods differing only
// by case, a parameter category bound twice, an unsupported return shape)
// fail here, at registration, never at dispatch time.
func NewStateDispatcher(zero func() any, conv serde.BinarySerde) (*StateDispatcher, error) {
	if zero == nil {
		return nil, fmt.Errorf("state dispatcher requires a zero-state constructor")
	}
	if conv == nil {
		conv = &serde.MsgpackSerde{}
	}

	probe := zero()
	stateType := reflect.TypeOf(probe)
	if stateType == nil || stateType.Kind() != reflect.Ptr || stateType.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("state must be a pointer to a struct, got %T", probe)
	}

	table := make(map[string]*methodBinding)
	for i := 0; i < stateType.NumMethod(); i++ {
		method := stateType.Method(i)
		binding, err := bindMethod(method)
		if err != nil {
			return nil, fmt.Errorf("bind %s.%s: %w", stateType.Elem().Name(), method.Name, err)
		}

		key := strings.ToLower(method.Name)
		if existing, ok := table[key]; ok {
			return nil, fmt.Errorf("ambiguous operation %q: methods %s and %s differ only by case",
				key, existing.method.Name, method.Name)
		}
		table[key] = binding
	}

	return &StateDispatcher{
		zero:      zero,
		stateType: stateType,
		conv:      conv,
		table:     table,
	}, nil
}

// bindMethod classifies each parameter of a candidate method as the
// operation context, the raw operation, or the deserialized input. Each
// category may bind at most once.
func bindMethod(method reflect.Method) (*methodBinding, error) {
	mt := method.Type
	b := &methodBinding{
		name:       strings.ToLower(method.Name),
		method:     method,
		numIn:      mt.NumIn(),
		ctxIndex:   -1,
		opIndex:    -1,
		inputIndex: -1,
	}

	// index 0 is the receiver
	for i := 1; i < mt.NumIn(); i++ {
		param := mt.In(i)
		switch param {
		case contextType:
			if b.ctxIndex != -1 {
				return nil, fmt.Errorf("context parameter bound twice")
			}
			b.ctxIndex = i
		case operationType:
			if b.opIndex != -1 {
				return nil, fmt.Errorf("operation parameter bound twice")
			}
			b.opIndex = i
		default:
			if b.inputIndex != -1 {
				return nil, fmt.Errorf("input parameter bound twice (%s and %s)",
					mt.In(b.inputIndex), param)
			}
			b.inputIndex = i
			b.inputType = param
		}
	}

	switch mt.NumOut() {
	case 0:
	case 1:
		if mt.Out(0) == errorType {
			b.hasError = true
		} else {
			b.hasResult = true
		}
	case 2:
		if mt.Out(1) != errorType {
			return nil, fmt.Errorf("second return value must be error, got %s", mt.Out(1))
		}
		b.hasResult = true
		b.hasError = true
	default:
		return nil, fmt.Errorf("at most two return values are supported, got %d", mt.NumOut())
	}

	return b, nil
}

func (d *StateDispatcher) ZeroState() any { return d.zero() }

func (d *StateDispatcher) Dispatch(ctx *Context, op *Operation, state any) (any, error) {
	binding, ok := d.table[strings.ToLower(op.Name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q on %s", ErrOperationNotSupported, op.Name, d.stateType.Elem().Name())
	}

	stateValue := reflect.ValueOf(state)
	if stateValue.Type() != d.stateType {
		return nil, fmt.Errorf("state type mismatch: want %s, got %T", d.stateType, state)
	}

	args := make([]reflect.Value, binding.numIn)
	args[0] = stateValue
	if binding.ctxIndex != -1 {
		args[binding.ctxIndex] = reflect.ValueOf(ctx)
	}
	if binding.opIndex != -1 {
		args[binding.opIndex] = reflect.ValueOf(op)
	}
	if binding.inputIndex != -1 {
		input, err := d.bindInput(op, binding)
		if err != nil {
			return nil, err
		}
		args[binding.inputIndex] = input
	}

	results := binding.method.Func.Call(args)
	return normalizeResults(binding, results)
}

// bindInput deserializes the operation payload into the method's input
// parameter type. A nilable parameter (pointer, slice, map) with no
// supplied input binds its zero value; any other type requires input.
func (d *StateDispatcher) bindInput(op *Operation, binding *methodBinding) (reflect.Value, error) {
	if !op.HasInput() {
		switch binding.inputType.Kind() {
		case reflect.Ptr, reflect.Slice, reflect.Map:
			return reflect.Zero(binding.inputType), nil
		default:
			return reflect.Value{}, fmt.Errorf("%w: %q needs a %s input",
				ErrMissingInput, op.Name, binding.inputType)
		}
	}

	target := binding.inputType
	ptr := reflect.New(target)
	if target.Kind() == reflect.Ptr {
		ptr = reflect.New(target.Elem())
	}
	if err := d.conv.DeserializeBinary(op.Input, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("deserialize %q input as %s: %w", op.Name, target, err)
	}
	if target.Kind() == reflect.Ptr {
		return ptr, nil
	}
	return ptr.Elem(), nil
}

// normalizeResults folds the supported return shapes into (any, error).
func normalizeResults(binding *methodBinding, results []reflect.Value) (any, error) {
	var result any
	var err error

	idx := 0
	if binding.hasResult {
		result = results[idx].Interface()
		idx++
	}
	if binding.hasError {
		if e := results[idx].Interface(); e != nil {
			err = e.(error)
		}
	}
	return result, err
}
