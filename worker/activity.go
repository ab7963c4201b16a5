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

package worker

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ngnhng/durableflow/api"
)

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errorType = reflect.TypeOf((*error)(nil)).Elem()

func (w *Worker) processNextActivity(ctx context.Context) error {
	item, err := fetchWithBackoff(ctx, w, w.backend.LockNextActivityWorkItem)
	if err != nil {
		return err
	}

	return w.withRenewal(ctx, item, func(ctx context.Context) error {
		var response api.HistoryEvent
		result, err := w.invokeActivity(ctx, item.Task)
		if err != nil {
			// an activity error is an ordinary outcome observed by the
			// orchestration, not a redelivery
			w.logger.Warn("activity failed",
				"activity", item.Task.Name,
				"instance_id", item.Instance.InstanceID,
				"error", err,
			)
			response = &api.TaskFailed{
				EventCore:       api.NewEventCore(),
				TaskScheduledID: item.Task.ID(),
				Failure:         api.FailureFromError(err),
			}
		} else {
			response = &api.TaskCompleted{
				EventCore:       api.NewEventCore(),
				TaskScheduledID: item.Task.ID(),
				Result:          result,
			}
		}
		return w.backend.CompleteActivityWorkItem(ctx, item, api.TaskMessage{
			Instance: item.Instance,
			Event:    response,
		})
	})
}

// invokeActivity resolves the registered function and calls it
// reflectively. The convention is func(ctx context.Context, args...) with
// an optional trailing error return; the scheduled input carries the
// serialized argument list.
func (w *Worker) invokeActivity(ctx context.Context, task *api.TaskScheduled) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("activity %q panicked: %v", task.Name, r)
		}
	}()

	fn, err := w.registry.Activity(task.Name)
	if err != nil {
		return nil, err
	}

	fnv := reflect.ValueOf(fn)
	fnt := fnv.Type()
	if fnt.NumIn() < 1 || fnt.In(0) != contextType {
		return nil, fmt.Errorf("activity %q must accept context.Context as its first argument", task.Name)
	}

	var inputs []any
	if len(task.Input) > 0 {
		if err := w.conv.DeserializeBinary(task.Input, &inputs); err != nil {
			return nil, fmt.Errorf("decode input for activity %q: %w", task.Name, err)
		}
	}
	if fnt.NumIn() != len(inputs)+1 {
		return nil, fmt.Errorf("activity %q expects %d arguments, got %d", task.Name, fnt.NumIn()-1, len(inputs))
	}

	args := make([]reflect.Value, len(inputs)+1)
	args[0] = reflect.ValueOf(ctx)
	for idx, arg := range inputs {
		converted, err := w.types.ConvertToType(arg, fnt.In(idx+1))
		if err != nil {
			return nil, fmt.Errorf("convert argument %d for activity %q: %w", idx, task.Name, err)
		}
		args[idx+1] = converted
	}

	outs := fnv.Call(args)

	// trailing error return, if declared, decides success
	if n := fnt.NumOut(); n > 0 && fnt.Out(n-1) == errorType {
		if e := outs[n-1].Interface(); e != nil {
			return nil, e.(error)
		}
		outs = outs[:n-1]
	}

	switch len(outs) {
	case 0:
		return nil, nil
	case 1:
		return w.conv.SerializeBinary(outs[0].Interface())
	default:
		values := make([]any, len(outs))
		for i, out := range outs {
			values[i] = out.Interface()
		}
		return w.conv.SerializeBinary(values)
	}
}
