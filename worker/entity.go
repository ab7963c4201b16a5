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

	"github.com/ngnhng/durableflow/backend"
	"github.com/ngnhng/durableflow/entity"
)

func (w *Worker) processNextEntity(ctx context.Context) error {
	item, err := fetchWithBackoff(ctx, w, w.backend.LockNextEntityWorkItem)
	if err != nil {
		return err
	}

	err = w.withRenewal(ctx, item, func(ctx context.Context) error {
		commit, err := w.runEntityTurn(item)
		if err != nil {
			return err
		}
		return w.backend.CommitEntityTurn(ctx, item, commit)
	})
	if err == nil {
		return nil
	}

	w.logger.Error("abandoning entity turn",
		"entity_id", item.EntityID,
		"error", err,
	)
	if abandonErr := w.backend.AbandonWorkItem(ctx, item); abandonErr != nil {
		w.logger.Error("failed to abandon work item",
			"work_item", item.Description(),
			"error", abandonErr,
		)
	}
	return nil
}

// runEntityTurn applies the batched signals to the entity's state through
// its dispatcher. Per-operation failures (unsupported operation, missing
// input, author error) are logged and skipped so one bad signal cannot
// wedge the entity; the rest of the batch still commits.
func (w *Worker) runEntityTurn(item *backend.EntityWorkItem) (*backend.EntityCommit, error) {
	name, _, err := entity.SplitEntityID(item.EntityID)
	if err != nil {
		return nil, err
	}
	dispatcher, err := w.entities.Dispatcher(name)
	if err != nil {
		return nil, err
	}

	state := dispatcher.ZeroState()
	if len(item.StateData) > 0 {
		if err := w.conv.DeserializeBinary(item.StateData, state); err != nil {
			return nil, fmt.Errorf("decode state for entity %q: %w", item.EntityID, err)
		}
	}

	ectx := entity.NewContext(item.EntityID, w.conv, w.logger)
	for _, signal := range item.Signals {
		op := &entity.Operation{Name: signal.Operation, Input: signal.Input}
		if _, err := dispatcher.Dispatch(ectx, op, state); err != nil {
			w.logger.Warn("entity operation failed",
				"entity_id", item.EntityID,
				"operation", signal.Operation,
				"error", err,
			)
		}
	}

	stateData, err := w.conv.SerializeBinary(state)
	if err != nil {
		return nil, fmt.Errorf("serialize state for entity %q: %w", item.EntityID, err)
	}
	return &backend.EntityCommit{
		StateData: stateData,
		Signals:   ectx.PendingSignals(),
		Starts:    ectx.PendingStarts(),
	}, nil
}
