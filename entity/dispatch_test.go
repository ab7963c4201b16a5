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

package entity_test

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/entity"
)

var conv = &serde.MsgpackSerde{}

func testContext(entityID string) *entity.Context {
	return entity.NewContext(entityID, conv, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func serialize(t *testing.T, v any) []byte {
	t.Helper()
	data, err := conv.SerializeBinary(v)
	require.NoError(t, err)
	return data
}

// Counter is a minimal state-dispatched entity: its exported methods form
// the operation table.
type Counter struct {
	Value int    `msgpack:"value"`
	Note  string `msgpack:"note"`
}

func (c *Counter) Add(amount int) int {
	c.Value += amount
	return c.Value
}

func (c *Counter) Get() int { return c.Value }

func (c *Counter) Reset() { c.Value = 0 }

func (c *Counter) Annotate(note *string) {
	if note != nil {
		c.Note = *note
	}
}

func (c *Counter) FailAlways() error {
	return fmt.Errorf("always fails")
}

func (c *Counter) AddChecked(ctx *entity.Context, amount int) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("negative amount %d", amount)
	}
	c.Value += amount
	ctx.Logger().Debug("counter incremented", "value", c.Value)
	return c.Value, nil
}

func newCounterDispatcher(t *testing.T) *entity.StateDispatcher {
	t.Helper()
	d, err := entity.NewStateDispatcher(func() any { return &Counter{} }, conv)
	require.NoError(t, err)
	return d
}

func TestStateDispatcher_MutatesStateAndReturnsResult(t *testing.T) {
	d := newCounterDispatcher(t)
	state := &Counter{Value: 5}

	result, err := d.Dispatch(testContext("counter@c1"), &entity.Operation{
		Name:  "add",
		Input: serialize(t, 3),
	}, state)
	require.NoError(t, err)

	assert.Equal(t, 8, result)
	assert.Equal(t, 8, state.Value)
}

func TestStateDispatcher_MatchingIsCaseInsensitive(t *testing.T) {
	d := newCounterDispatcher(t)
	state := &Counter{Value: 1}

	for _, name := range []string{"Add", "ADD", "aDd"} {
		_, err := d.Dispatch(testContext("counter@c1"), &entity.Operation{
			Name:  name,
			Input: serialize(t, 1),
		}, state)
		require.NoError(t, err, name)
	}
	assert.Equal(t, 4, state.Value)
}

func TestStateDispatcher_UnknownOperation(t *testing.T) {
	d := newCounterDispatcher(t)

	_, err := d.Dispatch(testContext("counter@c1"), &entity.Operation{Name: "explode"}, &Counter{})
	require.ErrorIs(t, err, entity.ErrOperationNotSupported)
}

func TestStateDispatcher_MissingRequiredInput(t *testing.T) {
	d := newCounterDispatcher(t)

	_, err := d.Dispatch(testContext("counter@c1"), &entity.Operation{Name: "add"}, &Counter{})
	require.ErrorIs(t, err, entity.ErrMissingInput)
}

func TestStateDispatcher_NilableInputBindsZero(t *testing.T) {
	d := newCounterDispatcher(t)
	state := &Counter{Note: "before"}

	_, err := d.Dispatch(testContext("counter@c1"), &entity.Operation{Name: "annotate"}, state)
	require.NoError(t, err)
	assert.Equal(t, "before", state.Note)

	note := "after"
	_, err = d.Dispatch(testContext("counter@c1"), &entity.Operation{
		Name:  "annotate",
		Input: serialize(t, &note),
	}, state)
	require.NoError(t, err)
	assert.Equal(t, "after", state.Note)
}

func TestStateDispatcher_NoInputNoResult(t *testing.T) {
	d := newCounterDispatcher(t)
	state := &Counter{Value: 9}

	result, err := d.Dispatch(testContext("counter@c1"), &entity.Operation{Name: "reset"}, state)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 0, state.Value)
}

func TestStateDispatcher_OperationError(t *testing.T) {
	d := newCounterDispatcher(t)

	_, err := d.Dispatch(testContext("counter@c1"), &entity.Operation{Name: "failalways"}, &Counter{})
	require.EqualError(t, err, "always fails")
}

func TestStateDispatcher_ContextAndInputBinding(t *testing.T) {
	d := newCounterDispatcher(t)
	state := &Counter{}

	result, err := d.Dispatch(testContext("counter@c1"), &entity.Operation{
		Name:  "addchecked",
		Input: serialize(t, 4),
	}, state)
	require.NoError(t, err)
	assert.Equal(t, 4, result)

	_, err = d.Dispatch(testContext("counter@c1"), &entity.Operation{
		Name:  "addchecked",
		Input: serialize(t, -1),
	}, state)
	require.Error(t, err)
	assert.Equal(t, 4, state.Value)
}

type ambiguousState struct{ N int }

func (a *ambiguousState) Bump() { a.N++ }
func (a *ambiguousState) BUMP() { a.N++ }

func TestNewStateDispatcher_RejectsCaseCollision(t *testing.T) {
	_, err := entity.NewStateDispatcher(func() any { return &ambiguousState{} }, conv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous operation")
}

type doubleInputState struct{ N int }

func (d *doubleInputState) Set(a int, b int) { d.N = a + b }

func TestNewStateDispatcher_RejectsDoubleInput(t *testing.T) {
	_, err := entity.NewStateDispatcher(func() any { return &doubleInputState{} }, conv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input parameter bound twice")
}

type badReturnState struct{}

func (b *badReturnState) Weird() (int, string) { return 0, "" }

func TestNewStateDispatcher_RejectsBadReturnShape(t *testing.T) {
	_, err := entity.NewStateDispatcher(func() any { return &badReturnState{} }, conv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "second return value must be error")
}

func TestNewStateDispatcher_RequiresPointerToStruct(t *testing.T) {
	_, err := entity.NewStateDispatcher(func() any { return Counter{} }, conv)
	require.Error(t, err)

	_, err = entity.NewStateDispatcher(func() any { return 42 }, conv)
	require.Error(t, err)
}

func TestStateDispatcher_ZeroState(t *testing.T) {
	d := newCounterDispatcher(t)

	state, ok := d.ZeroState().(*Counter)
	require.True(t, ok)
	assert.Equal(t, 0, state.Value)
}

// explicitLedger routes operations itself instead of exposing methods.
type explicitLedger struct {
	Balance int `msgpack:"balance"`
}

func (l *explicitLedger) RunOperation(ctx *entity.Context, op *entity.Operation) (any, error) {
	switch op.Name {
	case "deposit":
		var amount int
		if err := ctx.Serde().DeserializeBinary(op.Input, &amount); err != nil {
			return nil, err
		}
		l.Balance += amount
		return l.Balance, nil
	case "balance":
		return l.Balance, nil
	default:
		return nil, entity.ErrOperationNotSupported
	}
}

func TestExplicitDispatcher(t *testing.T) {
	d, err := entity.NewExplicitDispatcher(func() entity.ExplicitHandler { return &explicitLedger{} })
	require.NoError(t, err)

	state := d.ZeroState()
	_, err = d.Dispatch(testContext("ledger@l1"), &entity.Operation{
		Name:  "deposit",
		Input: serialize(t, 25),
	}, state)
	require.NoError(t, err)

	balance, err := d.Dispatch(testContext("ledger@l1"), &entity.Operation{Name: "balance"}, state)
	require.NoError(t, err)
	assert.Equal(t, 25, balance)

	_, err = d.Dispatch(testContext("ledger@l1"), &entity.Operation{Name: "transfer"}, state)
	require.ErrorIs(t, err, entity.ErrOperationNotSupported)
}

func TestEntityIDRoundTrip(t *testing.T) {
	id := entity.EntityID("counter", "user@example.com")
	name, key, err := entity.SplitEntityID(id)
	require.NoError(t, err)
	assert.Equal(t, "counter", name)
	assert.Equal(t, "user@example.com", key)

	_, _, err = entity.SplitEntityID("no-separator")
	require.Error(t, err)
}
