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

package natz

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/ngnhng/durableflow/api"
	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/backend"
	"github.com/ngnhng/durableflow/engine"
)

// Options tunes the JetStream backend.
type Options struct {
	LockTimeout    time.Duration
	FetchBatchSize int
	FetchMaxWait   time.Duration
}

func DefaultOptions() Options {
	return Options{
		LockTimeout:    2 * time.Minute,
		FetchBatchSize: 16,
		FetchMaxWait:   2 * time.Second,
	}
}

// Backend stores history, status snapshots, and entity state in KV buckets
// and moves task messages through work-queue streams. The commit sequence
// is history, status, outbound publishes, acks, lease release; a crash
// anywhere in between redelivers the work item, and the engine's duplicate
// filters make the replayed turn converge.
type Backend struct {
	conn   *Conn
	conv   serde.BinarySerde
	logger *slog.Logger
	opts   Options

	orchConsumer     jetstream.Consumer
	activityConsumer jetstream.Consumer
	entityConsumer   jetstream.Consumer

	historyKV jetstream.KeyValue
	statusKV  jetstream.KeyValue
	entityKV  jetstream.KeyValue
	leaseKV   jetstream.KeyValue
}

var _ backend.Backend = (*Backend)(nil)

func New(conn *Conn, conv serde.BinarySerde, logger *slog.Logger, opts Options) *Backend {
	if conv == nil {
		conv = &serde.MsgpackSerde{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultOptions().LockTimeout
	}
	if opts.FetchBatchSize <= 0 {
		opts.FetchBatchSize = DefaultOptions().FetchBatchSize
	}
	if opts.FetchMaxWait <= 0 {
		opts.FetchMaxWait = DefaultOptions().FetchMaxWait
	}
	return &Backend{conn: conn, conv: conv, logger: logger, opts: opts}
}

func (b *Backend) Start(ctx context.Context) error {
	streams := []struct {
		name    string
		subject string
	}{
		{api.OrchestratorMsgsStream, api.OrchestratorMsgsFilterSubjectPattern},
		{api.ActivityMsgsStream, api.ActivityMsgsFilterSubjectPattern},
		{api.EntityMsgsStream, api.EntityMsgsFilterSubjectPattern},
	}
	for _, s := range streams {
		if _, err := b.conn.EnsureStream(ctx, jetstream.StreamConfig{
			Name:      s.name,
			Subjects:  []string{s.subject},
			Retention: jetstream.WorkQueuePolicy,
			Storage:   jetstream.FileStorage,
		}); err != nil {
			return err
		}
	}

	buckets := []struct {
		name   string
		target *jetstream.KeyValue
	}{
		{api.HistoryBucket, &b.historyKV},
		{api.StatusBucket, &b.statusKV},
		{api.EntityStateBucket, &b.entityKV},
		{api.LeaseBucket, &b.leaseKV},
	}
	for _, bucket := range buckets {
		kv, err := b.conn.EnsureKV(ctx, jetstream.KeyValueConfig{Bucket: bucket.name})
		if err != nil {
			return err
		}
		*bucket.target = kv
	}

	consumers := []struct {
		stream  string
		name    string
		subject string
		target  *jetstream.Consumer
	}{
		{api.OrchestratorMsgsStream, api.OrchestratorWorkerConsumer, api.OrchestratorMsgsFilterSubjectPattern, &b.orchConsumer},
		{api.ActivityMsgsStream, api.ActivityWorkerConsumer, api.ActivityMsgsFilterSubjectPattern, &b.activityConsumer},
		{api.EntityMsgsStream, api.EntityWorkerConsumer, api.EntityMsgsFilterSubjectPattern, &b.entityConsumer},
	}
	for _, c := range consumers {
		consumer, err := b.conn.EnsureConsumer(ctx, c.stream, jetstream.ConsumerConfig{
			Durable:       c.name,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       b.opts.LockTimeout,
			FilterSubject: c.subject,
			MaxDeliver:    -1,
		})
		if err != nil {
			return err
		}
		*c.target = consumer
	}
	return nil
}

func (b *Backend) Stop(ctx context.Context) error {
	b.conn.Close()
	return nil
}

// token encodes an arbitrary id into an alphabet valid for both NATS
// subject tokens and KV keys.
func token(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func (b *Backend) CreateOrchestration(ctx context.Context, start api.OrchestrationStart) error {
	if start.Name == "" || start.InstanceID == "" {
		return fmt.Errorf("orchestration start requires a name and instance id")
	}
	return b.publishTaskMessage(ctx, backend.StartMessage(start))
}

func (b *Backend) SignalEntity(ctx context.Context, signal api.EntitySignal) error {
	if signal.TargetID == "" || signal.Operation == "" {
		return fmt.Errorf("entity signal requires a target id and operation")
	}
	return b.publishSignal(ctx, signal)
}

func (b *Backend) GetOrchestrationState(ctx context.Context, instanceID string) (*api.OrchestrationState, error) {
	entry, err := b.statusKV.Get(ctx, token(instanceID))
	if err != nil {
		return nil, fmt.Errorf("get status for %q: %w", instanceID, err)
	}
	var state api.OrchestrationState
	if err := b.conv.DeserializeBinary(entry.Value(), &state); err != nil {
		return nil, fmt.Errorf("decode status for %q: %w", instanceID, err)
	}
	return &state, nil
}

// publishTaskMessage routes one orchestrator-bound message. A future
// fire-at time travels as a header and is honored on the consumer side
// with NakWithDelay, giving visible-after semantics.
func (b *Backend) publishTaskMessage(ctx context.Context, msg api.TaskMessage) error {
	data, err := api.WrapTaskMessage(b.conv, msg)
	if err != nil {
		return err
	}
	m := &nats.Msg{
		Subject: api.OrchestratorMsgSubjectPrefix + "." + token(msg.Instance.InstanceID),
		Data:    data,
		Header:  nats.Header{},
	}
	if fired, ok := msg.Event.(*api.TimerFired); ok && fired.FireAt.After(time.Now()) {
		m.Header.Set(api.FireAtHeader, fired.FireAt.UTC().Format(time.RFC3339Nano))
	}
	_, err = b.conn.PublishJS(ctx, m)
	return err
}

func (b *Backend) publishActivityMessage(ctx context.Context, msg api.TaskMessage) error {
	data, err := api.WrapTaskMessage(b.conv, msg)
	if err != nil {
		return err
	}
	_, err = b.conn.PublishJS(ctx, &nats.Msg{
		Subject: api.ActivityMsgSubjectPrefix + "." + token(msg.Instance.InstanceID),
		Data:    data,
	})
	return err
}

func (b *Backend) publishSignal(ctx context.Context, signal api.EntitySignal) error {
	data, err := b.conv.SerializeBinary(&signal)
	if err != nil {
		return fmt.Errorf("serialize signal %q: %w", signal.Operation, err)
	}
	m := &nats.Msg{
		Subject: api.EntityMsgSubjectPrefix + "." + token(signal.TargetID),
		Data:    data,
		Header:  nats.Header{},
	}
	if signal.DeliverAt != nil && signal.DeliverAt.After(time.Now()) {
		m.Header.Set(api.DeliverAtHeader, signal.DeliverAt.UTC().Format(time.RFC3339Nano))
	}
	_, err = b.conn.PublishJS(ctx, m)
	return err
}

// delayUntilHeader reports how long a message must stay invisible per its
// delivery-time header.
func delayUntilHeader(msg jetstream.Msg, header string) (time.Duration, bool) {
	v := msg.Headers().Get(header)
	if v == "" {
		return 0, false
	}
	at, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return 0, false
	}
	if d := time.Until(at); d > 0 {
		return d, true
	}
	return 0, false
}

type orchestrationHandle struct {
	msgs  []jetstream.Msg
	lease *lease
}

type entityHandle struct {
	msgs  []jetstream.Msg
	lease *lease
}

type activityHandle struct {
	msg jetstream.Msg
}

func (b *Backend) LockNextOrchestrationWorkItem(ctx context.Context) (*backend.OrchestrationWorkItem, error) {
	batch, err := b.orchConsumer.Fetch(b.opts.FetchBatchSize, jetstream.FetchMaxWait(b.opts.FetchMaxWait))
	if err != nil {
		return nil, fmt.Errorf("fetch orchestrator messages: %w", err)
	}

	// one work item targets one instance; messages for other instances go
	// back to the stream
	var held []jetstream.Msg
	var inbound []api.TaskMessage
	instanceID := ""
	for msg := range batch.Messages() {
		if delay, pending := delayUntilHeader(msg, api.FireAtHeader); pending {
			_ = msg.NakWithDelay(delay)
			continue
		}
		tm, err := api.UnwrapTaskMessage(b.conv, msg.Data())
		if err != nil {
			b.logger.Error("terminating undecodable orchestrator message", "error", err)
			_ = msg.Term()
			continue
		}
		if instanceID == "" {
			instanceID = tm.Instance.InstanceID
		}
		if tm.Instance.InstanceID != instanceID {
			_ = msg.Nak()
			continue
		}
		held = append(held, msg)
		inbound = append(inbound, tm)
	}
	if err := batch.Error(); err != nil && len(held) == 0 {
		return nil, fmt.Errorf("fetch orchestrator messages: %w", err)
	}
	if instanceID == "" || len(held) == 0 {
		return nil, backend.ErrNoWorkItems
	}

	l, err := acquireLease(ctx, b.leaseKV, "instance."+token(instanceID), b.opts.LockTimeout)
	if err != nil {
		for _, msg := range held {
			_ = msg.NakWithDelay(time.Second)
		}
		if errors.Is(err, errLeaseHeld) {
			return nil, backend.ErrNoWorkItems
		}
		return nil, err
	}

	state, err := b.loadRuntimeState(ctx, instanceID)
	if err != nil {
		for _, msg := range held {
			_ = msg.Nak()
		}
		_ = l.release(ctx, b.leaseKV)
		return nil, err
	}

	return &backend.OrchestrationWorkItem{
		Instance:    state.Instance(),
		State:       state,
		NewMessages: inbound,
		LockedUntil: l.expires,
		Handle:      &orchestrationHandle{msgs: held, lease: l},
	}, nil
}

func (b *Backend) loadRuntimeState(ctx context.Context, instanceID string) (*engine.OrchestrationRuntimeState, error) {
	var history []api.HistoryEvent
	entry, err := b.historyKV.Get(ctx, token(instanceID))
	switch {
	case err == nil:
		history, err = api.UnwrapHistory(b.conv, entry.Value())
		if err != nil {
			return nil, fmt.Errorf("decode history for %q: %w", instanceID, err)
		}
	case errors.Is(err, jetstream.ErrKeyNotFound):
		// fresh instance
	default:
		return nil, fmt.Errorf("load history for %q: %w", instanceID, err)
	}
	return engine.NewOrchestrationRuntimeState(instanceID, history)
}

func (b *Backend) LockNextActivityWorkItem(ctx context.Context) (*backend.ActivityWorkItem, error) {
	batch, err := b.activityConsumer.Fetch(1, jetstream.FetchMaxWait(b.opts.FetchMaxWait))
	if err != nil {
		return nil, fmt.Errorf("fetch activity messages: %w", err)
	}
	for msg := range batch.Messages() {
		tm, err := api.UnwrapTaskMessage(b.conv, msg.Data())
		if err != nil {
			b.logger.Error("terminating undecodable activity message", "error", err)
			_ = msg.Term()
			continue
		}
		task, ok := tm.Event.(*api.TaskScheduled)
		if !ok {
			b.logger.Error("terminating activity message with unexpected event",
				"event", tm.Event.EventName())
			_ = msg.Term()
			continue
		}
		return &backend.ActivityWorkItem{
			Instance:    tm.Instance,
			Task:        task,
			LockedUntil: time.Now().UTC().Add(b.opts.LockTimeout),
			Handle:      &activityHandle{msg: msg},
		}, nil
	}
	if err := batch.Error(); err != nil {
		return nil, fmt.Errorf("fetch activity messages: %w", err)
	}
	return nil, backend.ErrNoWorkItems
}

func (b *Backend) LockNextEntityWorkItem(ctx context.Context) (*backend.EntityWorkItem, error) {
	batch, err := b.entityConsumer.Fetch(b.opts.FetchBatchSize, jetstream.FetchMaxWait(b.opts.FetchMaxWait))
	if err != nil {
		return nil, fmt.Errorf("fetch entity signals: %w", err)
	}

	var held []jetstream.Msg
	var signals []api.EntitySignal
	entityID := ""
	for msg := range batch.Messages() {
		if delay, pending := delayUntilHeader(msg, api.DeliverAtHeader); pending {
			_ = msg.NakWithDelay(delay)
			continue
		}
		var signal api.EntitySignal
		if err := b.conv.DeserializeBinary(msg.Data(), &signal); err != nil {
			b.logger.Error("terminating undecodable entity signal", "error", err)
			_ = msg.Term()
			continue
		}
		if entityID == "" {
			entityID = signal.TargetID
		}
		if signal.TargetID != entityID {
			_ = msg.Nak()
			continue
		}
		held = append(held, msg)
		signals = append(signals, signal)
	}
	if err := batch.Error(); err != nil && len(held) == 0 {
		return nil, fmt.Errorf("fetch entity signals: %w", err)
	}
	if entityID == "" || len(held) == 0 {
		return nil, backend.ErrNoWorkItems
	}

	l, err := acquireLease(ctx, b.leaseKV, "entity."+token(entityID), b.opts.LockTimeout)
	if err != nil {
		for _, msg := range held {
			_ = msg.NakWithDelay(time.Second)
		}
		if errors.Is(err, errLeaseHeld) {
			return nil, backend.ErrNoWorkItems
		}
		return nil, err
	}

	var stateData []byte
	entry, err := b.entityKV.Get(ctx, token(entityID))
	switch {
	case err == nil:
		stateData = entry.Value()
	case errors.Is(err, jetstream.ErrKeyNotFound):
		// never-seen entity
	default:
		for _, msg := range held {
			_ = msg.Nak()
		}
		_ = l.release(ctx, b.leaseKV)
		return nil, fmt.Errorf("load entity state for %q: %w", entityID, err)
	}

	return &backend.EntityWorkItem{
		EntityID:    entityID,
		StateData:   stateData,
		Signals:     signals,
		LockedUntil: l.expires,
		Handle:      &entityHandle{msgs: held, lease: l},
	}, nil
}

func (b *Backend) RenewLock(ctx context.Context, item backend.WorkItem) error {
	switch w := item.(type) {
	case *backend.OrchestrationWorkItem:
		h := w.Handle.(*orchestrationHandle)
		if err := h.lease.renew(ctx, b.leaseKV, b.opts.LockTimeout); err != nil {
			return backend.ErrLockLost
		}
		w.LockedUntil = h.lease.expires
		for _, msg := range h.msgs {
			_ = msg.InProgress()
		}
	case *backend.EntityWorkItem:
		h := w.Handle.(*entityHandle)
		if err := h.lease.renew(ctx, b.leaseKV, b.opts.LockTimeout); err != nil {
			return backend.ErrLockLost
		}
		w.LockedUntil = h.lease.expires
		for _, msg := range h.msgs {
			_ = msg.InProgress()
		}
	case *backend.ActivityWorkItem:
		h := w.Handle.(*activityHandle)
		if err := h.msg.InProgress(); err != nil {
			return backend.ErrLockLost
		}
		w.LockedUntil = time.Now().UTC().Add(b.opts.LockTimeout)
	default:
		return fmt.Errorf("unknown work item type %T", item)
	}
	return nil
}

func (b *Backend) AbandonWorkItem(ctx context.Context, item backend.WorkItem) error {
	switch w := item.(type) {
	case *backend.OrchestrationWorkItem:
		h := w.Handle.(*orchestrationHandle)
		for _, msg := range h.msgs {
			_ = msg.Nak()
		}
		return h.lease.release(ctx, b.leaseKV)
	case *backend.EntityWorkItem:
		h := w.Handle.(*entityHandle)
		for _, msg := range h.msgs {
			_ = msg.Nak()
		}
		return h.lease.release(ctx, b.leaseKV)
	case *backend.ActivityWorkItem:
		return w.Handle.(*activityHandle).msg.Nak()
	default:
		return fmt.Errorf("unknown work item type %T", item)
	}
}

func (b *Backend) CommitTurn(ctx context.Context, item *backend.OrchestrationWorkItem, outcome *engine.TurnOutcome) error {
	h, ok := item.Handle.(*orchestrationHandle)
	if !ok {
		return fmt.Errorf("work item was not produced by this backend")
	}
	if !h.lease.expires.After(time.Now().UTC()) {
		return backend.ErrLockLost
	}

	instanceID := item.Instance.InstanceID
	raw, err := api.WrapHistory(b.conv, outcome.State.Events())
	if err != nil {
		return err
	}
	if _, err := b.historyKV.Put(ctx, token(instanceID), raw); err != nil {
		return fmt.Errorf("persist history for %q: %w", instanceID, err)
	}
	outcome.State.CommitEvents()

	status, err := b.conv.SerializeBinary(outcome.Snapshot)
	if err != nil {
		return fmt.Errorf("serialize status for %q: %w", instanceID, err)
	}
	if _, err := b.statusKV.Put(ctx, token(instanceID), status); err != nil {
		return fmt.Errorf("persist status for %q: %w", instanceID, err)
	}

	for _, m := range outcome.ActivityMessages {
		if err := b.publishActivityMessage(ctx, m); err != nil {
			return err
		}
	}
	for _, m := range outcome.TimerMessages {
		if err := b.publishTaskMessage(ctx, m); err != nil {
			return err
		}
	}
	for _, m := range outcome.OrchestratorMessages {
		if err := b.publishTaskMessage(ctx, m); err != nil {
			return err
		}
	}

	for _, msg := range h.msgs {
		if err := msg.Ack(); err != nil {
			b.logger.Warn("failed to ack committed message", "instance_id", instanceID, "error", err)
		}
	}
	return h.lease.release(ctx, b.leaseKV)
}

func (b *Backend) CompleteActivityWorkItem(ctx context.Context, item *backend.ActivityWorkItem, response api.TaskMessage) error {
	h, ok := item.Handle.(*activityHandle)
	if !ok {
		return fmt.Errorf("work item was not produced by this backend")
	}
	if err := b.publishTaskMessage(ctx, response); err != nil {
		return err
	}
	return h.msg.Ack()
}

func (b *Backend) CommitEntityTurn(ctx context.Context, item *backend.EntityWorkItem, commit *backend.EntityCommit) error {
	h, ok := item.Handle.(*entityHandle)
	if !ok {
		return fmt.Errorf("work item was not produced by this backend")
	}
	if !h.lease.expires.After(time.Now().UTC()) {
		return backend.ErrLockLost
	}

	if _, err := b.entityKV.Put(ctx, token(item.EntityID), commit.StateData); err != nil {
		return fmt.Errorf("persist entity state for %q: %w", item.EntityID, err)
	}
	for _, s := range commit.Signals {
		if err := b.publishSignal(ctx, s); err != nil {
			return err
		}
	}
	for _, start := range commit.Starts {
		if err := b.publishTaskMessage(ctx, backend.StartMessage(start)); err != nil {
			return err
		}
	}

	for _, msg := range h.msgs {
		if err := msg.Ack(); err != nil {
			b.logger.Warn("failed to ack committed signal", "entity_id", item.EntityID, "error", err)
		}
	}
	return h.lease.release(ctx, b.leaseKV)
}

func (b *Backend) GetDelayBeforeRetry(err error) time.Duration {
	switch {
	case errors.Is(err, backend.ErrNoWorkItems):
		return 250 * time.Millisecond
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrNoServers):
		return 5 * time.Second
	default:
		return 2 * time.Second
	}
}
