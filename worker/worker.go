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

// Package worker runs the processing loops that pull work items from the
// backend and push them through the replay engine, the activity invoker,
// and the entity dispatcher.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/backend"
	"github.com/ngnhng/durableflow/engine"
	"github.com/ngnhng/durableflow/entity"
	"golang.org/x/sync/errgroup"
)

// Config bounds the worker's concurrency and lease housekeeping.
type Config struct {
	MaxConcurrentOrchestrations int
	MaxConcurrentActivities     int
	MaxConcurrentEntities       int

	// RenewalThreshold triggers a lease renewal once the remaining lock
	// time drops below it.
	RenewalThreshold time.Duration
	// RenewalCheckInterval is how often a running turn inspects its lease.
	RenewalCheckInterval time.Duration
	// MaxFetchAttempts bounds one fetch's retry run before the loop logs
	// and starts over.
	MaxFetchAttempts uint
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentOrchestrations: 4,
		MaxConcurrentActivities:     8,
		MaxConcurrentEntities:       4,
		RenewalThreshold:            time.Minute,
		RenewalCheckInterval:        10 * time.Second,
		MaxFetchAttempts:            5,
	}
}

// Worker owns one backend connection and the registries of executable
// code. Different instances are processed fully in parallel; per-instance
// exclusivity comes from the backend's leases, not from in-process locks.
type Worker struct {
	backend  backend.Backend
	executor *engine.Executor
	registry *engine.Registry
	entities *entity.Registry

	conv   serde.BinarySerde
	types  *serde.TypeConverter
	logger *slog.Logger
	cfg    Config
}

type Option func(*Worker)

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithSerde(conv serde.BinarySerde) Option {
	return func(w *Worker) {
		if conv != nil {
			w.conv = conv
		}
	}
}

func WithConfig(cfg Config) Option {
	return func(w *Worker) { w.cfg = cfg }
}

func New(be backend.Backend, registry *engine.Registry, entities *entity.Registry, opts ...Option) (*Worker, error) {
	if be == nil {
		return nil, fmt.Errorf("worker requires a backend")
	}
	if registry == nil {
		registry = engine.NewRegistry()
	}
	if entities == nil {
		entities = entity.NewRegistry()
	}

	w := &Worker{
		backend:  be,
		registry: registry,
		entities: entities,
		conv:     &serde.MsgpackSerde{},
		logger:   slog.Default(),
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.cfg.RenewalThreshold <= 0 {
		w.cfg.RenewalThreshold = time.Minute
	}
	if w.cfg.RenewalCheckInterval <= 0 {
		w.cfg.RenewalCheckInterval = 10 * time.Second
	}
	w.types = serde.NewTypeConverter(w.conv)
	w.executor = engine.NewExecutor(registry,
		engine.WithExecutorSerde(w.conv),
		engine.WithExecutorLogger(w.logger),
	)
	return w, nil
}

// Run blocks until the context is canceled, processing the three work-item
// kinds on bounded parallel loops.
func (w *Worker) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	if w.registry.OrchestratorCount() > 0 {
		for i := 0; i < w.cfg.MaxConcurrentOrchestrations; i++ {
			g.Go(func() error {
				return w.runLoop(gCtx, "orchestration", w.processNextOrchestration)
			})
		}
	}
	if w.registry.ActivityCount() > 0 {
		for i := 0; i < w.cfg.MaxConcurrentActivities; i++ {
			g.Go(func() error {
				return w.runLoop(gCtx, "activity", w.processNextActivity)
			})
		}
	}
	if w.entities.Count() > 0 {
		for i := 0; i < w.cfg.MaxConcurrentEntities; i++ {
			g.Go(func() error {
				return w.runLoop(gCtx, "entity", w.processNextEntity)
			})
		}
	}

	w.logger.Info("worker running",
		"orchestrators", w.registry.OrchestratorCount(),
		"activities", w.registry.ActivityCount(),
		"entities", w.entities.Count(),
	)
	return g.Wait()
}

func (w *Worker) runLoop(ctx context.Context, kind string, processNext func(context.Context) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := processNext(ctx)
		switch {
		case err == nil:
		case errors.Is(err, backend.ErrNoWorkItems):
			// idle; wait out the backend-owned delay before polling again
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.backend.GetDelayBeforeRetry(err)):
			}
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			w.logger.Error("work loop error", "kind", kind, "error", err)
		}
	}
}

// fetchWithBackoff retries a failing fetch using the backend-owned delay.
// ErrNoWorkItems is not a failure and returns immediately.
func fetchWithBackoff[T any](ctx context.Context, w *Worker, fetch func(context.Context) (T, error)) (T, error) {
	var item T
	err := retry.Do(
		func() error {
			var err error
			item, err = fetch(ctx)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(w.cfg.MaxFetchAttempts),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, backend.ErrNoWorkItems)
		}),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			return w.backend.GetDelayBeforeRetry(err)
		}),
		retry.LastErrorOnly(true),
	)
	return item, err
}

// withRenewal runs fn while keeping the work item's lease alive: once the
// remaining lock time drops under the renewal threshold, the lease is
// extended so a long turn does not lose exclusivity.
func (w *Worker) withRenewal(ctx context.Context, item backend.WorkItem, fn func(context.Context) error) error {
	renewCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.RenewalCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if time.Until(item.LockExpiresAt()) >= w.cfg.RenewalThreshold {
					continue
				}
				if err := w.backend.RenewLock(renewCtx, item); err != nil {
					w.logger.Warn("lock renewal failed",
						"work_item", item.Description(),
						"error", err,
					)
					return
				}
				w.logger.Debug("lock renewed", "work_item", item.Description())
			}
		}
	}()

	err := fn(ctx)
	cancel()
	<-done
	return err
}

func (w *Worker) processNextOrchestration(ctx context.Context) error {
	item, err := fetchWithBackoff(ctx, w, w.backend.LockNextOrchestrationWorkItem)
	if err != nil {
		return err
	}

	err = w.withRenewal(ctx, item, func(ctx context.Context) error {
		outcome, err := w.executor.ExecuteTurn(ctx, item.State, item.NewMessages)
		if err != nil {
			return err
		}
		return w.backend.CommitTurn(ctx, item, outcome)
	})
	if err == nil {
		return nil
	}

	// abandoned turns are redelivered later; this is the only automatic
	// retry path
	w.logger.Error("abandoning orchestration turn",
		"instance_id", item.Instance.InstanceID,
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
