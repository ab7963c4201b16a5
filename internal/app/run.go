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

// Package app wires configuration, logging, the JetStream backend, and the
// worker into one signal-aware run loop.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ngnhng/durableflow/api/serde"
	"github.com/ngnhng/durableflow/backend/natz"
	"github.com/ngnhng/durableflow/engine"
	"github.com/ngnhng/durableflow/entity"
	"github.com/ngnhng/durableflow/internal/config"
	"github.com/ngnhng/durableflow/internal/logger"
	"github.com/ngnhng/durableflow/worker"
)

type Options struct {
	NATSHost string
	NATSPort string
}

// Setup registers application code before the worker starts.
type Setup func(orchestrations *engine.Registry, entities *entity.Registry) error

func Run(ctx context.Context, opts Options, setup Setup) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	// CLI flags override NATS host/port.
	if opts.NATSHost != "" {
		cfg.NATS.Host = opts.NATSHost
	}
	if opts.NATSPort != "" {
		cfg.NATS.Port = opts.NATSPort
	}
	cfg.NATS.URL = fmt.Sprintf("nats://%s:%s", cfg.NATS.Host, cfg.NATS.Port)
	if err := cfg.Validate(); err != nil {
		return err
	}

	lg, err := logger.New(ctx, &logger.Options{
		Mode:     cfg.Mode,
		Level:    logLevel(cfg.Logger.Level),
		Service:  cfg.Service,
		Version:  cfg.Version,
		Exporter: cfg.Logger.OTELExporter,
		Endpoint: cfg.Logger.OTELEndpoint,
		Writer:   os.Stdout,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(lg.Slogger)
	defer func() {
		if err := lg.Shutdown(ctx); err != nil {
			slog.Error("failed to shut down logger provider", "error", err)
		}
	}()

	conn, err := natz.Connect(natz.ConnConfig{
		URL:           cfg.NATS.URL,
		Name:          cfg.NATS.ClientName,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		DrainTimeout:  cfg.NATS.DrainTimeout,
		PingInterval:  cfg.NATS.PingInterval,
		MaxPingsOut:   cfg.NATS.MaxPingsOut,
	}, lg.Slogger)
	if err != nil {
		return err
	}
	defer conn.Close()

	conv := &serde.MsgpackSerde{}
	be := natz.New(conn, conv, lg.Slogger, natz.Options{
		LockTimeout: cfg.Worker.LockTimeout,
	})
	if err := be.Start(ctx); err != nil {
		return err
	}

	orchestrations := engine.NewRegistry()
	entities := entity.NewRegistry()
	if setup != nil {
		if err := setup(orchestrations, entities); err != nil {
			return err
		}
	}

	w, err := worker.New(be, orchestrations, entities,
		worker.WithLogger(lg.Slogger),
		worker.WithSerde(conv),
		worker.WithConfig(worker.Config{
			MaxConcurrentOrchestrations: cfg.Worker.MaxConcurrentOrchestrations,
			MaxConcurrentActivities:     cfg.Worker.MaxConcurrentActivities,
			MaxConcurrentEntities:       cfg.Worker.MaxConcurrentEntities,
			RenewalThreshold:            cfg.Worker.RenewalThreshold,
			RenewalCheckInterval:        cfg.Worker.RenewalThreshold / 6,
			MaxFetchAttempts:            5,
		}),
	)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			return err
		}
	}

	slog.Info("worker shutting down")
	cancel()
	return nil
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
