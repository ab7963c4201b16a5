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

package config

import (
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
)

// Mode is the application run mode.
type Mode string

const (
	ModeDebug   Mode = "debug"
	ModeRelease Mode = "release"
)

// Default configuration constants
const (
	DefaultNATSHost = "localhost"
	DefaultNATSPort = "4222"

	DefaultDrainTimeout  = 30 * time.Second
	DefaultReconnectWait = 2 * time.Second
	DefaultPingInterval  = 2 * time.Minute

	DefaultMaxReconnects = -1 // reconnect forever
	DefaultMaxPingsOut   = 2

	DefaultLockTimeout      = 2 * time.Minute
	DefaultRenewalThreshold = time.Minute
)

// Config holds the complete application configuration.
type Config struct {
	Service string       `json:"service_name" env:"APP_NAME" envDefault:"durableflow"`
	Version string       `json:"version"      env:"VERSION"  envDefault:"v0.1.0-alpha1"`
	Mode    Mode         `json:"mode"         env:"MODE"     envDefault:"debug"`
	NATS    NATSConfig   `json:"nats"         envPrefix:"NATS_"`
	Worker  WorkerConfig `json:"worker"       envPrefix:"WORKER_"`
	Logger  LoggerConfig `json:"logger"       envPrefix:"LOG_"`
}

// NATSConfig holds NATS-specific configuration.
type NATSConfig struct {
	URL           string        `json:"url"            env:"URL"`
	Host          string        `json:"host"           env:"HOST"`
	Port          string        `json:"port"           env:"PORT"`
	MaxReconnects int           `json:"max_reconnects" env:"MAX_RECONNECTS"`
	ReconnectWait time.Duration `json:"reconnect_wait" env:"RECONNECT_WAIT"`
	DrainTimeout  time.Duration `json:"drain_timeout"  env:"DRAIN_TIMEOUT"`
	PingInterval  time.Duration `json:"ping_interval"  env:"PING_INTERVAL"`
	MaxPingsOut   int           `json:"max_pings_out"  env:"MAX_PINGS_OUT"`
	ClientName    string        `json:"client_name"    env:"CLIENT_NAME"`
}

// WorkerConfig bounds the worker's processing loops.
type WorkerConfig struct {
	MaxConcurrentOrchestrations int           `json:"max_concurrent_orchestrations" env:"MAX_ORCHESTRATIONS" envDefault:"4"`
	MaxConcurrentActivities     int           `json:"max_concurrent_activities"     env:"MAX_ACTIVITIES"     envDefault:"8"`
	MaxConcurrentEntities       int           `json:"max_concurrent_entities"       env:"MAX_ENTITIES"       envDefault:"4"`
	LockTimeout                 time.Duration `json:"lock_timeout"                  env:"LOCK_TIMEOUT"`
	RenewalThreshold            time.Duration `json:"renewal_threshold"             env:"RENEWAL_THRESHOLD"`
}

// LoggerConfig selects the log output pipeline.
type LoggerConfig struct {
	Level        string `json:"level"         env:"LEVEL"         envDefault:"info"` // debug|info|warn|error
	OTELExporter string `json:"otel_exporter" env:"OTEL_EXPORTER" envDefault:"none"` // none|otlp-http|otlp-grpc
	OTELEndpoint string `json:"otel_endpoint" env:"OTEL_ENDPOINT"`
}

// LoadConfig reads configuration from the environment over built-in
// defaults.
func LoadConfig() (*Config, error) {
	cfg := Config{
		NATS: NATSConfig{
			Host:          DefaultNATSHost,
			Port:          DefaultNATSPort,
			MaxReconnects: DefaultMaxReconnects,
			ReconnectWait: DefaultReconnectWait,
			DrainTimeout:  DefaultDrainTimeout,
			PingInterval:  DefaultPingInterval,
			MaxPingsOut:   DefaultMaxPingsOut,
			ClientName:    "durableflow",
		},
		Worker: WorkerConfig{
			LockTimeout:      DefaultLockTimeout,
			RenewalThreshold: DefaultRenewalThreshold,
		},
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = fmt.Sprintf("nats://%s:%s", cfg.NATS.Host, cfg.NATS.Port)
	}

	return &cfg, nil
}

// Validate checks the configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.Service == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if c.Mode != ModeDebug && c.Mode != ModeRelease {
		return fmt.Errorf("mode must be debug or release, got %q", c.Mode)
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("NATS URL cannot be empty")
	}
	if c.Worker.MaxConcurrentOrchestrations <= 0 ||
		c.Worker.MaxConcurrentActivities <= 0 ||
		c.Worker.MaxConcurrentEntities <= 0 {
		return fmt.Errorf("worker concurrency bounds must be positive")
	}
	if c.Worker.LockTimeout <= c.Worker.RenewalThreshold {
		return fmt.Errorf("lock timeout must exceed the renewal threshold")
	}
	switch c.Logger.OTELExporter {
	case "none", "otlp-http", "otlp-grpc":
	default:
		return fmt.Errorf("unknown OTEL exporter %q", c.Logger.OTELExporter)
	}
	return nil
}

func (c *Config) ServiceName() string { return c.Service }
func (c *Config) GetVersion() string  { return c.Version }
