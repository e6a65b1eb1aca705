// Copyright (C) The Fleetbatch Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates dispatcher configuration.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is time.Duration but looks like "12s" in config files,
// rather than a number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 1 && data[0] == '"' {
		dur, err := time.ParseDuration(string(data[1 : len(data)-1]))
		*d = Duration(dur)
		return err
	}
	return fmt.Errorf("duration must be given as a string like \"600s\" or \"1h30m\"")
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String implements fmt.Stringer
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns the native representation.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// RedisConfig selects the Redis server backing the event bus when
// EventBus.Driver is "redis".
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// EventBusConfig selects and configures the event bus driver.
type EventBusConfig struct {
	// "mem" (single-process, for tests and development) or
	// "redis".
	Driver string
	Redis  RedisConfig
}

// BatchDefaults are applied to batch run requests that leave the
// corresponding field empty.
type BatchDefaults struct {
	Size                string
	Timeout             Duration
	GatherJobTimeout    Duration
	PresencePingTimeout Duration
	BatchDelay          Duration
}

// Config is the dispatcher service configuration, loaded from a YAML
// file.
type Config struct {
	// Address to serve the management API on, e.g. ":9500".
	Listen string

	// Bearer token required on all management API requests. If
	// empty, the management API (including health checks) is
	// disabled.
	ManagementToken string

	LogLevel  string
	LogFormat string

	EventBus EventBusConfig

	// Path to the YAML agent roster.
	RosterPath string

	// How many finished runs to keep queryable via the management
	// API.
	MaxFinishedRuns int

	Batch BatchDefaults
}

// DefaultConfig returns the compiled-in defaults. Load applies them
// before reading the config file, so the file only needs to list
// overrides.
func DefaultConfig() Config {
	return Config{
		Listen:          ":9500",
		LogLevel:        "info",
		LogFormat:       "json",
		EventBus:        EventBusConfig{Driver: "mem", Redis: RedisConfig{Addr: "localhost:6379"}},
		RosterPath:      "/etc/fleetbatch/roster.yml",
		MaxFinishedRuns: 1000,
		Batch: BatchDefaults{
			Size:                "100%",
			Timeout:             Duration(5 * time.Second),
			GatherJobTimeout:    Duration(10 * time.Second),
			PresencePingTimeout: Duration(0),
			BatchDelay:          Duration(time.Second),
		},
	}
}

// Check returns an error if the configuration cannot possibly work.
func (cfg *Config) Check() error {
	switch cfg.EventBus.Driver {
	case "mem", "redis":
	default:
		return fmt.Errorf("config: unsupported event bus driver %q", cfg.EventBus.Driver)
	}
	if cfg.EventBus.Driver == "redis" && cfg.EventBus.Redis.Addr == "" {
		return fmt.Errorf("config: event bus driver is redis but no address is configured")
	}
	if cfg.RosterPath == "" {
		return fmt.Errorf("config: no roster path configured")
	}
	if cfg.MaxFinishedRuns < 1 {
		return fmt.Errorf("config: MaxFinishedRuns must be positive")
	}
	return nil
}
