// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package config is the external collaborator that turns a TOML file
// into the value object internal/relay/supervisor consumes. The core
// never reads a file itself; it only ever sees this struct.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Group mirrors one duplicate (or self-stats) group's configuration.
type Group struct {
	ShardMap     []string `toml:"shard_map"`
	Prefix       string   `toml:"prefix"`
	Suffix       string   `toml:"suffix"`
	InputFilter  string   `toml:"input_filter"`
	SampleThresh uint64   `toml:"sample_threshold"`
	SampleWindow uint32   `toml:"sample_window_seconds"`
	ReservoirLen uint32   `toml:"sample_reservoir_size"`
	TTLSeconds   int64    `toml:"sample_ttl_seconds"`
}

// Statsd holds every field the core depends on, per the external
// interfaces section of the configuration surface.
type Statsd struct {
	Bind               string  `toml:"bind"`
	Validate           bool    `toml:"validate"`
	ValidatePointTags  bool    `toml:"validate_point_tags"`
	MaxSendQueue       int     `toml:"max_send_queue"`
	AutoReconnect      bool    `toml:"auto_reconnect"`
	ReconnectThreshold float64 `toml:"reconnect_threshold"`
	TCPCork            bool    `toml:"tcp_cork"`
	ShardMap           []string `toml:"shard_map"`
	DuplicateTo        []Group  `toml:"duplicate_to"`
	SelfStats          *Group   `toml:"self_stats"`
	// MetricsAddr, when non-empty, exposes Prometheus counters on this
	// address's /metrics path (e.g. ":9090").
	MetricsAddr string `toml:"metrics_addr"`
}

// Config is the root value object, matching a statsrelay.toml with a
// top-level [statsd] table.
type Config struct {
	Statsd Statsd `toml:"statsd"`
}

// Default returns a Config with every field the core depends on set
// to its documented default.
func Default() Config {
	return Config{Statsd: Statsd{
		Bind:               "127.0.0.1:8125",
		Validate:           true,
		MaxSendQueue:       134217728,
		AutoReconnect:      false,
		ReconnectThreshold: 1.0,
		TCPCork:            true,
	}}
}

// Load reads and parses path, applying Default() for any field TOML
// leaves unset (a zero bool/number is indistinguishable from "unset"
// in BurntSushi/toml's decode, so defaults are applied up front and
// only overwritten for keys present in the parsed MetaData).
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if !meta.IsDefined("statsd", "reconnect_threshold") {
		cfg.Statsd.ReconnectThreshold = 1.0
	}
	if !meta.IsDefined("statsd", "max_send_queue") {
		cfg.Statsd.MaxSendQueue = 134217728
	}
	return cfg, nil
}

// Validate reports a ConfigError-class problem found in cfg without
// consulting the filesystem or network.
func (c Config) Validate() error {
	if c.Statsd.Bind == "" {
		return fmt.Errorf("config: statsd.bind must not be empty")
	}
	if len(c.Statsd.ShardMap) == 0 {
		return fmt.Errorf("config: statsd.shard_map must name at least one backend")
	}
	if c.Statsd.ReconnectThreshold <= 0 || c.Statsd.ReconnectThreshold > 1 {
		return fmt.Errorf("config: statsd.reconnect_threshold must be in (0,1], got %v", c.Statsd.ReconnectThreshold)
	}
	return nil
}
