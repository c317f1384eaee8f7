/*
 * Dissect
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package config loads and validates the backend configuration file.
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"

	"github.com/gravitational/dissect/lib/defaults"
)

// Config is the complete backend configuration.
type Config struct {
	// Worker configures the request loop.
	Worker WorkerConfig `yaml:"worker"`
	// Coordinator configures the Redis coordinator client.
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	// Limits bounds the worker's resource usage and deadlines.
	Limits LimitsConfig `yaml:"limits"`
	// Tasting configures flavor derivation.
	Tasting TastingConfig `yaml:"tasting"`
	// Scanners maps scanner names to their assignment rules, in document
	// order. Document order breaks priority ties, so it is preserved.
	Scanners ScannerMappings `yaml:"scanners"`
}

// WorkerConfig configures the request loop.
type WorkerConfig struct {
	// PollInterval is how long to sleep between polls of an empty queue.
	PollInterval Duration `yaml:"poll_interval"`
	// DiagAddr optionally enables the diagnostic HTTP listener serving
	// prometheus metrics and health checks.
	DiagAddr string `yaml:"diag_addr"`
}

// CoordinatorConfig configures the coordinator client.
type CoordinatorConfig struct {
	// Addr is the host:port of the coordinator Redis instance.
	Addr string `yaml:"addr"`
	// DB selects the Redis logical database.
	DB int `yaml:"db"`
	// PoolSize caps the client connection pool.
	PoolSize int `yaml:"pool_size"`
	// ReadTimeout bounds a single blocking read.
	ReadTimeout Duration `yaml:"read_timeout"`
}

// LimitsConfig bounds the worker. Deadline fields are plain seconds to
// match the queue contract's epoch-second deadlines.
type LimitsConfig struct {
	// TimeToLive is the worker's own lifetime budget in seconds,
	// 0 means unlimited.
	TimeToLive int `yaml:"time_to_live"`
	// MaxFiles is how many requests the worker handles before exiting,
	// 0 means unlimited.
	MaxFiles int `yaml:"max_files"`
	// MaxDepth is the deepest level of extracted children dispatched.
	MaxDepth int `yaml:"max_depth"`
	// Distribution bounds the processing of a single file, in seconds.
	Distribution int `yaml:"distribution"`
	// Scanner is the default per-invocation deadline in seconds, used
	// when an assignment does not set scanner_timeout.
	Scanner int `yaml:"scanner"`
}

// TastingConfig configures flavor derivation.
type TastingConfig struct {
	// ContentTypeDB optionally points to a YAML file of custom content
	// type signatures.
	ContentTypeDB string `yaml:"content_type_db"`
	// Rules points to a tasting rule file or a directory tree of them.
	Rules string `yaml:"rules"`
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Worker.PollInterval <= 0 {
		c.Worker.PollInterval = Duration(defaults.QueuePollInterval)
	}
	if c.Coordinator.Addr == "" {
		c.Coordinator.Addr = defaults.CoordinatorAddr
	}
	if c.Coordinator.PoolSize <= 0 {
		c.Coordinator.PoolSize = defaults.CoordinatorPoolSize
	}
	if c.Coordinator.ReadTimeout <= 0 {
		c.Coordinator.ReadTimeout = Duration(defaults.CoordinatorReadTimeout)
	}
	if c.Limits.TimeToLive < 0 {
		return trace.BadParameter("limits.time_to_live must not be negative")
	}
	if c.Limits.MaxFiles < 0 {
		return trace.BadParameter("limits.max_files must not be negative")
	}
	if c.Limits.MaxDepth <= 0 {
		c.Limits.MaxDepth = defaults.MaxDepth
	}
	if c.Limits.Distribution <= 0 {
		c.Limits.Distribution = int(defaults.DistributionTimeout / time.Second)
	}
	// a falsy scanner limit means use the built-in default
	if c.Limits.Scanner <= 0 {
		c.Limits.Scanner = int(defaults.ScannerTimeout / time.Second)
	}
	for i := range c.Scanners {
		if err := c.Scanners[i].CheckAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// ReadFromFile loads and validates the configuration at path.
func ReadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, trace.Wrap(err, "parsing configuration file %v", path)
	}
	return cfg, nil
}

// Parse decodes and validates a configuration document. Unknown fields are
// rejected so typos surface at startup instead of silently disabling
// behavior.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}

// Duration is a time.Duration that decodes from YAML duration strings like
// "250ms" or "10s".
type Duration time.Duration

// Duration returns the standard library form of d.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML decodes a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return trace.Wrap(err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return trace.BadParameter("invalid duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML encodes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
