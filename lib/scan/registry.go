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

package scan

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/gravitational/trace"
)

// Factory constructs a scanner from worker-level dependencies.
type Factory func(cfg FactoryConfig) (Scanner, error)

// FactoryConfig carries the dependencies handed to scanner factories at
// construction time.
type FactoryConfig struct {
	// Logger is the worker's scanner logger.
	Logger *slog.Logger
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a scanner constructor resolvable by name. It is meant to
// be called from init functions of scanner implementation packages and
// panics on a duplicate name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic("scanner " + name + " is already registered")
	}
	registry[name] = factory
}

// RegisteredScanners returns the sorted names of all registered scanners.
func RegisteredScanners() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// lookup returns the registered factory for name.
func lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	if !ok {
		return nil, trace.NotFound("scanner %q is not registered", name)
	}
	return factory, nil
}

// Cache resolves scanners by name, constructing each once and reusing the
// instance for the lifetime of the worker. Instances must therefore keep
// all per-invocation state on the State the harness hands them.
type Cache struct {
	cfg FactoryConfig

	mu        sync.Mutex
	instances map[string]Scanner
}

// NewCache returns an empty scanner cache.
func NewCache(cfg FactoryConfig) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cache{
		cfg:       cfg,
		instances: make(map[string]Scanner),
	}
}

// Get returns the cached instance of the named scanner, constructing and
// initializing it on first use. Unknown names return a not found error.
func (c *Cache) Get(name string) (Scanner, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if instance, ok := c.instances[name]; ok {
		return instance, nil
	}

	factory, err := lookup(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	instance, err := factory(c.cfg)
	if err != nil {
		return nil, trace.Wrap(err, "constructing scanner %q", name)
	}
	if initializer, ok := instance.(Initializer); ok {
		if err := initializer.Init(); err != nil {
			return nil, trace.Wrap(err, "initializing scanner %q", name)
		}
	}
	c.instances[name] = instance
	return instance, nil
}
