package watcher

import (
	"fmt"
	"sort"
	"sync"

	"gamemon/internal/domain"
)

// Factory builds a fresh plugin instance for each watcher start.
type Factory func() Plugin

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a plugin available under the given name. Identities store
// this name as their plugin reference. Register panics on a duplicate name,
// like database/sql driver registration: both are programming errors.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("watcher: Register called twice for plugin %q", name))
	}
	if factory == nil {
		panic("watcher: Register with nil factory")
	}
	registry[name] = factory
}

// Lookup resolves a plugin name to its factory.
func Lookup(name string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", name, ErrUnknownPlugin)
	}
	return factory, nil
}

// Registered reports whether a plugin name is known. Used to reject bad
// plugin references at identity-creation time rather than at start time.
func Registered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[name]
	return ok
}

// Plugins returns the config schema of every registered plugin, keyed by
// name. The administrative layer renders edit forms from this.
func Plugins() map[string]domain.ConfigSchema {
	registryMu.RLock()
	defer registryMu.RUnlock()
	schemas := make(map[string]domain.ConfigSchema, len(registry))
	for name, factory := range registry {
		schemas[name] = factory().ConfigKeys()
	}
	return schemas
}

// PluginNames returns the registered plugin names in sorted order.
func PluginNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
