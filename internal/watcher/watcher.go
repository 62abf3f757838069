package watcher

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gamemon/internal/domain"
	"gamemon/internal/storage"
)

// Plugin is one protocol implementation. The plugin supplies only the polling
// loop; Watcher provides the lifecycle around it (start/stop/reload, config
// materialization, event emission).
//
// Run must check w.Shutdown() at every iteration boundary and return promptly
// once it fires, and must keep ordinary connectivity failures inside the loop
// (connection lost/reacquired events plus retry). Only configuration and
// protocol/semantic errors may be returned.
type Plugin interface {
	ConfigKeys() domain.ConfigSchema
	Run(w *Watcher) error
}

// EventSink receives a copy of every event a watcher persists. Implementations
// must not block; watchers call it inline from their polling loops.
type EventSink func(domain.Event)

// Config is a watcher's materialized configuration: entry values coerced to
// their declared types. Reload replaces the whole map rather than mutating it,
// so a loop holding a Config never observes a partial edit. Keys that are
// optional and unset are absent, not zero-valued placeholders.
type Config map[string]any

// Has reports whether an optional key was set.
func (c Config) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// String returns a string key's value, or "" when unset.
func (c Config) String(key string) string {
	v, _ := c[key].(string)
	return v
}

// Int returns an integer key's value, or 0 when unset.
func (c Config) Int(key string) int {
	v, _ := c[key].(int)
	return v
}

// Float returns a float key's value, or 0 when unset.
func (c Config) Float(key string) float64 {
	v, _ := c[key].(float64)
	return v
}

// Watcher runs one plugin's polling loop against one external game server.
// Each Watcher owns a dedicated goroutine (started by Start, joined by Stop)
// and a private storage handle never shared with other goroutines.
type Watcher struct {
	id       int64
	identity domain.WatcherIdentity
	plugin   Plugin
	store    *storage.Store
	sink     EventSink

	config atomic.Value // Config

	started  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex // guards connLost
	connLost bool
}

// New loads the identity for id, verifies it declares pluginName, and
// materializes the plugin's declared config keys. A missing required key
// fails with MissingConfigError; a declared-plugin mismatch fails with
// ErrPluginMismatch. Construction only reads; it never marks the persisted
// state running.
//
// The store handle is owned by the returned Watcher and released by Stop.
func New(ctx context.Context, store *storage.Store, id int64, pluginName string, plugin Plugin, sink EventSink) (*Watcher, error) {
	identity, err := store.GetWatcherByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity.Plugin != pluginName {
		return nil, fmt.Errorf("watcher %d declares plugin %q, not %q: %w",
			id, identity.Plugin, pluginName, ErrPluginMismatch)
	}

	cfg, err := loadConfig(ctx, store, id, plugin.ConfigKeys())
	if err != nil {
		return nil, fmt.Errorf("watcher %d: %w", id, err)
	}

	w := &Watcher{
		id:       id,
		identity: *identity,
		plugin:   plugin,
		store:    store,
		sink:     sink,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.config.Store(cfg)
	return w, nil
}

// loadConfig reads the watcher's config entries and coerces each declared key
// to its schema type. Optional keys with no entry stay absent from the map.
func loadConfig(ctx context.Context, store *storage.Store, id int64, schema domain.ConfigSchema) (Config, error) {
	entries, err := store.GetConfigEntries(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading config entries: %w", err)
	}
	raw := make(map[string]string, len(entries))
	for _, e := range entries {
		raw[e.Key] = e.Value
	}

	cfg := make(Config, len(schema))
	for key, decl := range schema {
		value, ok := raw[key]
		if !ok {
			if decl.Required {
				return nil, &MissingConfigError{Key: key}
			}
			continue
		}
		switch decl.Type {
		case domain.ConfigString:
			cfg[key] = value
		case domain.ConfigInt:
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("config key %q: parsing %q as integer: %w", key, value, err)
			}
			cfg[key] = n
		case domain.ConfigFloat:
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("config key %q: parsing %q as float: %w", key, value, err)
			}
			cfg[key] = f
		default:
			return nil, fmt.Errorf("config key %q: unsupported type %q", key, decl.Type)
		}
	}
	return cfg, nil
}

// ID returns the watcher's identity id.
func (w *Watcher) ID() int64 {
	return w.id
}

// Identity returns the identity loaded at construction.
func (w *Watcher) Identity() domain.WatcherIdentity {
	return w.identity
}

// Config returns the current materialized config map. The returned map is
// replaced wholesale by Reload, never mutated.
func (w *Watcher) Config() Config {
	return w.config.Load().(Config)
}

// Shutdown returns a channel closed when Stop has been requested. Plugin
// loops select on it at every iteration boundary.
func (w *Watcher) Shutdown() <-chan struct{} {
	return w.shutdown
}

// ShuttingDown reports whether Stop has been requested.
func (w *Watcher) ShuttingDown() bool {
	select {
	case <-w.shutdown:
		return true
	default:
		return false
	}
}

// Start emits a watcher_start event and launches the plugin loop on its own
// goroutine. Starting twice is a no-op.
func (w *Watcher) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.AddEvent(domain.Event{Type: domain.EventWatcherStart})
	go w.run()
}

// run wraps the plugin loop. A non-nil return is logged and ends the loop
// without crashing the process; the event log gets no extra record here —
// plugins report fatal protocol errors themselves via ExceptionEvent.
func (w *Watcher) run() {
	defer close(w.done)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("watcher-%d: runner panic: %v", w.id, r)
		}
	}()

	if err := w.plugin.Run(w); err != nil {
		log.Printf("watcher-%d: runner terminated: %v", w.id, err)
	}
}

// Reload re-reads the config entries, re-applies type coercion, atomically
// swaps the config map, and emits a watcher_reload event. Safe to call while
// the plugin loop is running; the loop observes the new map on its next
// Config() call.
func (w *Watcher) Reload(ctx context.Context) error {
	cfg, err := loadConfig(ctx, w.store, w.id, w.plugin.ConfigKeys())
	if err != nil {
		return fmt.Errorf("watcher %d: reload: %w", w.id, err)
	}
	w.config.Store(cfg)
	w.AddEvent(domain.Event{Type: domain.EventWatcherReload})
	return nil
}

// wait sleeps for d, or returns false early when shutdown is requested.
// Plugin loops use it for inter-poll and retry delays so Stop stays prompt.
func (w *Watcher) wait(d time.Duration) bool {
	select {
	case <-w.shutdown:
		return false
	case <-time.After(d):
		return true
	}
}

// Stop requests shutdown, blocks until the plugin loop has exited, emits a
// watcher_stop event, and releases the storage handle. Stop is idempotent:
// concurrent and repeated calls all return after the first has finished.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.shutdown)
		if w.started.Load() {
			<-w.done
		}
		w.AddEvent(domain.Event{Type: domain.EventWatcherStop})
		if err := w.store.Close(); err != nil {
			log.Printf("watcher-%d: closing store: %v", w.id, err)
		}
	})
}
