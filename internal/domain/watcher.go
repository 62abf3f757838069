package domain

import "time"

// Watcher states persisted on the identity. The state records the last
// requested state, not liveness: the in-memory registry is authoritative for
// what is actually running, and the persisted state lets a restarted process
// resume watchers that were running before.
const (
	WatcherRunning = "running"
	WatcherStopped = "stopped"
)

// WatcherIdentity is the durable record describing one watcher: which plugin
// it runs, the game it watches, and (via ConfigEntry rows) its configuration.
type WatcherIdentity struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Plugin    string    `json:"plugin"`
	GameID    *int64    `json:"game_id,omitempty"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// ConfigEntry is one key/value pair scoped to a watcher identity. Keys and
// their types are declared by the watcher's plugin.
type ConfigEntry struct {
	WatcherID int64  `json:"watcher_id"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}

// ConfigValueType is the declared value type of a config key.
type ConfigValueType string

const (
	ConfigString ConfigValueType = "string"
	ConfigInt    ConfigValueType = "integer"
	ConfigFloat  ConfigValueType = "float"
)

// ConfigKey declares one config key a plugin reads. The hint is free text for
// the administrative edit form.
type ConfigKey struct {
	Type     ConfigValueType `json:"type"`
	Required bool            `json:"required"`
	Hint     string          `json:"hint,omitempty"`
}

// ConfigSchema maps config key names to their declarations.
type ConfigSchema map[string]ConfigKey
