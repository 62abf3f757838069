package domain

import "time"

// EventType identifies what an event records. Values are persisted in the
// event log, so they are stable strings rather than iota constants.
type EventType string

// Watcher lifecycle events carry a watcher id; user events additionally carry
// a user id (and usually a game id).
const (
	EventWatcherStart                EventType = "watcher_start"
	EventWatcherStop                 EventType = "watcher_stop"
	EventWatcherReload               EventType = "watcher_reload"
	EventWatcherConnectionLost       EventType = "watcher_connection_lost"
	EventWatcherConnectionReacquired EventType = "watcher_connection_reacquired"
	EventWatcherException            EventType = "watcher_exception"

	EventUserScore   EventType = "user_score"
	EventUserJoin    EventType = "user_join"
	EventUserLeave   EventType = "user_leave"
	EventUserDie     EventType = "user_die"
	EventUserRespawn EventType = "user_respawn"
)

// EventTypes lists every known event type, in a stable order.
var EventTypes = []EventType{
	EventWatcherStart,
	EventWatcherStop,
	EventWatcherReload,
	EventWatcherConnectionLost,
	EventWatcherConnectionReacquired,
	EventWatcherException,
	EventUserScore,
	EventUserJoin,
	EventUserLeave,
	EventUserDie,
	EventUserRespawn,
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// UserScoped reports whether events of this type must carry a user id.
func (t EventType) UserScoped() bool {
	switch t {
	case EventUserScore, EventUserJoin, EventUserLeave, EventUserDie, EventUserRespawn:
		return true
	default:
		return false
	}
}

// Event is one immutable record in the append-only event log.
type Event struct {
	ID        int64     `json:"id"`
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	WatcherID *int64    `json:"watcher_id,omitempty"`
	UserID    *int64    `json:"user_id,omitempty"`
	GameID    *int64    `json:"game_id,omitempty"`
	Info      string    `json:"info,omitempty"`
}
