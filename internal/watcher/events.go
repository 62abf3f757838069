package watcher

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"gamemon/internal/domain"
)

// AddEvent stamps the watcher id and current time if unset, persists the
// event, and forwards it to the sink. Persistence failures are logged, not
// returned: the polling loop must keep going.
func (w *Watcher) AddEvent(ev domain.Event) {
	if ev.WatcherID == nil {
		id := w.id
		ev.WatcherID = &id
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := w.store.AppendEvent(context.Background(), &ev); err != nil {
		log.Printf("watcher-%d: persisting %s event: %v", w.id, ev.Type, err)
		return
	}
	if w.sink != nil {
		w.sink(ev)
	}
}

// GetUser resolves an in-game nickname to a user id, scoped to this watcher's
// game. Returns ErrUnknownNickname when no registered user carries the nick;
// callers skip that player for the cycle rather than aborting.
func (w *Watcher) GetUser(nickname string) (int64, error) {
	if w.identity.GameID == nil {
		return 0, fmt.Errorf("watcher %d has no game, nickname %q: %w", w.id, nickname, ErrUnknownNickname)
	}
	userID, err := w.store.ResolveNickname(context.Background(), nickname, *w.identity.GameID)
	if err != nil {
		return 0, fmt.Errorf("nickname %q: %w", nickname, ErrUnknownNickname)
	}
	return userID, nil
}

// userEvent resolves the nickname and persists one user-scoped event. A zero
// at means "now"; log-tailing plugins pass the timestamp embedded in the log
// line so replays stay time-ordered.
func (w *Watcher) userEvent(typ domain.EventType, nickname string, at time.Time, info string) error {
	userID, err := w.GetUser(nickname)
	if err != nil {
		return err
	}
	w.AddEvent(domain.Event{
		Type:   typ,
		Time:   at,
		UserID: &userID,
		GameID: w.identity.GameID,
		Info:   info,
	})
	return nil
}

// ScoreEvent records a user's absolute score.
func (w *Watcher) ScoreEvent(nickname string, score int) error {
	return w.userEvent(domain.EventUserScore, nickname, time.Time{}, strconv.Itoa(score))
}

// JoinEvent records a user joining the server.
func (w *Watcher) JoinEvent(nickname string) error {
	return w.userEvent(domain.EventUserJoin, nickname, time.Time{}, "")
}

// JoinEventAt records a join with an explicit event time.
func (w *Watcher) JoinEventAt(nickname string, at time.Time) error {
	return w.userEvent(domain.EventUserJoin, nickname, at, "")
}

// LeaveEvent records a user leaving the server.
func (w *Watcher) LeaveEvent(nickname string) error {
	return w.userEvent(domain.EventUserLeave, nickname, time.Time{}, "")
}

// LeaveEventAt records a leave with an explicit event time.
func (w *Watcher) LeaveEventAt(nickname string, at time.Time) error {
	return w.userEvent(domain.EventUserLeave, nickname, at, "")
}

// DieEvent records a user dying.
func (w *Watcher) DieEvent(nickname string) error {
	return w.userEvent(domain.EventUserDie, nickname, time.Time{}, "")
}

// DieEventAt records a death with an explicit event time.
func (w *Watcher) DieEventAt(nickname string, at time.Time) error {
	return w.userEvent(domain.EventUserDie, nickname, at, "")
}

// RespawnEvent records a user respawning.
func (w *Watcher) RespawnEvent(nickname string) error {
	return w.userEvent(domain.EventUserRespawn, nickname, time.Time{}, "")
}

// RespawnEventAt records a respawn with an explicit event time.
func (w *Watcher) RespawnEventAt(nickname string, at time.Time) error {
	return w.userEvent(domain.EventUserRespawn, nickname, at, "")
}

// ConnectionLostEvent records loss of connectivity to the polled server.
// Idempotent until ConnectionReacquiredEvent: a sustained outage emits one
// event, not one per failed poll.
func (w *Watcher) ConnectionLostEvent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connLost {
		return
	}
	w.connLost = true
	w.AddEvent(domain.Event{Type: domain.EventWatcherConnectionLost})
}

// ConnectionReacquiredEvent records connectivity coming back. Emits nothing
// unless a ConnectionLostEvent preceded it in this instance.
func (w *Watcher) ConnectionReacquiredEvent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connLost {
		return
	}
	w.connLost = false
	w.AddEvent(domain.Event{Type: domain.EventWatcherConnectionReacquired})
}

// ExceptionEvent records a plugin-reported error in the event log.
func (w *Watcher) ExceptionEvent(err error) {
	w.AddEvent(domain.Event{Type: domain.EventWatcherException, Info: err.Error()})
}
