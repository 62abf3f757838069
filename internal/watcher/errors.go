package watcher

import (
	"errors"
	"fmt"
)

// Sentinel errors for the watcher subsystem. Callers match them with
// errors.Is; messages shown to administrators are derived from the wrapped
// error text.
var (
	// ErrAlreadyRunning is returned by Manager.Start for an identity that
	// already has a live worker.
	ErrAlreadyRunning = errors.New("watcher already running")

	// ErrNotRunning is returned by Manager.Stop and Manager.Reload for an
	// identity with no live worker.
	ErrNotRunning = errors.New("watcher not running")

	// ErrUnknownPlugin is returned when an identity's stored plugin reference
	// does not resolve to a registered plugin.
	ErrUnknownPlugin = errors.New("unknown watcher plugin")

	// ErrPluginMismatch is returned when a watcher is constructed with a
	// plugin other than the one its identity declares.
	ErrPluginMismatch = errors.New("watcher identity declares a different plugin")

	// ErrUnknownNickname is returned when an in-game name resolves to no
	// registered user. Recoverable: skip the player for this poll cycle.
	ErrUnknownNickname = errors.New("no user with nickname")

	// ErrWrongApplication is fatal: the polled server reports an application
	// id other than the configured one, so the watcher is misconfigured.
	ErrWrongApplication = errors.New("wrong application id on server")

	// ErrBadCredentials is fatal: the server rejected the RCON password.
	ErrBadCredentials = errors.New("bad rcon password")

	// ErrConnectionFailure marks transient transport errors inside a runner.
	// Runners convert it into connection lost/reacquired events, never into a
	// fatal return.
	ErrConnectionFailure = errors.New("connection failure")
)

// MissingConfigError reports a required config key absent from a watcher's
// config entries. Fatal at construction and reload.
type MissingConfigError struct {
	Key string
}

func (e *MissingConfigError) Error() string {
	return fmt.Sprintf("missing required config key %q", e.Key)
}
