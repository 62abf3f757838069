package domain

import "time"

// User is a registered account that nicknames and events attach to.
type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Game is a tracked game title. Watchers and nicknames are scoped to a game.
type Game struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Nickname binds an in-game name to a user for one game. Watchers resolve
// wire-protocol player names through nicknames before emitting user events.
type Nickname struct {
	ID     int64  `json:"id"`
	UserID int64  `json:"user_id"`
	GameID int64  `json:"game_id"`
	Nick   string `json:"nick"`
}
