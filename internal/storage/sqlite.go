package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"gamemon/internal/domain"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

//go:embed schema.sql
var schema string

// formatTimestamp converts time.Time to SQLite-compatible UTC ISO8601 string.
// The Z suffix ensures the Go sqlite driver parses it back as UTC.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// Store provides database access. Each Store owns its own connection; watcher
// workers open private Stores rather than sharing one across goroutines.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Enable foreign keys, WAL mode for better performance, and busy timeout for concurrency
	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting pragmas: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Watcher identity methods ---

// CreateWatcher inserts a new watcher identity and fills in its ID.
func (s *Store) CreateWatcher(ctx context.Context, w *domain.WatcherIdentity) error {
	if w.State == "" {
		w.State = domain.WatcherStopped
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO watchers (name, plugin, game_id, state) VALUES (?, ?, ?, ?)
	`, w.Name, w.Plugin, w.GameID, w.State)
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.ID, err = res.LastInsertId()
	return err
}

// GetWatcherByID returns one watcher identity, or ErrNotFound.
func (s *Store) GetWatcherByID(ctx context.Context, id int64) (*domain.WatcherIdentity, error) {
	var w domain.WatcherIdentity
	var gameID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, plugin, game_id, state, created_at FROM watchers WHERE id = ?
	`, id).Scan(&w.ID, &w.Name, &w.Plugin, &gameID, &w.State, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("watcher %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if gameID.Valid {
		w.GameID = &gameID.Int64
	}
	return &w, nil
}

// ListWatchers returns all watcher identities ordered by id.
func (s *Store) ListWatchers(ctx context.Context) ([]domain.WatcherIdentity, error) {
	return s.listWatchers(ctx, `SELECT id, name, plugin, game_id, state, created_at FROM watchers ORDER BY id`)
}

// ListWatchersByState returns watcher identities whose persisted state matches.
func (s *Store) ListWatchersByState(ctx context.Context, state string) ([]domain.WatcherIdentity, error) {
	return s.listWatchers(ctx, `SELECT id, name, plugin, game_id, state, created_at FROM watchers WHERE state = ? ORDER BY id`, state)
}

func (s *Store) listWatchers(ctx context.Context, query string, args ...any) ([]domain.WatcherIdentity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var watchers []domain.WatcherIdentity
	for rows.Next() {
		var w domain.WatcherIdentity
		var gameID sql.NullInt64
		if err := rows.Scan(&w.ID, &w.Name, &w.Plugin, &gameID, &w.State, &w.CreatedAt); err != nil {
			return nil, err
		}
		if gameID.Valid {
			w.GameID = &gameID.Int64
		}
		watchers = append(watchers, w)
	}
	return watchers, rows.Err()
}

// SetWatcherState records the last requested state for a watcher.
func (s *Store) SetWatcherState(ctx context.Context, id int64, state string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE watchers SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("watcher %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteWatcher removes a watcher identity and its config entries. It refuses
// to delete an identity that events still reference.
func (s *Store) DeleteWatcher(ctx context.Context, id int64) error {
	var refs int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE watcher_id = ?`, id).Scan(&refs); err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("watcher %d is referenced by %d events", id, refs)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM watchers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("watcher %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- Config entry methods ---

// GetConfigEntries returns all config entries for a watcher, ordered by key.
func (s *Store) GetConfigEntries(ctx context.Context, watcherID int64) ([]domain.ConfigEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT watcher_id, key, value FROM watcher_configs WHERE watcher_id = ? ORDER BY key
	`, watcherID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.ConfigEntry
	for rows.Next() {
		var e domain.ConfigEntry
		if err := rows.Scan(&e.WatcherID, &e.Key, &e.Value); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpsertConfigEntry creates or updates one config entry.
func (s *Store) UpsertConfigEntry(ctx context.Context, watcherID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watcher_configs (watcher_id, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(watcher_id, key) DO UPDATE SET value = excluded.value
	`, watcherID, key, value)
	return err
}

// DeleteConfigEntry removes one config entry.
func (s *Store) DeleteConfigEntry(ctx context.Context, watcherID int64, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM watcher_configs WHERE watcher_id = ? AND key = ?
	`, watcherID, key)
	return err
}

// --- Event log methods ---

// AppendEvent appends one event to the log and fills in its ID. Events are
// immutable once written.
func (s *Store) AppendEvent(ctx context.Context, ev *domain.Event) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (type, time, watcher_id, user_id, game_id, info)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''))
	`, string(ev.Type), formatTimestamp(ev.Time), ev.WatcherID, ev.UserID, ev.GameID, ev.Info)
	if err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	ev.ID, err = res.LastInsertId()
	return err
}

// EventFilter narrows a QueryEvents call. Nil fields match everything.
type EventFilter struct {
	WatcherID *int64
	UserID    *int64
	Type      *domain.EventType
	Since     *time.Time
	Until     *time.Time
	Limit     int
}

// QueryEvents returns events matching the filter, ordered by (time, id) so a
// single watcher's emission order is preserved.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	query := `SELECT id, type, time, watcher_id, user_id, game_id, info FROM events WHERE 1=1`
	var args []any
	if f.WatcherID != nil {
		query += ` AND watcher_id = ?`
		args = append(args, *f.WatcherID)
	}
	if f.UserID != nil {
		query += ` AND user_id = ?`
		args = append(args, *f.UserID)
	}
	if f.Type != nil {
		query += ` AND type = ?`
		args = append(args, string(*f.Type))
	}
	if f.Since != nil {
		query += ` AND time >= ?`
		args = append(args, formatTimestamp(*f.Since))
	}
	if f.Until != nil {
		query += ` AND time <= ?`
		args = append(args, formatTimestamp(*f.Until))
	}
	query += ` ORDER BY time, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var ev domain.Event
		var typ string
		var watcherID, userID, gameID sql.NullInt64
		var info sql.NullString
		if err := rows.Scan(&ev.ID, &typ, &ev.Time, &watcherID, &userID, &gameID, &info); err != nil {
			return nil, err
		}
		ev.Type = domain.EventType(typ)
		if watcherID.Valid {
			ev.WatcherID = &watcherID.Int64
		}
		if userID.Valid {
			ev.UserID = &userID.Int64
		}
		if gameID.Valid {
			ev.GameID = &gameID.Int64
		}
		ev.Info = info.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- User / game / nickname methods ---

// CreateUser inserts a user and fills in its ID.
func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (name) VALUES (?)`, u.Name)
	if err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

// CreateGame inserts a game and fills in its ID.
func (s *Store) CreateGame(ctx context.Context, g *domain.Game) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO games (name) VALUES (?)`, g.Name)
	if err != nil {
		return fmt.Errorf("creating game: %w", err)
	}
	g.ID, err = res.LastInsertId()
	return err
}

// SetNickname binds an in-game name to a user for one game.
func (s *Store) SetNickname(ctx context.Context, userID, gameID int64, nick string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nicknames (user_id, game_id, nick)
		VALUES (?, ?, ?)
		ON CONFLICT(game_id, nick) DO UPDATE SET user_id = excluded.user_id
	`, userID, gameID, nick)
	return err
}

// ResolveNickname maps an in-game name to a user id for one game, or
// ErrNotFound when no user carries that nickname.
func (s *Store) ResolveNickname(ctx context.Context, nick string, gameID int64) (int64, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM nicknames WHERE game_id = ? AND nick = ?
	`, gameID, nick).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("nickname %q in game %d: %w", nick, gameID, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return userID, nil
}
