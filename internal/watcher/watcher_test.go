package watcher

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"gamemon/internal/domain"
	"gamemon/internal/storage"
)

func TestWatcherStartStopEvents(t *testing.T) {
	store, dbPath := newTestStore(t)
	id := newFakeIdentity(t, store, "lifecycle")

	sink := &recordingSink{}
	w := newFakeWatcher(t, dbPath, id, sink.Sink)
	w.Start()
	w.Stop()

	want := []domain.EventType{domain.EventWatcherStart, domain.EventWatcherStop}
	require.Equal(t, want, eventTypes(t, store, id))
	require.Equal(t, want, sink.Types())
}

func TestWatcherStopIdempotent(t *testing.T) {
	store, dbPath := newTestStore(t)
	id := newFakeIdentity(t, store, "idempotent")

	w := newFakeWatcher(t, dbPath, id, nil)
	w.Start()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Stop()
		}()
	}
	wg.Wait()
	w.Stop()

	types := eventTypes(t, store, id)
	require.Equal(t, []domain.EventType{domain.EventWatcherStart, domain.EventWatcherStop}, types)
}

func TestWatcherStopWithoutStart(t *testing.T) {
	store, dbPath := newTestStore(t)
	id := newFakeIdentity(t, store, "never-started")

	w := newFakeWatcher(t, dbPath, id, nil)
	w.Stop()

	require.Equal(t, []domain.EventType{domain.EventWatcherStop}, eventTypes(t, store, id))
}

func TestWatcherMissingRequiredConfig(t *testing.T) {
	store, dbPath := newTestStore(t)
	ctx := context.Background()

	identity := &domain.WatcherIdentity{Name: "bare", Plugin: "fake"}
	require.NoError(t, store.CreateWatcher(ctx, identity))

	ws, err := storage.New(dbPath)
	require.NoError(t, err)
	defer ws.Close()

	_, err = New(ctx, ws, identity.ID, "fake", &fakePlugin{}, nil)
	var missing *MissingConfigError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "greeting", missing.Key)
}

func TestWatcherPluginMismatch(t *testing.T) {
	store, dbPath := newTestStore(t)
	id := newFakeIdentity(t, store, "mismatch")

	ws, err := storage.New(dbPath)
	require.NoError(t, err)
	defer ws.Close()

	_, err = New(context.Background(), ws, id, "quake3", &Quake3Plugin{}, nil)
	require.ErrorIs(t, err, ErrPluginMismatch)
}

func TestWatcherConfigCoercion(t *testing.T) {
	store, dbPath := newTestStore(t)
	ctx := context.Background()
	id := newFakeIdentity(t, store, "coercion")
	require.NoError(t, store.UpsertConfigEntry(ctx, id, "retries", "3"))
	require.NoError(t, store.UpsertConfigEntry(ctx, id, "ratio", "0.5"))

	w := newFakeWatcher(t, dbPath, id, nil)
	defer w.Stop()

	cfg := w.Config()
	require.Equal(t, "hello", cfg.String("greeting"))
	require.Equal(t, 3, cfg.Int("retries"))
	require.Equal(t, 0.5, cfg.Float("ratio"))
}

func TestWatcherOptionalConfigAbsent(t *testing.T) {
	store, dbPath := newTestStore(t)
	id := newFakeIdentity(t, store, "optional")

	w := newFakeWatcher(t, dbPath, id, nil)
	defer w.Stop()

	cfg := w.Config()
	require.False(t, cfg.Has("retries"))
	require.Zero(t, cfg.Int("retries"))
}

func TestWatcherConfigBadInteger(t *testing.T) {
	store, dbPath := newTestStore(t)
	ctx := context.Background()
	id := newFakeIdentity(t, store, "bad-int")
	require.NoError(t, store.UpsertConfigEntry(ctx, id, "retries", "many"))

	ws, err := storage.New(dbPath)
	require.NoError(t, err)
	defer ws.Close()

	_, err = New(ctx, ws, id, "fake", &fakePlugin{}, nil)
	require.Error(t, err)
}

func TestWatcherReload(t *testing.T) {
	store, dbPath := newTestStore(t)
	ctx := context.Background()
	id := newFakeIdentity(t, store, "reload")

	w := newFakeWatcher(t, dbPath, id, nil)
	w.Start()

	require.NoError(t, store.UpsertConfigEntry(ctx, id, "greeting", "goodbye"))
	require.NoError(t, w.Reload(ctx))
	require.Equal(t, "goodbye", w.Config().String("greeting"))

	w.Stop()

	want := []domain.EventType{
		domain.EventWatcherStart,
		domain.EventWatcherReload,
		domain.EventWatcherStop,
	}
	require.Equal(t, want, eventTypes(t, store, id))
}

func TestWatcherReloadUnchangedConfig(t *testing.T) {
	store, dbPath := newTestStore(t)
	ctx := context.Background()
	id := newFakeIdentity(t, store, "reload-same")

	w := newFakeWatcher(t, dbPath, id, nil)
	defer w.Stop()

	before := w.Config()
	require.NoError(t, w.Reload(ctx))
	require.NoError(t, w.Reload(ctx))
	require.Equal(t, before, w.Config())

	// Each reload still leaves its mark in the log.
	want := []domain.EventType{domain.EventWatcherReload, domain.EventWatcherReload}
	require.Equal(t, want, eventTypes(t, store, id))
}

func TestWatcherReloadMissingRequired(t *testing.T) {
	store, dbPath := newTestStore(t)
	ctx := context.Background()
	id := newFakeIdentity(t, store, "reload-missing")

	w := newFakeWatcher(t, dbPath, id, nil)
	defer w.Stop()

	before := w.Config()
	require.NoError(t, store.DeleteConfigEntry(ctx, id, "greeting"))

	var missing *MissingConfigError
	require.ErrorAs(t, w.Reload(ctx), &missing)
	// A failed reload leaves the previous config in place.
	require.Equal(t, before, w.Config())
}

func TestConnectionLostDedup(t *testing.T) {
	store, dbPath := newTestStore(t)
	id := newFakeIdentity(t, store, "connectivity")

	w := newFakeWatcher(t, dbPath, id, nil)
	defer w.Stop()

	// Reacquired without a preceding loss is silent.
	w.ConnectionReacquiredEvent()

	w.ConnectionLostEvent()
	w.ConnectionLostEvent()
	w.ConnectionLostEvent()
	w.ConnectionReacquiredEvent()
	w.ConnectionReacquiredEvent()
	w.ConnectionLostEvent()

	want := []domain.EventType{
		domain.EventWatcherConnectionLost,
		domain.EventWatcherConnectionReacquired,
		domain.EventWatcherConnectionLost,
	}
	require.Equal(t, want, eventTypes(t, store, id))
}

func TestGetUserResolution(t *testing.T) {
	store, dbPath := newTestStore(t)
	ctx := context.Background()

	game := &domain.Game{Name: "quake3"}
	require.NoError(t, store.CreateGame(ctx, game))
	user := &domain.User{Name: "alice"}
	require.NoError(t, store.CreateUser(ctx, user))
	require.NoError(t, store.SetNickname(ctx, user.ID, game.ID, "Angel"))

	identity := &domain.WatcherIdentity{Name: "resolver", Plugin: "fake", GameID: &game.ID}
	require.NoError(t, store.CreateWatcher(ctx, identity))
	require.NoError(t, store.UpsertConfigEntry(ctx, identity.ID, "greeting", "hello"))

	w := newFakeWatcher(t, dbPath, identity.ID, nil)
	defer w.Stop()

	userID, err := w.GetUser("Angel")
	require.NoError(t, err)
	require.Equal(t, user.ID, userID)

	_, err = w.GetUser("stranger")
	require.ErrorIs(t, err, ErrUnknownNickname)
}

func TestGetUserWithoutGame(t *testing.T) {
	store, dbPath := newTestStore(t)
	id := newFakeIdentity(t, store, "gameless")

	w := newFakeWatcher(t, dbPath, id, nil)
	defer w.Stop()

	_, err := w.GetUser("anyone")
	require.ErrorIs(t, err, ErrUnknownNickname)
}

func TestScoreEventPersisted(t *testing.T) {
	store, dbPath := newTestStore(t)
	ctx := context.Background()

	game := &domain.Game{Name: "quake3"}
	require.NoError(t, store.CreateGame(ctx, game))
	user := &domain.User{Name: "bob"}
	require.NoError(t, store.CreateUser(ctx, user))
	require.NoError(t, store.SetNickname(ctx, user.ID, game.ID, "bob2000"))

	identity := &domain.WatcherIdentity{Name: "scorer", Plugin: "fake", GameID: &game.ID}
	require.NoError(t, store.CreateWatcher(ctx, identity))
	require.NoError(t, store.UpsertConfigEntry(ctx, identity.ID, "greeting", "hello"))

	w := newFakeWatcher(t, dbPath, identity.ID, nil)
	defer w.Stop()

	require.NoError(t, w.ScoreEvent("bob2000", 12))

	typ := domain.EventUserScore
	events, err := store.QueryEvents(ctx, storage.EventFilter{Type: &typ})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "12", events[0].Info)
	require.NotNil(t, events[0].UserID)
	require.Equal(t, user.ID, *events[0].UserID)
	require.NotNil(t, events[0].GameID)
	require.Equal(t, game.ID, *events[0].GameID)
}
