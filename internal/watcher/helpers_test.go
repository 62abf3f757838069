package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"gamemon/internal/domain"
	"gamemon/internal/storage"
)

func init() {
	Register("fake", func() Plugin { return &fakePlugin{} })
}

// fakePlugin blocks until shutdown. Its schema exercises both value types and
// the required/optional split.
type fakePlugin struct{}

func (p *fakePlugin) ConfigKeys() domain.ConfigSchema {
	return domain.ConfigSchema{
		"greeting": {Type: domain.ConfigString, Required: true},
		"retries":  {Type: domain.ConfigInt, Required: false},
		"ratio":    {Type: domain.ConfigFloat, Required: false},
	}
}

func (p *fakePlugin) Run(w *Watcher) error {
	<-w.Shutdown()
	return nil
}

// newTestStore opens a store on a fresh database file and returns its path so
// watchers can open private handles on the same database.
func newTestStore(t *testing.T) (*storage.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gamemon.db")
	store, err := storage.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

// newFakeIdentity creates a watcher identity for the fake plugin with its
// required config entry set.
func newFakeIdentity(t *testing.T, store *storage.Store, name string) int64 {
	t.Helper()
	ctx := context.Background()
	identity := &domain.WatcherIdentity{Name: name, Plugin: "fake"}
	require.NoError(t, store.CreateWatcher(ctx, identity))
	require.NoError(t, store.UpsertConfigEntry(ctx, identity.ID, "greeting", "hello"))
	return identity.ID
}

// newFakeWatcher constructs a Watcher over a private store handle, the way
// the manager does.
func newFakeWatcher(t *testing.T, dbPath string, id int64, sink EventSink) *Watcher {
	t.Helper()
	ws, err := storage.New(dbPath)
	require.NoError(t, err)
	w, err := New(context.Background(), ws, id, "fake", &fakePlugin{}, sink)
	require.NoError(t, err)
	return w
}

// recordingSink captures forwarded events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Sink(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]domain.EventType, 0, len(s.events))
	for _, ev := range s.events {
		types = append(types, ev.Type)
	}
	return types
}

// eventTypes reads back the persisted event types for one watcher, in log
// order.
func eventTypes(t *testing.T, store *storage.Store, watcherID int64) []domain.EventType {
	t.Helper()
	events, err := store.QueryEvents(context.Background(), storage.EventFilter{WatcherID: &watcherID})
	require.NoError(t, err)
	types := make([]domain.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}
