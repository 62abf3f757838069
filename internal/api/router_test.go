package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"gamemon/internal/domain"
	"gamemon/internal/storage"
	"gamemon/internal/watcher"
)

func init() {
	watcher.Register("stub", func() watcher.Plugin { return &stubPlugin{} })
}

type stubPlugin struct{}

func (p *stubPlugin) ConfigKeys() domain.ConfigSchema {
	return domain.ConfigSchema{
		"target": {Type: domain.ConfigString, Required: true},
	}
}

func (p *stubPlugin) Run(w *watcher.Watcher) error {
	<-w.Shutdown()
	return nil
}

func newTestRouter(t *testing.T) (*Router, *storage.Store, *watcher.Manager) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "gamemon.db")
	store, err := storage.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	manager := watcher.NewManager(store, dbPath, nil)
	t.Cleanup(func() { manager.StopAll(context.Background()) })

	return NewRouter(store, manager, NewWebSocketHub()), store, manager
}

func newStubWatcher(t *testing.T, store *storage.Store) int64 {
	t.Helper()
	ctx := context.Background()
	identity := &domain.WatcherIdentity{Name: "stubbed", Plugin: "stub"}
	require.NoError(t, store.CreateWatcher(ctx, identity))
	require.NoError(t, store.UpsertConfigEntry(ctx, identity.ID, "target", "example.com"))
	return identity.ID
}

func doRequest(t *testing.T, router *Router, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestWatcherLifecycleEndpoints(t *testing.T) {
	router, store, manager := newTestRouter(t)
	id := newStubWatcher(t, store)

	rec := doRequest(t, router, "GET", "/api/watchers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]watcherResponse](t, rec)
	require.Len(t, list, 1)
	require.False(t, list[0].Running)

	rec = doRequest(t, router, "POST", "/api/watchers/1/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, manager.IsRunning(id))

	rec = doRequest(t, router, "GET", "/api/watchers/1/running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]any](t, rec)
	require.Equal(t, true, status["running"])

	// A second start conflicts rather than spawning a second worker.
	rec = doRequest(t, router, "POST", "/api/watchers/1/start", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, router, "POST", "/api/watchers/1/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, "POST", "/api/watchers/1/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, manager.IsRunning(id))

	rec = doRequest(t, router, "POST", "/api/watchers/1/stop", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestWatcherEndpointsUnknownID(t *testing.T) {
	router, _, _ := newTestRouter(t)

	require.Equal(t, http.StatusNotFound, doRequest(t, router, "GET", "/api/watchers/42", nil).Code)
	require.Equal(t, http.StatusNotFound, doRequest(t, router, "POST", "/api/watchers/42/start", nil).Code)
	require.Equal(t, http.StatusNotFound, doRequest(t, router, "GET", "/api/watchers/42/config", nil).Code)
	require.Equal(t, http.StatusBadRequest, doRequest(t, router, "GET", "/api/watchers/nope", nil).Code)
}

func TestStartMissingConfigRejected(t *testing.T) {
	router, store, _ := newTestRouter(t)

	identity := &domain.WatcherIdentity{Name: "unconfigured", Plugin: "stub"}
	require.NoError(t, store.CreateWatcher(context.Background(), identity))

	rec := doRequest(t, router, "POST", "/api/watchers/1/start", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[map[string]string](t, rec)
	require.Contains(t, body["error"], "target")
}

func TestConfigEndpoints(t *testing.T) {
	router, store, _ := newTestRouter(t)
	newStubWatcher(t, store)

	rec := doRequest(t, router, "GET", "/api/watchers/1/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]domain.ConfigEntry](t, rec)
	require.Len(t, entries, 1)
	require.Equal(t, "target", entries[0].Key)

	payload, _ := json.Marshal(map[string]string{"target": "other.example.com", "extra": "1"})
	rec = doRequest(t, router, "PUT", "/api/watchers/1/config", payload)
	require.Equal(t, http.StatusOK, rec.Code)
	entries = decode[[]domain.ConfigEntry](t, rec)
	require.Len(t, entries, 2)

	rec = doRequest(t, router, "PUT", "/api/watchers/1/config", []byte("not json"))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsEndpoint(t *testing.T) {
	router, store, _ := newTestRouter(t)
	id := newStubWatcher(t, store)

	ctx := context.Background()
	for _, typ := range []domain.EventType{domain.EventWatcherStart, domain.EventWatcherStop} {
		ev := &domain.Event{Type: typ, WatcherID: &id}
		require.NoError(t, store.AppendEvent(ctx, ev))
	}

	rec := doRequest(t, router, "GET", "/api/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]domain.Event](t, rec)
	require.Len(t, events, 2)

	rec = doRequest(t, router, "GET", "/api/events?type=watcher_start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events = decode[[]domain.Event](t, rec)
	require.Len(t, events, 1)
	require.Equal(t, domain.EventWatcherStart, events[0].Type)

	rec = doRequest(t, router, "GET", "/api/events?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]domain.Event](t, rec), 1)

	require.Equal(t, http.StatusBadRequest, doRequest(t, router, "GET", "/api/events?type=bogus", nil).Code)
	require.Equal(t, http.StatusBadRequest, doRequest(t, router, "GET", "/api/events?since=yesterday", nil).Code)
	require.Equal(t, http.StatusBadRequest, doRequest(t, router, "GET", "/api/events?limit=0", nil).Code)
}

func TestPluginsEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doRequest(t, router, "GET", "/api/plugins", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	plugins := decode[map[string]domain.ConfigSchema](t, rec)
	require.Contains(t, plugins, "stub")
	require.Contains(t, plugins, "quake3")
	require.Contains(t, plugins, "source")
	require.Contains(t, plugins, "logtail")
	require.True(t, plugins["stub"]["target"].Required)
}

func TestHealthEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)
	rec := doRequest(t, router, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
