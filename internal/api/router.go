package api

import (
	"net/http"

	"gamemon/internal/storage"
	"gamemon/internal/watcher"
)

// Router holds the HTTP routes and dependencies. This is the administrative
// command surface: the watcher manager's start/stop/reload plus event log and
// config inspection. Rendering, auth, and general CRUD live elsewhere.
type Router struct {
	mux     *http.ServeMux
	store   *storage.Store
	manager *watcher.Manager
	wsHub   *WebSocketHub
}

// NewRouter creates a new HTTP router
func NewRouter(store *storage.Store, manager *watcher.Manager, hub *WebSocketHub) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		store:   store,
		manager: manager,
		wsHub:   hub,
	}

	r.mux.HandleFunc("GET /api/watchers", r.handleListWatchers)
	r.mux.HandleFunc("GET /api/watchers/{id}", r.handleGetWatcher)
	r.mux.HandleFunc("POST /api/watchers/{id}/start", r.handleStartWatcher)
	r.mux.HandleFunc("POST /api/watchers/{id}/stop", r.handleStopWatcher)
	r.mux.HandleFunc("POST /api/watchers/{id}/reload", r.handleReloadWatcher)
	r.mux.HandleFunc("GET /api/watchers/{id}/running", r.handleIsRunning)
	r.mux.HandleFunc("GET /api/watchers/{id}/config", r.handleGetConfig)
	r.mux.HandleFunc("PUT /api/watchers/{id}/config", r.handlePutConfig)

	r.mux.HandleFunc("GET /api/events", r.handleGetEvents)
	r.mux.HandleFunc("GET /api/plugins", r.handleGetPlugins)

	r.mux.HandleFunc("GET /ws", r.handleWebSocket)
	r.mux.HandleFunc("GET /health", r.handleHealth)

	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}
