package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"gamemon/internal/domain"
	"gamemon/internal/storage"
	"gamemon/internal/watcher"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encoding response: %v", err)
	}
}

// writeError maps the watcher subsystem's typed errors to HTTP statuses. The
// message is the error text so the excluded admin layer can flash it as-is.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var missing *watcher.MissingConfigError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, watcher.ErrAlreadyRunning), errors.Is(err, watcher.ErrNotRunning):
		status = http.StatusConflict
	case errors.Is(err, watcher.ErrUnknownPlugin), errors.Is(err, watcher.ErrPluginMismatch):
		status = http.StatusBadRequest
	case errors.As(err, &missing):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(req *http.Request) (int64, error) {
	return strconv.ParseInt(req.PathValue("id"), 10, 64)
}

// watcherResponse is an identity plus its live-registry flag.
type watcherResponse struct {
	domain.WatcherIdentity
	Running bool `json:"running"`
}

func (r *Router) handleListWatchers(w http.ResponseWriter, req *http.Request) {
	identities, err := r.store.ListWatchers(req.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make([]watcherResponse, 0, len(identities))
	for _, identity := range identities {
		resp = append(resp, watcherResponse{WatcherIdentity: identity, Running: r.manager.IsRunning(identity.ID)})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleGetWatcher(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		http.Error(w, "invalid watcher id", http.StatusBadRequest)
		return
	}
	identity, err := r.store.GetWatcherByID(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, watcherResponse{WatcherIdentity: *identity, Running: r.manager.IsRunning(id)})
}

func (r *Router) handleStartWatcher(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		http.Error(w, "invalid watcher id", http.StatusBadRequest)
		return
	}
	if err := r.manager.Start(req.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "running": true})
}

func (r *Router) handleStopWatcher(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		http.Error(w, "invalid watcher id", http.StatusBadRequest)
		return
	}
	if err := r.manager.Stop(req.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "running": false})
}

func (r *Router) handleReloadWatcher(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		http.Error(w, "invalid watcher id", http.StatusBadRequest)
		return
	}
	if err := r.manager.Reload(req.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "reloaded": true})
}

func (r *Router) handleIsRunning(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		http.Error(w, "invalid watcher id", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "running": r.manager.IsRunning(id)})
}

func (r *Router) handleGetConfig(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		http.Error(w, "invalid watcher id", http.StatusBadRequest)
		return
	}
	if _, err := r.store.GetWatcherByID(req.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	entries, err := r.store.GetConfigEntries(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handlePutConfig upserts the posted key/value pairs. A running watcher
// observes the edit on its next reload, never implicitly.
func (r *Router) handlePutConfig(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req)
	if err != nil {
		http.Error(w, "invalid watcher id", http.StatusBadRequest)
		return
	}
	if _, err := r.store.GetWatcherByID(req.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	var values map[string]string
	if err := json.NewDecoder(req.Body).Decode(&values); err != nil {
		http.Error(w, "invalid config body", http.StatusBadRequest)
		return
	}
	for key, value := range values {
		if err := r.store.UpsertConfigEntry(req.Context(), id, key, value); err != nil {
			writeError(w, err)
			return
		}
	}
	entries, err := r.store.GetConfigEntries(req.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleGetEvents(w http.ResponseWriter, req *http.Request) {
	var filter storage.EventFilter

	q := req.URL.Query()
	if v := q.Get("watcher_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid watcher_id", http.StatusBadRequest)
			return
		}
		filter.WatcherID = &id
	}
	if v := q.Get("type"); v != "" {
		typ := domain.EventType(v)
		if !typ.Valid() {
			http.Error(w, "unknown event type", http.StatusBadRequest)
			return
		}
		filter.Type = &typ
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid since timestamp", http.StatusBadRequest)
			return
		}
		filter.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid until timestamp", http.StatusBadRequest)
			return
		}
		filter.Until = &t
	}
	filter.Limit = 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	events, err := r.store.QueryEvents(req.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleGetPlugins returns every registered plugin and its config key schema,
// consumed by the administrative edit form.
func (r *Router) handleGetPlugins(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, watcher.Plugins())
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
