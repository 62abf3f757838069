package watcher

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"gamemon/internal/domain"
	"gamemon/internal/storage"
)

// Manager is the single authority for which watchers are live in this
// process. One mutex guards the whole check-and-insert / check-and-remove
// sequence, so two concurrent Start calls for the same id can never both pass
// the not-running check.
type Manager struct {
	store  *storage.Store
	dbPath string
	sink   EventSink

	mu      sync.Mutex
	running map[int64]*Watcher
}

// NewManager creates a manager. The store handle is the manager's own for
// identity and state reads; each started watcher opens a private handle from
// dbPath.
func NewManager(store *storage.Store, dbPath string, sink EventSink) *Manager {
	return &Manager{
		store:   store,
		dbPath:  dbPath,
		sink:    sink,
		running: make(map[int64]*Watcher),
	}
}

// Start loads the identity, instantiates its declared plugin through the
// registry, registers the worker, and starts it. Fails with ErrAlreadyRunning
// if a worker for id is live, storage.ErrNotFound for an unknown id,
// ErrUnknownPlugin for an unregistered plugin reference, and construction
// errors (MissingConfigError, ErrPluginMismatch) as-is. A failed start never
// leaves a registry entry behind.
func (m *Manager) Start(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.running[id]; ok {
		return fmt.Errorf("watcher %d: %w", id, ErrAlreadyRunning)
	}

	identity, err := m.store.GetWatcherByID(ctx, id)
	if err != nil {
		return err
	}

	factory, err := Lookup(identity.Plugin)
	if err != nil {
		return fmt.Errorf("watcher %d: %w", id, err)
	}

	// Private storage handle, owned by the worker until Stop.
	ws, err := storage.New(m.dbPath)
	if err != nil {
		return fmt.Errorf("watcher %d: opening store: %w", id, err)
	}

	w, err := New(ctx, ws, id, identity.Plugin, factory(), m.sink)
	if err != nil {
		ws.Close()
		return err
	}

	m.running[id] = w
	w.Start()

	if err := m.store.SetWatcherState(ctx, id, domain.WatcherRunning); err != nil {
		log.Printf("manager: persisting running state for watcher %d: %v", id, err)
	}
	log.Printf("manager: started watcher %d (%s)", id, identity.Plugin)
	return nil
}

// Stop removes the registry entry and joins the worker; it returns only once
// the polling loop has fully exited. Fails with ErrNotRunning when no worker
// for id is live.
func (m *Manager) Stop(ctx context.Context, id int64) error {
	return m.stop(ctx, id, true)
}

func (m *Manager) stop(ctx context.Context, id int64, persist bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.running[id]
	if !ok {
		return fmt.Errorf("watcher %d: %w", id, ErrNotRunning)
	}
	delete(m.running, id)
	w.Stop()

	if persist {
		if err := m.store.SetWatcherState(ctx, id, domain.WatcherStopped); err != nil {
			log.Printf("manager: persisting stopped state for watcher %d: %v", id, err)
		}
	}
	log.Printf("manager: stopped watcher %d", id)
	return nil
}

// Reload delegates to the worker's Reload. Fails with ErrNotRunning when no
// worker for id is live.
func (m *Manager) Reload(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.running[id]
	if !ok {
		return fmt.Errorf("watcher %d: %w", id, ErrNotRunning)
	}
	return w.Reload(ctx)
}

// IsRunning reports whether a live worker exists for id. Pure registry
// lookup; never touches the worker.
func (m *Manager) IsRunning(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[id]
	return ok
}

// Running returns the ids of all live workers, sorted.
func (m *Manager) Running() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ResumeRunning starts every watcher whose persisted state is running. Called
// once at process startup to reconcile with the pre-restart registry, which
// is not persisted. Individual failures are logged and skipped.
func (m *Manager) ResumeRunning(ctx context.Context) {
	identities, err := m.store.ListWatchersByState(ctx, domain.WatcherRunning)
	if err != nil {
		log.Printf("manager: listing watchers to resume: %v", err)
		return
	}
	for _, identity := range identities {
		if err := m.Start(ctx, identity.ID); err != nil {
			log.Printf("manager: resuming watcher %d: %v", identity.ID, err)
		}
	}
}

// StopAll stops every live worker without touching the persisted state, so a
// process restart resumes them. Used for graceful shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	for _, id := range m.Running() {
		if err := m.stop(ctx, id, false); err != nil {
			log.Printf("manager: stopping watcher %d: %v", id, err)
		}
	}
}
