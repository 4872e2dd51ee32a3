package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/felixsoderstrom/indexbot/internal/types"
)

// Registry is the authoritative, process-wide mapping of server_id to
// types.ServerConfig. It holds an in-memory mirror of the server_configs
// table, guarded by an RWMutex for cheap concurrent reads from every
// pipeline and agent goroutine, and backs writes through a [Store].
//
// Concurrent ensure_configured calls for the same server are collapsed with
// a singleflight.Group so a burst of messages from a newly joined server
// only runs the setup prompt once.
type Registry struct {
	store    *Store
	prompter SetupPrompter

	mu      sync.RWMutex
	servers map[string]types.ServerConfig

	setup singleflight.Group
}

// NewRegistry constructs a Registry backed by store and loads the current
// mirror from the database.
func NewRegistry(ctx context.Context, store *Store, prompter SetupPrompter) (*Registry, error) {
	r := &Registry{
		store:    store,
		prompter: prompter,
		servers:  make(map[string]types.ServerConfig),
	}
	if err := r.reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// reload replaces the in-memory mirror with the current database state.
func (r *Registry) reload(ctx context.Context) error {
	servers, err := r.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("config registry: load all: %w", err)
	}
	r.mu.Lock()
	r.servers = servers
	r.mu.Unlock()
	return nil
}

// IsConfigured reports whether serverID has a persisted ServerConfig.
func (r *Registry) IsConfigured(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[serverID]
	return ok
}

// Get returns the ServerConfig for serverID, if one is loaded.
func (r *Registry) Get(serverID string) (types.ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.servers[serverID]
	return sc, ok
}

// EnsureConfigured returns the ServerConfig for serverID, running the setup
// flow via the injected SetupPrompter the first time a server is seen.
// Concurrent calls for the same serverID collapse onto a single setup
// invocation; the second bool return reports whether setup ran on this call.
func (r *Registry) EnsureConfigured(ctx context.Context, serverID, serverName string) (types.ServerConfig, bool, error) {
	if sc, ok := r.Get(serverID); ok {
		return sc, false, nil
	}

	v, err, _ := r.setup.Do(serverID, func() (any, error) {
		// Re-check under the singleflight key in case a concurrent caller
		// already finished setup while we were waiting to enter Do.
		if sc, ok := r.Get(serverID); ok {
			return sc, nil
		}

		result, err := r.prompter.PromptSetup(serverID, serverName)
		if err != nil {
			return nil, fmt.Errorf("config registry: setup prompt for %q: %w", serverID, err)
		}

		sc := types.ServerConfig{
			ServerID:         serverID,
			ServerName:       serverName,
			ErrorPolicy:      result.ErrorPolicy,
			EmbeddingModelID: result.EmbeddingModelID,
			CreatedAt:        now(),
			UpdatedAt:        now(),
		}
		if err := r.store.Insert(ctx, sc); err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.servers[serverID] = sc
		r.mu.Unlock()
		return sc, nil
	})
	if err != nil {
		return types.ServerConfig{}, false, err
	}
	return v.(types.ServerConfig), true, nil
}

// Servers returns a snapshot of every currently configured ServerConfig,
// for callers (the DM command router's `!ask` server listing) that need to
// enumerate rather than look up a single server.
func (r *Registry) Servers() []types.ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ServerConfig, 0, len(r.servers))
	for _, sc := range r.servers {
		out = append(out, sc)
	}
	return out
}

// UpdateNameIfChanged persists a server's display name change when Discord
// reports a rename, and updates the in-memory mirror. It is a no-op when the
// name is unchanged or the server is not yet configured.
func (r *Registry) UpdateNameIfChanged(ctx context.Context, serverID, newName string) error {
	sc, ok := r.Get(serverID)
	if !ok || sc.ServerName == newName {
		return nil
	}

	if err := r.store.UpdateServerName(ctx, serverID, newName); err != nil {
		return err
	}

	r.mu.Lock()
	sc = r.servers[serverID]
	sc.ServerName = newName
	sc.UpdatedAt = now()
	r.servers[serverID] = sc
	r.mu.Unlock()
	return nil
}

// now is a seam so tests can observe deterministic timestamps if needed.
var now = time.Now
