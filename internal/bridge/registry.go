package bridge

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/gaspardpetit/acpx/internal/logx"
	"github.com/gaspardpetit/acpx/internal/metrics"
)

// Registry maps server ids to live bridges. Bridges are created lazily
// on first use and torn down individually or all at once.
type Registry struct {
	log     zerolog.Logger
	factory func(serverID string) *Bridge

	mu      sync.Mutex
	bridges map[string]*Bridge
}

// NewRegistry builds a registry that creates bridges with factory.
func NewRegistry(factory func(serverID string) *Bridge) *Registry {
	return &Registry{
		log:     logx.Log.With().Str("component", "registry").Logger(),
		factory: factory,
		bridges: map[string]*Bridge{},
	}
}

// Ensure returns the bridge for serverID, creating it if needed.
func (r *Registry) Ensure(serverID string) *Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bridges[serverID]
	if !ok {
		b = r.factory(serverID)
		r.bridges[serverID] = b
		metrics.BridgeAdded()
		r.log.Info().Str("server_id", serverID).Msg("bridge created")
	}
	return b
}

// Get returns the bridge for serverID without creating one.
func (r *Registry) Get(serverID string) (*Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bridges[serverID]
	return b, ok
}

// Remove shuts the bridge for serverID down and forgets it. It reports
// whether a bridge existed.
func (r *Registry) Remove(serverID string) bool {
	r.mu.Lock()
	b, ok := r.bridges[serverID]
	delete(r.bridges, serverID)
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Shutdown()
	metrics.BridgeRemoved()
	r.log.Info().Str("server_id", serverID).Msg("bridge removed")
	return true
}

// RestartAll shuts every bridge down and clears the registry, so the next
// request for each server id starts a fresh agent. Returns the number of
// bridges stopped.
func (r *Registry) RestartAll(reason string) int {
	r.mu.Lock()
	bridges := r.bridges
	r.bridges = map[string]*Bridge{}
	r.mu.Unlock()
	for _, b := range bridges {
		b.Shutdown()
		metrics.BridgeRemoved()
	}
	if len(bridges) > 0 {
		r.log.Info().Int("count", len(bridges)).Str("reason", reason).Msg("all bridges restarted")
	}
	return len(bridges)
}

// Shutdown stops every bridge; used on process exit.
func (r *Registry) Shutdown() {
	r.RestartAll("shutdown")
}

// IDs lists the server ids with live bridges.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.bridges))
	for id := range r.bridges {
		ids = append(ids, id)
	}
	return ids
}
