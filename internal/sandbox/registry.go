package sandbox

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/analyst/pkg/models"
)

// Registry tracks every leased sandbox that has not been released yet.
type Registry struct {
	mu     sync.RWMutex
	leases map[string]*Lease // key: sandbox ID
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{leases: make(map[string]*Lease)}
}

func (r *Registry) track(l *Lease) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leases[l.handle.ID] = l
}

func (r *Registry) forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.leases, id)
}

// Live returns the handles of all unreleased sandboxes.
func (r *Registry) Live() []*models.SandboxHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.SandboxHandle, 0, len(r.leases))
	for _, l := range r.leases {
		out = append(out, l.handle)
	}
	return out
}

// ReleaseAll releases every live lease. Called on server shutdown.
func (r *Registry) ReleaseAll(ctx context.Context) error {
	r.mu.RLock()
	leases := make([]*Lease, 0, len(r.leases))
	for _, l := range r.leases {
		leases = append(leases, l)
	}
	r.mu.RUnlock()

	var lastErr error
	for _, l := range leases {
		if err := l.Release(ctx); err != nil {
			log.Warn().Err(err).Str("sandbox", l.handle.ID).Msg("Failed to release sandbox during shutdown")
			lastErr = err
		}
	}

	log.Info().Int("count", len(leases)).Msg("All sandboxes released")
	return lastErr
}
