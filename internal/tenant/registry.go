package tenant

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/knowledge-agent/internal/errors"
)

// Builder constructs the app for one tenant.
type Builder func(ctx context.Context, tenantID string) (*App, error)

type entry struct {
	ready chan struct{}
	app   *App
	err   error
}

// Registry holds one App per tenant, created on first use. Concurrent first
// uses of a tenant share a single construction; a failed construction is
// forgotten so the next use tries again.
type Registry struct {
	build  Builder
	deps   Deps
	logger zerolog.Logger

	mu   sync.Mutex
	apps map[string]*entry
}

// NewRegistry creates a registry that builds apps from deps, reading each
// tenant's Slack credentials from its tenant configuration.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "tenant_registry").Logger(),
		apps:   make(map[string]*entry),
	}
	r.build = func(ctx context.Context, tenantID string) (*App, error) {
		return New(ctx, tenantID, deps.Settings.For(tenantID), deps)
	}
	return r
}

// WithBuilder replaces how apps are constructed.
func (r *Registry) WithBuilder(b Builder) *Registry {
	r.build = b
	return r
}

// Get returns the tenant's app, building it if needed.
func (r *Registry) Get(ctx context.Context, tenantID string) (*App, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("empty tenant id: %w", perrors.ErrInvalidInput)
	}

	r.mu.Lock()
	e, ok := r.apps[tenantID]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		r.apps[tenantID] = e
	}
	r.mu.Unlock()

	if ok {
		select {
		case <-e.ready:
			return e.app, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// The build outlives the caller that happened to trigger it.
	e.app, e.err = r.build(context.WithoutCancel(ctx), tenantID)
	if e.err != nil {
		r.logger.Error().Err(e.err).Str("tenant", tenantID).Msg("failed to create tenant app")
		r.mu.Lock()
		if r.apps[tenantID] == e {
			delete(r.apps, tenantID)
		}
		r.mu.Unlock()
	}
	close(e.ready)
	r.deps.Metrics.SetTenantApps(r.Count())
	return e.app, e.err
}

// Preload registers an already built app. It returns false when the tenant
// already has one.
func (r *Registry) Preload(app *App) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.apps[app.TenantID()]; ok {
		return false
	}
	e := &entry{ready: make(chan struct{}), app: app}
	close(e.ready)
	r.apps[app.TenantID()] = e
	r.deps.Metrics.SetTenantApps(r.liveLocked())
	return true
}

// Disconnect stops and forgets the tenant's app. It reports whether there
// was one.
func (r *Registry) Disconnect(tenantID string) bool {
	r.mu.Lock()
	e, ok := r.apps[tenantID]
	delete(r.apps, tenantID)
	r.mu.Unlock()
	if !ok {
		return false
	}

	<-e.ready
	if e.app == nil {
		return false
	}
	e.app.Stop()
	r.deps.Metrics.SetTenantApps(r.Count())
	r.logger.Info().Str("tenant", tenantID).Msg("tenant app disconnected")
	return true
}

// StopAll stops every app. Used at shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	entries := r.apps
	r.apps = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.app != nil {
			e.app.Stop()
		}
	}
	r.deps.Metrics.SetTenantApps(0)
	r.logger.Info().Int("count", len(entries)).Msg("all tenant apps stopped")
}

// Count returns the number of live apps.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveLocked()
}

func (r *Registry) liveLocked() int {
	n := 0
	for _, e := range r.apps {
		select {
		case <-e.ready:
			if e.app != nil {
				n++
			}
		default:
		}
	}
	return n
}
