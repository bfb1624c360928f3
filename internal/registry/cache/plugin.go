package cache

import (
	"context"
	"fmt"
	"time"
)

type viewerCacheKey struct{}

// WithViewerCacheContext returns a new context carrying the given ViewerCache.
func WithViewerCacheContext(ctx context.Context, c ViewerCache) context.Context {
	return context.WithValue(ctx, viewerCacheKey{}, c)
}

// ViewerCacheFromContext retrieves the ViewerCache from the context.
// Returns nil if none was set.
func ViewerCacheFromContext(ctx context.Context) ViewerCache {
	c, _ := ctx.Value(viewerCacheKey{}).(ViewerCache)
	return c
}

// CachedAccounts holds the account ids resolved for one identity token.
// A nil id means that account kind does not exist for the identity.
type CachedAccounts struct {
	ClientAccountID       *int64 `json:"clientAccountId,omitempty"`
	ProfessionalAccountID *int64 `json:"professionalAccountId,omitempty"`
}

// ViewerCache caches per-identity account lookups so the viewer resolver can
// skip the two table reads on repeat requests. Failures are soft: callers
// fall back to the store.
type ViewerCache interface {
	Available() bool
	Get(ctx context.Context, identityToken string) (*CachedAccounts, error)
	Set(ctx context.Context, identityToken string, accounts CachedAccounts, ttl time.Duration) error
	Remove(ctx context.Context, identityToken string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (ViewerCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
