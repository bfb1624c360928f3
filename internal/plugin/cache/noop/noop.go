package noop

import (
	"context"
	"time"

	"github.com/counselbridge/case-chat-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.ViewerCache, error) {
			return &noopViewerCache{}, nil
		},
	})
}

type noopViewerCache struct{}

func (n *noopViewerCache) Available() bool { return false }
func (n *noopViewerCache) Get(_ context.Context, _ string) (*cache.CachedAccounts, error) {
	return nil, nil
}
func (n *noopViewerCache) Set(_ context.Context, _ string, _ cache.CachedAccounts, _ time.Duration) error {
	return nil
}
func (n *noopViewerCache) Remove(_ context.Context, _ string) error { return nil }

var _ cache.ViewerCache = (*noopViewerCache)(nil)
