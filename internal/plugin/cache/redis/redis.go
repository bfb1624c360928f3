package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/counselbridge/case-chat-service/internal/config"
	registrycache "github.com/counselbridge/case-chat-service/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = 5 * time.Minute

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.ViewerCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CASE_CHAT_REDIS_URL is required")
	}
	ttl := cfg.ViewerCacheTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, ttl)
}

// LoadFromURLWithTTL creates a ViewerCache with an explicit default TTL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.ViewerCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisViewerCache{client: client, ttl: ttl}, nil
}

type redisViewerCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func viewerKey(identityToken string) string {
	return "viewer-accounts:" + identityToken
}

func (c *redisViewerCache) Available() bool {
	return true
}

func (c *redisViewerCache) Get(ctx context.Context, identityToken string) (*registrycache.CachedAccounts, error) {
	data, err := c.client.Get(ctx, viewerKey(identityToken)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cached registrycache.CachedAccounts
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	return &cached, nil
}

func (c *redisViewerCache) Set(ctx context.Context, identityToken string, accounts registrycache.CachedAccounts, ttl time.Duration) error {
	data, err := json.Marshal(accounts)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, viewerKey(identityToken), data, ttl).Err()
}

func (c *redisViewerCache) Remove(ctx context.Context, identityToken string) error {
	return c.client.Del(ctx, viewerKey(identityToken)).Err()
}

var _ registrycache.ViewerCache = (*redisViewerCache)(nil)
