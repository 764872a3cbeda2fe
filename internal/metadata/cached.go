package metadata

import (
	"context"
	"time"

	"github.com/zjrosen/strand/internal/cachemanager"
)

// DefaultTTL keeps metadata warm across rapid tab switches without letting
// renames go stale for long.
const DefaultTTL = time.Minute

// CachedProvider wraps a Provider with a read-through TTL cache, so rapid
// get-or-create cycles during tab switching do not hammer the catalog.
type CachedProvider struct {
	inner   Provider
	manager cachemanager.CacheManager[string, Conversation]
	cache   *cachemanager.ReadThroughCache[string, Conversation, string]
	ttl     time.Duration
}

// NewCachedProvider builds a caching wrapper around inner.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	manager := cachemanager.NewInMemoryCacheManager[string, Conversation](
		"conversation-metadata", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval)
	p := &CachedProvider{inner: inner, manager: manager, ttl: ttl}
	p.cache = cachemanager.NewReadThroughCache[string, Conversation, string](
		manager,
		func(ctx context.Context, id string) (Conversation, error) {
			return inner.Conversation(ctx, id)
		},
		false,
	)
	return p
}

// Conversation returns the cached record, loading through on a miss.
func (p *CachedProvider) Conversation(ctx context.Context, id string) (Conversation, error) {
	return p.cache.Get(ctx, "conv:"+id, id, p.ttl)
}

// List always goes to the inner provider; listing is rare and must see
// fresh archive state.
func (p *CachedProvider) List(ctx context.Context) ([]Conversation, error) {
	return p.inner.List(ctx)
}

// Invalidate drops the cached record so the next read hits the provider.
// Used when a conversation's backing directory moves underneath it.
func (p *CachedProvider) Invalidate(ctx context.Context, id string) {
	_ = p.manager.Delete(ctx, "conv:"+id)
}
