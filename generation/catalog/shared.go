package catalog

import (
	"context"
	"time"

	"github.com/BaSui01/mediaflow/internal/cache"
)

const sharedKeyPrefix = "catalog:"

type sharedSnapshot struct {
	FetchedAt time.Time    `json:"fetched_at"`
	Models    []Descriptor `json:"models"`
}

// RedisSnapshotCache shares fetched catalogs between instances through the
// redis cache manager.
type RedisSnapshotCache struct {
	cache *cache.Manager
}

// NewRedisSnapshotCache wraps a cache manager.
func NewRedisSnapshotCache(m *cache.Manager) *RedisSnapshotCache {
	return &RedisSnapshotCache{cache: m}
}

// Load reads the shared snapshot for provider.
func (r *RedisSnapshotCache) Load(ctx context.Context, provider string) ([]Descriptor, time.Time, error) {
	var snap sharedSnapshot
	if err := r.cache.GetJSON(ctx, sharedKeyPrefix+provider, &snap); err != nil {
		return nil, time.Time{}, err
	}
	return snap.Models, snap.FetchedAt, nil
}

// Store writes the snapshot with the catalog TTL.
func (r *RedisSnapshotCache) Store(ctx context.Context, provider string, models []Descriptor, fetchedAt time.Time, ttl time.Duration) error {
	return r.cache.SetJSON(ctx, sharedKeyPrefix+provider, sharedSnapshot{FetchedAt: fetchedAt, Models: models}, ttl)
}

// StaticFetcher serves a fixed model list, for providers without a catalog API.
func StaticFetcher(models []Descriptor) Fetcher {
	return FetcherFunc(func(context.Context) ([]Descriptor, error) {
		out := make([]Descriptor, len(models))
		copy(out, models)
		return out, nil
	})
}
