package redisstore

import (
	"fmt"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

// contentKey returns the namespaced key for a cache entry's value.
func (b *Backend) contentKey(ct storage.CacheType, sanitizedKey string) string {
	return fmt.Sprintf("%s%s:%s", b.cfg.KeyPrefix, ct, sanitizedKey)
}

// lruKey returns the sorted-set key tracking access recency for ct,
// mirroring pkg/embedding/cache/lru's per-tenant `cache:lru:{tenant}` set
// (category-then-category-qualifier-then-entity ordering).
func (b *Backend) lruKey(ct storage.CacheType) string {
	return fmt.Sprintf("%slru:%s", b.cfg.KeyPrefix, ct)
}

// sizeKey returns the counter key tracking total bytes stored for ct.
func (b *Backend) sizeKey(ct storage.CacheType) string {
	return fmt.Sprintf("%ssize:%s", b.cfg.KeyPrefix, ct)
}

