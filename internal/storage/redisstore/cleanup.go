package redisstore

import (
	"context"
	"time"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

// Cleanup implements storage.Adapter: it purges meta-hash entries that are
// TTL-expired or whose content key is already gone (Redis's own key-expiry
// handles the content key, but the meta hash and LRU zset entries for it
// survive until swept here),
// reconciles the LRU zset against the meta hash, and recomputes the size
// counter from the surviving entries — the same "orphan sweep, not
// cap-triggered eviction" ownership boundary as fsstore (spec.md §4.4, §4.5).
func (b *Backend) Cleanup(ctx context.Context, ct storage.CacheType) (storage.CleanupResult, error) {
	result := storage.CleanupResult{}
	now := time.Now()

	fields, err := b.client.HKeys(ctx, b.metaKey(ct)).Result()
	if err != nil {
		return result, err
	}

	var total int64
	live := make(map[string]bool, len(fields))
	for _, f := range fields {
		rawMeta, err := b.client.HGet(ctx, b.metaKey(ct), f).Result()
		if err != nil {
			continue
		}
		meta, err := decodeMeta(rawMeta)
		if err != nil {
			// Unparseable metadata: treat as orphaned and drop it.
			_, _ = b.Delete(ctx, ct, f)
			result.Deleted++
			continue
		}
		if meta.expired(now) {
			result.BytesFreed += meta.Size
			_, _ = b.Delete(ctx, ct, f)
			result.Deleted++
			continue
		}
		if n, existsErr := b.client.Exists(ctx, b.contentKey(ct, f)).Result(); existsErr == nil && n == 0 {
			result.BytesFreed += meta.Size
			_, _ = b.Delete(ctx, ct, f)
			result.Deleted++
			continue
		}
		live[f] = true
		total += meta.Size
	}

	// Reconcile the LRU zset: drop members with no surviving meta entry.
	members, err := b.client.ZRange(ctx, b.lruKey(ct), 0, -1).Result()
	if err == nil {
		for _, m := range members {
			if !live[m] {
				_ = b.client.ZRem(ctx, b.lruKey(ct), m).Err()
			}
		}
	}

	_ = b.client.Set(ctx, b.sizeKey(ct), total, 0).Err()
	return result, nil
}
