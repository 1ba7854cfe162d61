package cachepolicy

import (
	"context"

	"go.uber.org/zap"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

// ensureCapacity evicts the oldest entries for ct, in batches of
// evictionBatchSize, until current_size + incoming fits under the
// configured cap (spec.md §4.5). A cache type with no configured limit
// (0 or absent) is uncapped.
func (p *Policy) ensureCapacity(ctx context.Context, ct storage.CacheType, incoming int64) error {
	limit, ok := p.limits[ct]
	if !ok || limit <= 0 {
		return nil
	}

	current, err := p.adapter.Size(ctx, ct)
	if err != nil {
		return err
	}
	if current+incoming <= limit {
		return nil
	}

	target := int64(float64(limit)*evictionTarget) - incoming
	if target < 0 {
		target = 0
	}
	return p.evictUntil(ctx, ct, target)
}

// evictUntil repeatedly pulls the oldest evictionBatchSize keys from the
// LRU index and deletes them until total usage is at or below target, or
// the index is exhausted (spec.md §4.5 invariant 7: after a capacity-
// triggered Set, usage is driven below the 80% eviction target). target
// already has the pending write's size subtracted out by the caller, so
// usage plus the incoming write lands at or under the 80% line, not just
// usage alone.
func (p *Policy) evictUntil(ctx context.Context, ct storage.CacheType, target int64) error {
	for {
		current, err := p.adapter.Size(ctx, ct)
		if err != nil {
			return err
		}
		if current <= target {
			return nil
		}

		oldest, err := p.adapter.Oldest(ctx, ct, evictionBatchSize)
		if err != nil {
			return err
		}
		if len(oldest) == 0 {
			// Nothing left to evict; the size counter may have drifted —
			// Cleanup reconciles it on its next pass.
			return nil
		}

		var deletedEntries int
		var deletedBytes int64
		for _, key := range oldest {
			meta, err := p.adapter.Metadata(ctx, ct, key)
			if err != nil || meta == nil {
				continue
			}
			ok, err := p.adapter.Delete(ctx, ct, key)
			if err != nil || !ok {
				continue
			}
			deletedEntries++
			deletedBytes += meta.Size
		}

		if p.metrics != nil && deletedEntries > 0 {
			p.metrics.EvictedEntries.WithLabelValues(string(ct)).Add(float64(deletedEntries))
			p.metrics.EvictedBytes.WithLabelValues(string(ct)).Add(float64(deletedBytes))
		}
		p.logger.Debug("cachepolicy: eviction batch",
			zap.String("cache_type", string(ct)),
			zap.Int("deleted", deletedEntries), zap.Int64("bytes_freed", deletedBytes))

		if deletedEntries == 0 {
			// Made no progress this round (all metadata lookups failed);
			// avoid spinning forever.
			return nil
		}
	}
}
