package fsstore

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

// rebuildState scans a cache type directory from scratch, reconciling the
// in-memory (and on-disk) LRU index and size counter with whatever
// content/.meta pairs actually exist. Used both at Initialize when the
// persisted index diverges from disk, and by Cleanup's orphan sweep.
func (b *Backend) rebuildState(ct storage.CacheType) (storage.CleanupResult, error) {
	dir := b.typeDir(ct)
	result := storage.CleanupResult{}

	shardEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return result, err
	}

	newLRU := make(map[string]int64)
	var total int64
	now := time.Now()

	for _, shardEntry := range shardEntries {
		if !shardEntry.IsDir() {
			continue
		}
		shardDir := filepath.Join(dir, shardEntry.Name())
		files, err := os.ReadDir(shardDir)
		if err != nil {
			continue
		}

		contentNames := make(map[string]bool)
		metaNames := make(map[string]bool)
		for _, f := range files {
			name := f.Name()
			if len(name) > len(metaSuffix) && name[len(name)-len(metaSuffix):] == metaSuffix {
				metaNames[name[:len(name)-len(metaSuffix)]] = true
			} else {
				contentNames[name] = true
			}
		}

		// Orphans: content without .meta, or .meta without content.
		for name := range contentNames {
			if !metaNames[name] {
				_ = os.Remove(filepath.Join(shardDir, name))
				result.Deleted++
			}
		}
		for name := range metaNames {
			if !contentNames[name] {
				meta, err := b.readMeta(ct, name)
				if err == nil {
					result.BytesFreed += meta.Size
				}
				_ = os.Remove(filepath.Join(shardDir, name+metaSuffix))
				result.Deleted++
			}
		}

		for name := range contentNames {
			if !metaNames[name] {
				continue
			}
			meta, err := b.readMeta(ct, name)
			if err != nil {
				continue
			}
			if meta.expired(now) {
				_ = os.Remove(filepath.Join(shardDir, name))
				_ = os.Remove(filepath.Join(shardDir, name+metaSuffix))
				result.Deleted++
				result.BytesFreed += meta.Size
				continue
			}
			info, err := os.Stat(filepath.Join(shardDir, name))
			accessTime := now.UnixNano()
			if err == nil {
				accessTime = info.ModTime().UnixNano()
			}
			newLRU[name] = accessTime
			total += meta.Size
		}
	}

	st := b.stateFor(ct)
	st.mu.Lock()
	st.lru = newLRU
	st.total = total
	st.mu.Unlock()

	if err := b.persistLRUAndSize(ct, st); err != nil {
		return result, err
	}
	return result, nil
}

// Cleanup implements storage.Adapter: an orphan sweep (content without a
// .meta sidecar, or vice versa) plus TTL-expired purge and index
// reconciliation (spec.md §4.3, §4.5). Cap-triggered eviction is owned by
// the Cache Policy Layer, not this method.
func (b *Backend) Cleanup(ctx context.Context, ct storage.CacheType) (storage.CleanupResult, error) {
	return b.rebuildState(ct)
}
