// Package fsstore implements the Filesystem Backend (spec.md §4.3): a
// sharded directory layout with per-entry metadata sidecars, a mirrored
// LRU index file, and a size-counter file per cache type.
package fsstore

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

const metaSuffix = ".meta"

// shardOf returns the 2-hex-char shard directory for a sanitized key,
// bounding fan-out the way a flat <cacheType>:<key> Redis namespace
// doesn't need to.
func shardOf(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:1])
}

// typeDir returns <baseDir>/<cacheType>.
func (b *Backend) typeDir(ct storage.CacheType) string {
	return filepath.Join(b.baseDir, string(ct))
}

// contentPath returns the content file path for a sanitized key, securely
// joined so a pathologically sanitized key can never escape baseDir.
func (b *Backend) contentPath(ct storage.CacheType, sanitizedKey string) (string, error) {
	rel := filepath.Join(string(ct), shardOf(sanitizedKey), sanitizedKey)
	return securejoin.SecureJoin(b.baseDir, rel)
}

// metaPath returns the metadata sidecar path for a sanitized key.
func (b *Backend) metaPath(ct storage.CacheType, sanitizedKey string) (string, error) {
	p, err := b.contentPath(ct, sanitizedKey)
	if err != nil {
		return "", err
	}
	return p + metaSuffix, nil
}

func (b *Backend) lruIndexPath(ct storage.CacheType) string {
	return filepath.Join(b.typeDir(ct), "lru.json")
}

func (b *Backend) sizeCounterPath(ct storage.CacheType) string {
	return filepath.Join(b.typeDir(ct), "size")
}
