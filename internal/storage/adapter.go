// Package storage defines the Storage Adapter abstract contract
// (spec.md §4.2): a uniform key/value interface implemented by the
// filesystem backend (internal/storage/fsstore) and the Redis backend
// (internal/storage/redisstore).
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// CacheType namespaces stored data, each with its own size cap and TTL
// policy (spec.md §2, §3, GLOSSARY).
type CacheType string

const (
	CacheSession      CacheType = "SESSION"
	CacheSubtitle     CacheType = "SUBTITLE"
	CacheTranslation  CacheType = "TRANSLATION"
	CacheEmbedded     CacheType = "EMBEDDED"
	CacheSMDB         CacheType = "SMDB"
	CacheSMDBHashMap  CacheType = "SMDB_HASHMAP"
	CacheKeyRotation  CacheType = "KEYROTATION"
)

// ErrNotFound is returned by Get when the key does not exist (distinct
// from a nil value, which is a valid stored payload).
var ErrNotFound = errors.New("storage: key not found")

// ErrUnavailable is the specialized "storage-unavailable" error from
// spec.md §7: callers should map it to a retriable response and must not
// leave a ghost in-memory entry behind it.
var ErrUnavailable = errors.New("storage: backend unavailable")

// Metadata is the per-entry bookkeeping record (spec.md §3 "Cache Entry").
type Metadata struct {
	Size           int64
	CreatedAt      time.Time
	ExpiresAt      *time.Time
	LastAccessedAt time.Time
}

// CleanupResult reports what an orphan sweep / cap enforcement did
// (spec.md §4.2, §7 — eviction results are structured return values,
// never exceptions).
type CleanupResult struct {
	Deleted    int
	BytesFreed int64
}

// Adapter is the uniform key/value contract every backend implements.
// Every operation is asynchronous in spirit (spec.md §5): Go expresses
// that with a leading context.Context on every call, any of which may
// return early on cancellation without leaving partial state.
type Adapter interface {
	// Get retrieves a value, JSON-decoding it into out. Returns
	// ErrNotFound if the key doesn't exist. A successful Get bumps the
	// key's LRU timestamp.
	Get(ctx context.Context, cacheType CacheType, key string, out any) error
	// GetRaw is like Get but returns the undecoded bytes (used when the
	// caller wants to choose its own decoding, e.g. opaque subtitle blobs).
	GetRaw(ctx context.Context, cacheType CacheType, key string) ([]byte, error)
	// Set writes value (JSON-encoded) plus its metadata, bumps LRU, and
	// adjusts the size counter by the delta against any prior entry.
	// ttl == 0 means no expiry.
	Set(ctx context.Context, cacheType CacheType, key string, value any, ttl time.Duration) error
	// SetRaw is like Set but takes pre-encoded bytes directly.
	SetRaw(ctx context.Context, cacheType CacheType, key string, value []byte, ttl time.Duration) error
	// Delete removes the value, metadata, and LRU entry, and adjusts the
	// size counter. Returns true if something was deleted.
	Delete(ctx context.Context, cacheType CacheType, key string) (bool, error)
	// Exists reports whether key is present (and not expired).
	Exists(ctx context.Context, cacheType CacheType, key string) (bool, error)
	// List returns the stored (sanitized) keys matching pattern ("*" for
	// all), without any backend prefix and excluding metadata sidecars.
	List(ctx context.Context, cacheType CacheType, pattern string) ([]string, error)
	// Size returns the cached total bytes for cacheType.
	Size(ctx context.Context, cacheType CacheType) (int64, error)
	// Metadata returns the stored size/createdAt/expiresAt for key, or nil
	// if the key doesn't exist.
	Metadata(ctx context.Context, cacheType CacheType, key string) (*Metadata, error)
	// Oldest returns up to limit keys from cacheType's LRU index, ordered
	// from least- to most-recently accessed — the primitive the Cache
	// Policy Layer's eviction loop pulls batches from (spec.md §4.5).
	Oldest(ctx context.Context, cacheType CacheType, limit int) ([]string, error)
	// Cleanup sweeps orphaned and expired entries for cacheType and
	// recomputes its size counter, returning how much was reclaimed. It
	// does not evict live entries to bring cacheType under its size cap.
	Cleanup(ctx context.Context, cacheType CacheType) (CleanupResult, error)
	// HealthCheck reports whether the backend is reachable.
	HealthCheck(ctx context.Context) bool
	// Initialize prepares the backend (e.g. rebuild LRU/size from scan on
	// filesystem, prefix self-healing on Redis). Must be called, and
	// awaited, before first use.
	Initialize(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
