// Package cachepolicy implements the Cache Policy Layer (spec.md §4.5):
// per-cache-type size caps and default TTLs, with a pre-write eviction
// pass that pulls the oldest LRU entries until usage is back under the
// eviction target.
package cachepolicy

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

// evictionTarget is the fraction of cap usage eviction trims down to
// (spec.md §4.5: "eviction target (80% of cap after trim)").
const evictionTarget = 0.8

// evictionBatchSize is how many oldest keys are pulled and deleted per
// eviction round (spec.md §4.5).
const evictionBatchSize = 100

// defaultSizeLimits mirrors developer-mesh's MultiLevelCacheConfig
// defaulting pattern (internal/cache/multilevel_cache.go), adapted to a
// table keyed by storage.CacheType instead of a single L1MaxSize. Values
// are conservative defaults for a single addon instance; operators with
// larger deployments can construct a Policy with WithSizeLimits.
var defaultSizeLimits = map[storage.CacheType]int64{
	storage.CacheSession:     64 * 1024 * 1024,
	storage.CacheSubtitle:    256 * 1024 * 1024,
	storage.CacheTranslation: 256 * 1024 * 1024,
	storage.CacheEmbedded:    128 * 1024 * 1024,
	storage.CacheSMDB:        128 * 1024 * 1024,
	storage.CacheSMDBHashMap: 16 * 1024 * 1024,
	storage.CacheKeyRotation: 4 * 1024 * 1024,
}

// defaultTTLs mirrors spec.md §4.3's "null = no expiry" semantics: a
// cache type absent from this map (or mapped to 0) never expires content
// on its own; callers (e.g. the Session Manager) may still pass an
// explicit TTL to Set.
var defaultTTLs = map[storage.CacheType]time.Duration{
	storage.CacheTranslation: 30 * 24 * time.Hour,
	storage.CacheSMDBHashMap: 0,
}

// Policy wraps a storage.Adapter with size-cap enforcement and default
// TTL resolution.
type Policy struct {
	adapter storage.Adapter
	logger  observability.Logger
	metrics *observability.Metrics

	limits map[storage.CacheType]int64
	ttls   map[storage.CacheType]time.Duration
}

// Option configures a Policy at construction.
type Option func(*Policy)

// WithSizeLimits overrides the default SIZE_LIMITS table.
func WithSizeLimits(limits map[storage.CacheType]int64) Option {
	return func(p *Policy) {
		for k, v := range limits {
			p.limits[k] = v
		}
	}
}

// WithDefaultTTLs overrides the default per-type TTL table.
func WithDefaultTTLs(ttls map[storage.CacheType]time.Duration) Option {
	return func(p *Policy) {
		for k, v := range ttls {
			p.ttls[k] = v
		}
	}
}

// New constructs a Policy over adapter, applying default SIZE_LIMITS/TTL
// tables unless overridden by opts.
func New(adapter storage.Adapter, logger observability.Logger, metrics *observability.Metrics, opts ...Option) *Policy {
	if logger == nil {
		logger = observability.Default()
	}
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}

	p := &Policy{
		adapter: adapter,
		logger:  logger,
		metrics: metrics,
		limits:  make(map[storage.CacheType]int64, len(defaultSizeLimits)),
		ttls:    make(map[storage.CacheType]time.Duration, len(defaultTTLs)),
	}
	for k, v := range defaultSizeLimits {
		p.limits[k] = v
	}
	for k, v := range defaultTTLs {
		p.ttls[k] = v
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// resolveTTL returns ttl unchanged when the caller supplied one, otherwise
// the cache type's configured default (spec.md §3, §4.3).
func (p *Policy) resolveTTL(ct storage.CacheType, ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return p.ttls[ct]
}

// Get implements the typed-lookup half of the Cache Policy Layer (spec.md
// §2's "Cache Policy Layer (typed lookup with TTL)"), recording a
// hit/miss metric alongside the delegated Adapter.Get.
func (p *Policy) Get(ctx context.Context, ct storage.CacheType, key string, out any) error {
	err := p.adapter.Get(ctx, ct, key, out)
	p.recordLookup(ct, err)
	return err
}

// GetRaw is like Get but returns undecoded bytes.
func (p *Policy) GetRaw(ctx context.Context, ct storage.CacheType, key string) ([]byte, error) {
	data, err := p.adapter.GetRaw(ctx, ct, key)
	p.recordLookup(ct, err)
	return data, err
}

func (p *Policy) recordLookup(ct storage.CacheType, err error) {
	if p.metrics == nil {
		return
	}
	if err == nil {
		p.metrics.CacheHits.WithLabelValues(string(ct)).Inc()
	} else if err == storage.ErrNotFound {
		p.metrics.CacheMisses.WithLabelValues(string(ct)).Inc()
	}
}

// Set enforces the size cap before writing: if the new entry would push
// cacheType over its configured limit, ensureCapacity evicts first
// (spec.md §4.5 "On Set, if current_size + new_size > cap, call eviction
// before writing").
func (p *Policy) Set(ctx context.Context, ct storage.CacheType, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return p.SetRaw(ctx, ct, key, data, ttl)
}

// SetRaw is like Set but takes pre-encoded bytes.
func (p *Policy) SetRaw(ctx context.Context, ct storage.CacheType, key string, value []byte, ttl time.Duration) error {
	if err := p.ensureCapacity(ctx, ct, int64(len(value))); err != nil {
		p.logger.Warn("cachepolicy: eviction pass failed before set",
			zap.String("cache_type", string(ct)), zap.Error(err))
	}
	return p.adapter.SetRaw(ctx, ct, key, value, p.resolveTTL(ct, ttl))
}

// Delete, Exists, List, Size, Metadata, HealthCheck, Cleanup, Initialize,
// and Close pass straight through to the wrapped Adapter: none of them
// need size-cap or TTL-resolution logic.

func (p *Policy) Delete(ctx context.Context, ct storage.CacheType, key string) (bool, error) {
	return p.adapter.Delete(ctx, ct, key)
}

func (p *Policy) Exists(ctx context.Context, ct storage.CacheType, key string) (bool, error) {
	return p.adapter.Exists(ctx, ct, key)
}

func (p *Policy) List(ctx context.Context, ct storage.CacheType, pattern string) ([]string, error) {
	return p.adapter.List(ctx, ct, pattern)
}

func (p *Policy) Size(ctx context.Context, ct storage.CacheType) (int64, error) {
	return p.adapter.Size(ctx, ct)
}

func (p *Policy) Metadata(ctx context.Context, ct storage.CacheType, key string) (*storage.Metadata, error) {
	return p.adapter.Metadata(ctx, ct, key)
}

func (p *Policy) Cleanup(ctx context.Context, ct storage.CacheType) (storage.CleanupResult, error) {
	return p.adapter.Cleanup(ctx, ct)
}

func (p *Policy) Oldest(ctx context.Context, ct storage.CacheType, limit int) ([]string, error) {
	return p.adapter.Oldest(ctx, ct, limit)
}

func (p *Policy) HealthCheck(ctx context.Context) bool { return p.adapter.HealthCheck(ctx) }

func (p *Policy) Initialize(ctx context.Context) error { return p.adapter.Initialize(ctx) }

func (p *Policy) Close() error { return p.adapter.Close() }

var _ storage.Adapter = (*Policy)(nil)
