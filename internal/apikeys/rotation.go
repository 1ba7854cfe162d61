// Package apikeys implements round-robin selection across a user's
// rotation-key array (spec.md §3 "rotation array, capped at MAX_API_KEYS").
package apikeys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

// DefaultMaxKeys is the default MAX_API_KEYS when the environment variable
// is unset.
const DefaultMaxKeys = 5

// rotationTTL matches spec.md §6's persisted-state layout: "Key rotation
// counter (Redis mode): keyrotation:<configHash> integer with 24h TTL".
const rotationTTL = 24 * time.Hour

// Clamp truncates keys to at most maxKeys entries, enforcing the
// MAX_API_KEYS cap (spec.md §3). maxKeys <= 0 falls back to DefaultMaxKeys.
func Clamp(keys []string, maxKeys int) []string {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	if len(keys) <= maxKeys {
		return keys
	}
	return keys[:maxKeys]
}

// Rotator hands out rotation keys in round-robin order, one counter per
// selection context (e.g. per session token) so concurrent selections for
// different users don't contend. The counter also rides storage.Adapter's
// TTL/size-cap machinery under storage.CacheKeyRotation (spec.md §6), so a
// rotation sequence survives a process restart instead of resetting to K1.
type Rotator struct {
	mu      sync.Mutex
	offsets map[string]int
	adapter storage.Adapter
	logger  observability.Logger
}

// NewRotator creates a Rotator. adapter may be nil, in which case rotation
// state is kept in memory only for the life of the process.
func NewRotator(adapter storage.Adapter, logger observability.Logger) *Rotator {
	if logger == nil {
		logger = observability.Default()
	}
	return &Rotator{offsets: make(map[string]int), adapter: adapter, logger: logger}
}

// configHash identifies a rotation sequence by its selection context plus
// the exact key set being rotated over, so the persisted counter's key
// (spec.md §6's `keyrotation:<configHash>`) never embeds the raw context or
// API key values.
func configHash(contextKey string, keys []string) string {
	sum := sha256.Sum256([]byte(contextKey + "\x00" + strings.Join(keys, "\x00")))
	return hex.EncodeToString(sum[:])
}

func rotationStorageKey(hash string) string {
	return "keyrotation:" + hash
}

// Select returns the next key for contextKey's rotation sequence using
// round robin: with N keys, R selections in a row return K1..KN, K1..KN,
// ... (spec invariant 8, scenario S6). An empty keys slice returns "".
func (r *Rotator) Select(ctx context.Context, contextKey string, keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	if len(keys) == 1 {
		return keys[0]
	}

	hash := configHash(contextKey, keys)

	r.mu.Lock()
	idx, ok := r.offsets[hash]
	if !ok && r.adapter != nil {
		var persisted int
		if err := r.adapter.Get(ctx, storage.CacheKeyRotation, rotationStorageKey(hash), &persisted); err == nil {
			idx = persisted
		}
	}
	selected := keys[idx%len(keys)]
	next := idx + 1
	r.offsets[hash] = next
	r.mu.Unlock()

	if r.adapter != nil {
		if err := r.adapter.Set(ctx, storage.CacheKeyRotation, rotationStorageKey(hash), next, rotationTTL); err != nil {
			r.logger.Warn("apikeys: persist rotation counter failed", zap.String("context", contextKey), zap.Error(err))
		}
	}
	return selected
}

// Reset clears the rotation counter for contextKey's rotation over keys,
// e.g. when a session's key list changes shape.
func (r *Rotator) Reset(ctx context.Context, contextKey string, keys []string) {
	hash := configHash(contextKey, keys)

	r.mu.Lock()
	delete(r.offsets, hash)
	r.mu.Unlock()

	if r.adapter != nil {
		if _, err := r.adapter.Delete(ctx, storage.CacheKeyRotation, rotationStorageKey(hash)); err != nil {
			r.logger.Warn("apikeys: reset rotation counter failed", zap.String("context", contextKey), zap.Error(err))
		}
	}
}

// SelectApiKey is a stateless convenience for callers that track their own
// request counter (e.g. scenario S6's "six calls" sequence): it returns
// keys[callIndex % len(keys)].
func SelectApiKey(keys []string, callIndex int) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[callIndex%len(keys)]
}
