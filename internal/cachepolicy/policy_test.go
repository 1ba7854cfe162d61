package cachepolicy

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage/fsstore"
)

func newTestPolicy(t *testing.T, limits map[storage.CacheType]int64) *Policy {
	t.Helper()
	dir := t.TempDir()
	backend := fsstore.New(dir, observability.NewNoop())
	require.NoError(t, backend.Initialize(context.Background()))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return New(backend, observability.NewNoop(), metrics, WithSizeLimits(limits))
}

// TestEvictionKeepsUnderTarget is scenario S4 from spec.md: a 1,000-byte
// cap, ten 200-byte Sets with distinct keys spaced by increasing access
// times; after the 6th Set, at least one early key is evicted and total
// size is <= 800 (80% of cap).
func TestEvictionKeepsUnderTarget(t *testing.T) {
	p := newTestPolicy(t, map[storage.CacheType]int64{storage.CacheSubtitle: 1000})
	ctx := context.Background()

	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	for i := 0; i < 6; i++ {
		key := fmt.Sprintf("k%d", i)
		require.NoError(t, p.SetRaw(ctx, storage.CacheSubtitle, key, payload, 0))
		time.Sleep(2 * time.Millisecond)
	}

	size, err := p.Size(ctx, storage.CacheSubtitle)
	require.NoError(t, err)
	assert.LessOrEqual(t, size, int64(800))

	exists0, err := p.Exists(ctx, storage.CacheSubtitle, "k0")
	require.NoError(t, err)
	assert.False(t, exists0, "first-inserted key should have been evicted")
}

// TestEvictionAccountsForIncomingWriteSize guards against computing the
// eviction target from current usage alone: a large incoming write must
// still land the post-write total at or under 80% of cap, not just usage
// before the write.
func TestEvictionAccountsForIncomingWriteSize(t *testing.T) {
	const cap = int64(100000)
	p := newTestPolicy(t, map[storage.CacheType]int64{storage.CacheSubtitle: cap})
	ctx := context.Background()

	payload := make([]byte, 100)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("k%d", i)
		require.NoError(t, p.SetRaw(ctx, storage.CacheSubtitle, key, payload, 0))
		time.Sleep(time.Microsecond)
	}

	big := make([]byte, 5000)
	require.NoError(t, p.SetRaw(ctx, storage.CacheSubtitle, "big", big, 0))

	size, err := p.Size(ctx, storage.CacheSubtitle)
	require.NoError(t, err)
	assert.LessOrEqual(t, size, int64(float64(cap)*evictionTarget))
}

func TestUncappedTypeNeverEvicts(t *testing.T) {
	p := newTestPolicy(t, map[storage.CacheType]int64{storage.CacheKeyRotation: 0})
	ctx := context.Background()

	payload := make([]byte, 1024)
	for i := 0; i < 20; i++ {
		require.NoError(t, p.SetRaw(ctx, storage.CacheKeyRotation, fmt.Sprintf("k%d", i), payload, 0))
	}

	for i := 0; i < 20; i++ {
		ok, err := p.Exists(ctx, storage.CacheKeyRotation, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestResolveTTLFallsBackToDefault(t *testing.T) {
	p := newTestPolicy(t, nil)
	p.ttls[storage.CacheTranslation] = 5 * time.Minute

	assert.Equal(t, 5*time.Minute, p.resolveTTL(storage.CacheTranslation, 0))
	assert.Equal(t, 10*time.Second, p.resolveTTL(storage.CacheTranslation, 10*time.Second))
}

func TestGetRecordsHitAndMissMetrics(t *testing.T) {
	p := newTestPolicy(t, nil)
	ctx := context.Background()

	require.NoError(t, p.SetRaw(ctx, storage.CacheSMDB, "k", []byte("v"), 0))

	_, err := p.GetRaw(ctx, storage.CacheSMDB, "k")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.CacheHits.WithLabelValues(string(storage.CacheSMDB))))

	_, err = p.GetRaw(ctx, storage.CacheSMDB, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, float64(1), testutil.ToFloat64(p.metrics.CacheMisses.WithLabelValues(string(storage.CacheSMDB))))
}
