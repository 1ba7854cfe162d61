package apikeys

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/cachepolicy"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage/fsstore"
)

func TestClampEnforcesMaxAPIKeys(t *testing.T) {
	keys := []string{"K1", "K2", "K3", "K4", "K5", "K6", "K7"}
	assert.Equal(t, []string{"K1", "K2", "K3", "K4", "K5"}, Clamp(keys, 5))
	assert.Equal(t, []string{"K1", "K2", "K3", "K4", "K5"}, Clamp(keys, 0))
}

func TestSelectApiKeyRoundRobinS6(t *testing.T) {
	keys := []string{"K1", "K2", "K3"}
	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, SelectApiKey(keys, i))
	}
	assert.Equal(t, []string{"K1", "K2", "K3", "K1", "K2", "K3"}, got)
}

func TestRotatorFairnessInvariant(t *testing.T) {
	r := NewRotator(nil, nil)
	ctx := context.Background()
	keys := []string{"K1", "K2", "K3"}

	counts := map[string]int{}
	const requests = 100
	for i := 0; i < requests; i++ {
		counts[r.Select(ctx, "ctx", keys)]++
	}

	lo := requests / len(keys)
	hi := (requests + len(keys) - 1) / len(keys)
	for _, k := range keys {
		assert.GreaterOrEqual(t, counts[k], lo)
		assert.LessOrEqual(t, counts[k], hi)
	}
}

func TestRotatorIsPerContext(t *testing.T) {
	r := NewRotator(nil, nil)
	ctx := context.Background()
	keys := []string{"K1", "K2"}

	assert.Equal(t, "K1", r.Select(ctx, "a", keys))
	assert.Equal(t, "K1", r.Select(ctx, "b", keys))
	assert.Equal(t, "K2", r.Select(ctx, "a", keys))
}

func newTestAdapter(t *testing.T) storage.Adapter {
	t.Helper()
	dir := t.TempDir()
	backend := fsstore.New(dir, observability.NewNoop())
	require.NoError(t, backend.Initialize(context.Background()))
	return cachepolicy.New(backend, observability.NewNoop(), observability.NewMetrics(prometheus.NewRegistry()))
}

func TestRotatorPersistsCounterAcrossInstances(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()
	keys := []string{"K1", "K2", "K3"}

	r1 := NewRotator(adapter, observability.NewNoop())
	assert.Equal(t, "K1", r1.Select(ctx, "user1", keys))
	assert.Equal(t, "K2", r1.Select(ctx, "user1", keys))

	// A fresh Rotator over the same adapter picks up where the last one
	// left off instead of restarting the sequence at K1.
	r2 := NewRotator(adapter, observability.NewNoop())
	assert.Equal(t, "K3", r2.Select(ctx, "user1", keys))

	exists, err := adapter.Exists(ctx, storage.CacheKeyRotation, rotationStorageKey(configHash("user1", keys)))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRotatorResetClearsPersistedCounter(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()
	keys := []string{"K1", "K2"}

	r := NewRotator(adapter, observability.NewNoop())
	r.Select(ctx, "user1", keys)
	r.Reset(ctx, "user1", keys)

	exists, err := adapter.Exists(ctx, storage.CacheKeyRotation, rotationStorageKey(configHash("user1", keys)))
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Equal(t, "K1", r.Select(ctx, "user1", keys))
}
