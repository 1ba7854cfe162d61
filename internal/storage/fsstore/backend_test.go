package fsstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	dir := t.TempDir()
	b := New(dir, observability.NewNoop())
	require.NoError(t, b.Initialize(context.Background()))
	return b
}

func TestSetGetRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	type payload struct {
		Targets []string `json:"targets"`
	}
	require.NoError(t, b.Set(ctx, storage.CacheSession, "tok1", payload{Targets: []string{"spa"}}, 0))

	var got payload
	require.NoError(t, b.Get(ctx, storage.CacheSession, "tok1", &got))
	assert.Equal(t, []string{"spa"}, got.Targets)

	size, err := b.Size(ctx, storage.CacheSession)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	b := newTestBackend(t)
	var out any
	err := b.Get(context.Background(), storage.CacheSession, "nope", &out)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetPreservesCreatedAtOnUpdate(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SetRaw(ctx, storage.CacheSubtitle, "k", []byte("v1"), 0))
	meta1, err := b.Metadata(ctx, storage.CacheSubtitle, "k")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.SetRaw(ctx, storage.CacheSubtitle, "k", []byte("v2-longer"), 0))
	meta2, err := b.Metadata(ctx, storage.CacheSubtitle, "k")
	require.NoError(t, err)

	assert.Equal(t, meta1.CreatedAt.UnixNano(), meta2.CreatedAt.UnixNano())
	assert.NotEqual(t, meta1.Size, meta2.Size)
}

func TestDeleteRemovesContentMetaAndLRU(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SetRaw(ctx, storage.CacheSMDB, "vid1:eng", []byte("srt"), 0))
	ok, err := b.Delete(ctx, storage.CacheSMDB, "vid1:eng")
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := b.Exists(ctx, storage.CacheSMDB, "vid1:eng")
	require.NoError(t, err)
	assert.False(t, exists)

	size, err := b.Size(ctx, storage.CacheSMDB)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestTTLExpiry(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SetRaw(ctx, storage.CacheTranslation, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := b.GetRaw(ctx, storage.CacheTranslation, "k")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKeyHygieneDoesNotCollide(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SetRaw(ctx, storage.CacheSMDB, "a*b?c", []byte("v1"), 0))
	require.NoError(t, b.SetRaw(ctx, storage.CacheSMDB, "a_b_c", []byte("v2"), 0))

	v1, err := b.GetRaw(ctx, storage.CacheSMDB, "a*b?c")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v1))
}

func TestCleanupRemovesOrphans(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	require.NoError(t, b.SetRaw(ctx, storage.CacheEmbedded, "k1", []byte("v"), 0))

	// Manually create an orphaned content file with no .meta sidecar.
	sanitized, err := storage.SanitizeKey("orphan")
	require.NoError(t, err)
	path, err := b.contentPath(storage.CacheEmbedded, sanitized)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("orphan-data"), 0o644))

	result, err := b.Cleanup(ctx, storage.CacheEmbedded)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Deleted, 1)

	exists, err := b.Exists(ctx, storage.CacheEmbedded, "k1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestOldestOrdersByAccessTime(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	require.NoError(t, b.SetRaw(ctx, storage.CacheSMDB, "k1", []byte("a"), 0))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.SetRaw(ctx, storage.CacheSMDB, "k2", []byte("b"), 0))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.SetRaw(ctx, storage.CacheSMDB, "k3", []byte("c"), 0))

	oldest, err := b.Oldest(ctx, storage.CacheSMDB, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, oldest)
}

func TestInitializeRebuildsDivergedState(t *testing.T) {
	dir := t.TempDir()
	b1 := New(dir, observability.NewNoop())
	ctx := context.Background()
	require.NoError(t, b1.Initialize(ctx))
	require.NoError(t, b1.SetRaw(ctx, storage.CacheSession, "k1", []byte("hello"), 0))

	// Corrupt the persisted lru.json to force a rebuild-by-scan path.
	require.NoError(t, os.WriteFile(b1.lruIndexPath(storage.CacheSession), []byte("not json"), 0o644))

	b2 := New(dir, observability.NewNoop())
	require.NoError(t, b2.Initialize(ctx))

	size, err := b2.Size(ctx, storage.CacheSession)
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello")), size)
}
