package embeddedcache

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/cachepolicy"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage/fsstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	backend := fsstore.New(dir, observability.NewNoop())
	require.NoError(t, backend.Initialize(context.Background()))
	policy := cachepolicy.New(backend, observability.NewNoop(), observability.NewMetrics(prometheus.NewRegistry()))
	return New(policy, observability.NewNoop(), observability.NewMetrics(prometheus.NewRegistry()))
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	track := Track{VideoHash: "vid1", TrackID: "2", Variant: VariantOriginal, Language: "eng", Content: []byte("srt")}
	require.NoError(t, s.Save(ctx, track))

	got, err := s.Get(ctx, "vid1", "2", VariantOriginal, "eng", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("srt"), got.Content)
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), "vid1", "2", VariantOriginal, "eng", "")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTranslationKeyedByTargetLanguage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Track{
		VideoHash: "vid1", TrackID: "2", Variant: VariantTranslation,
		Language: "eng", TargetLanguage: "fra", Content: []byte("fr"),
	}))
	require.NoError(t, s.Save(ctx, Track{
		VideoHash: "vid1", TrackID: "2", Variant: VariantTranslation,
		Language: "eng", TargetLanguage: "deu", Content: []byte("de"),
	}))

	fr, err := s.Get(ctx, "vid1", "2", VariantTranslation, "eng", "fra")
	require.NoError(t, err)
	require.NotNil(t, fr)
	assert.Equal(t, []byte("fr"), fr.Content)

	tracks, err := s.List(ctx, "vid1", VariantTranslation)
	require.NoError(t, err)
	assert.Len(t, tracks, 2)
}

// TestOriginalPruningKeepsLatestBatch matches spec.md §4.9: once a newer
// batchId is saved, entries from older batches are dropped from the
// index and deleted from storage.
func TestOriginalPruningKeepsLatestBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Track{
		VideoHash: "vid1", TrackID: "1", Variant: VariantOriginal, Language: "eng",
		Content: []byte("a"), BatchID: 1,
	}))
	require.NoError(t, s.Save(ctx, Track{
		VideoHash: "vid1", TrackID: "2", Variant: VariantOriginal, Language: "eng",
		Content: []byte("b"), BatchID: 1,
	}))
	require.NoError(t, s.Save(ctx, Track{
		VideoHash: "vid1", TrackID: "3", Variant: VariantOriginal, Language: "eng",
		Content: []byte("c"), BatchID: 2,
	}))

	tracks, err := s.List(ctx, "vid1", VariantOriginal)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "3", tracks[0].TrackID)

	gone, err := s.Get(ctx, "vid1", "1", VariantOriginal, "eng", "")
	require.NoError(t, err)
	assert.Nil(t, gone, "stray entries from the superseded batch must be deleted")
}

// TestOriginalPruningFallsBackToNewestTimestamp covers the no-batchId
// path: only the newest-timestamp entries survive.
func TestOriginalPruningFallsBackToNewestTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.Save(ctx, Track{
		VideoHash: "vid1", TrackID: "1", Variant: VariantOriginal, Language: "eng",
		Content: []byte("old"), CreatedAt: base,
	}))
	require.NoError(t, s.Save(ctx, Track{
		VideoHash: "vid1", TrackID: "2", Variant: VariantOriginal, Language: "eng",
		Content: []byte("new"), CreatedAt: base.Add(time.Minute),
	}))

	tracks, err := s.List(ctx, "vid1", VariantOriginal)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, "2", tracks[0].TrackID)
}

func TestIndexRebuildsFromScanOnMiss(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, Track{
		VideoHash: "vid1", TrackID: "1", Variant: VariantTranslation,
		Language: "eng", TargetLanguage: "fra", Content: []byte("a"),
	}))
	require.NoError(t, s.Save(ctx, Track{
		VideoHash: "vid1", TrackID: "2", Variant: VariantTranslation,
		Language: "eng", TargetLanguage: "deu", Content: []byte("b"),
	}))

	_, err := s.adapter.Delete(ctx, storage.CacheEmbedded, indexKey("vid1", VariantTranslation))
	require.NoError(t, err)

	tracks, err := s.List(ctx, "vid1", VariantTranslation)
	require.NoError(t, err)
	assert.Len(t, tracks, 2)
}
