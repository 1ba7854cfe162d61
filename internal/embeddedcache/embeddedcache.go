// Package embeddedcache implements the Embedded Track Cache (spec.md
// §4.9): subtitle tracks extracted directly from a video container,
// split into "original" and "translation" variants keyed by
// (videoHash, trackId, language, [targetLanguage]).
package embeddedcache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

// Variant distinguishes an embedded track extracted directly from the
// container from one produced by translating an original.
type Variant string

const (
	VariantOriginal    Variant = "original"
	VariantTranslation Variant = "translation"
)

const (
	indexSuffix  = ":__trackindex"
	maxIndexSize = 200
)

// Track is one cached embedded subtitle track.
type Track struct {
	VideoHash      string    `json:"videoHash"`
	TrackID        string    `json:"trackId"`
	Variant        Variant   `json:"variant"`
	Language       string    `json:"language"`
	TargetLanguage string    `json:"targetLanguage,omitempty"`
	Content        []byte    `json:"content"`
	BatchID        int64     `json:"batchId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

type trackIndex struct {
	Version int      `json:"version"`
	Entries []string `json:"entries"`
}

// Store implements the Embedded Track Cache over a storage.Adapter.
type Store struct {
	adapter storage.Adapter
	logger  observability.Logger
	metrics *observability.Metrics
}

// New constructs a Store. adapter is expected to be a *cachepolicy.Policy
// so storage.CacheEmbedded's size cap is enforced.
func New(adapter storage.Adapter, logger observability.Logger, metrics *observability.Metrics) *Store {
	if logger == nil {
		logger = observability.Default()
	}
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}
	return &Store{adapter: adapter, logger: logger, metrics: metrics}
}

// trackKey builds the content key. targetLanguage is only meaningful for
// translation variants; original tracks pass it empty.
func trackKey(videoHash, trackID string, variant Variant, language, targetLanguage string) string {
	if targetLanguage == "" {
		return strings.Join([]string{videoHash, trackID, string(variant), language}, ":")
	}
	return strings.Join([]string{videoHash, trackID, string(variant), language, targetLanguage}, ":")
}

func indexKey(videoHash string, variant Variant) string {
	return videoHash + ":" + string(variant) + indexSuffix
}

// Save stores a track and updates the owning video's per-variant index.
// For originals, BatchID (when nonzero) identifies the extraction cohort
// this track belongs to, used by the index's pruning rule.
func (s *Store) Save(ctx context.Context, track Track) error {
	if track.CreatedAt.IsZero() {
		track.CreatedAt = time.Now()
	}
	key := trackKey(track.VideoHash, track.TrackID, track.Variant, track.Language, track.TargetLanguage)
	if err := s.adapter.Set(ctx, storage.CacheEmbedded, key, track, 0); err != nil {
		return err
	}
	return s.touchIndex(ctx, track.VideoHash, track.Variant, key, track.BatchID, track.CreatedAt)
}

// Get fetches a single track by its full addressing key.
func (s *Store) Get(ctx context.Context, videoHash, trackID string, variant Variant, language, targetLanguage string) (*Track, error) {
	var track Track
	err := s.adapter.Get(ctx, storage.CacheEmbedded, trackKey(videoHash, trackID, variant, language, targetLanguage), &track)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &track, nil
}

// List returns every cached track for (videoHash, variant), rebuilding
// the index from a scan if it is missing (spec.md §4.9 "rebuildable by
// scan").
func (s *Store) List(ctx context.Context, videoHash string, variant Variant) ([]Track, error) {
	idx, err := s.loadOrRebuildIndex(ctx, videoHash, variant)
	if err != nil {
		return nil, err
	}
	tracks := make([]Track, 0, len(idx.Entries))
	for _, key := range idx.Entries {
		var track Track
		if err := s.adapter.Get(ctx, storage.CacheEmbedded, key, &track); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		tracks = append(tracks, track)
	}
	return tracks, nil
}

func (s *Store) loadOrRebuildIndex(ctx context.Context, videoHash string, variant Variant) (*trackIndex, error) {
	var idx trackIndex
	err := s.adapter.Get(ctx, storage.CacheEmbedded, indexKey(videoHash, variant), &idx)
	if err == nil {
		return &idx, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return s.rebuildIndex(ctx, videoHash, variant)
}

// rebuildIndex reconstructs the index from a scan over this video's
// keys for the given variant.
func (s *Store) rebuildIndex(ctx context.Context, videoHash string, variant Variant) (*trackIndex, error) {
	keys, err := s.adapter.List(ctx, storage.CacheEmbedded, videoHash+":*")
	if err != nil {
		return nil, err
	}
	variantMarker := ":" + string(variant) + ":"
	var entries []string
	for _, k := range keys {
		if strings.HasSuffix(k, indexSuffix) {
			continue
		}
		if !strings.Contains(k, variantMarker) {
			continue
		}
		entries = append(entries, k)
	}
	sort.Strings(entries)
	if len(entries) > maxIndexSize {
		entries = entries[:maxIndexSize]
	}
	idx := &trackIndex{Version: 1, Entries: entries}
	if err := s.adapter.Set(ctx, storage.CacheEmbedded, indexKey(videoHash, variant), idx, 0); err != nil {
		s.logger.Warn("embeddedcache: persisting rebuilt index failed", zap.Error(err))
	}
	return idx, nil
}

// indexedTrack pairs an index entry's key with the metadata needed to
// apply the pruning rule without re-reading every track's full content.
type indexedTrack struct {
	key       string
	batchID   int64
	createdAt time.Time
}

// touchIndex adds key to videoHash's per-variant index, then applies the
// variant-appropriate pruning rule and persists the result. Any key the
// pruning rule drops is deleted from storage so the index and storage
// stay convergent (spec.md §4.9 "stray keys... deleted").
func (s *Store) touchIndex(ctx context.Context, videoHash string, variant Variant, key string, batchID int64, createdAt time.Time) error {
	idx, err := s.loadOrRebuildIndex(ctx, videoHash, variant)
	if err != nil {
		idx = &trackIndex{Version: 1}
	}

	entries := make([]indexedTrack, 0, len(idx.Entries)+1)
	seen := false
	for _, existingKey := range idx.Entries {
		if existingKey == key {
			seen = true
		}
		entries = append(entries, s.describe(ctx, existingKey))
	}
	if !seen {
		entries = append(entries, indexedTrack{key: key, batchID: batchID, createdAt: createdAt})
	} else {
		for i := range entries {
			if entries[i].key == key {
				entries[i].batchID = batchID
				entries[i].createdAt = createdAt
			}
		}
	}

	// The batchId/newest-timestamp pruning rule applies only to originals
	// (spec.md §4.9); translations simply accumulate, subject to the
	// index's 200-entry cap below.
	kept := entries
	if variant == VariantOriginal {
		kept = pruneOriginals(entries)
	}

	if len(kept) > maxIndexSize {
		sort.Slice(kept, func(i, j int) bool { return kept[i].createdAt.After(kept[j].createdAt) })
		kept = kept[:maxIndexSize]
	}

	keptKeys := make(map[string]bool, len(kept))
	finalEntries := make([]string, 0, len(kept))
	for _, t := range kept {
		keptKeys[t.key] = true
		finalEntries = append(finalEntries, t.key)
	}
	sort.Strings(finalEntries)

	for _, existingKey := range idx.Entries {
		if existingKey == key || keptKeys[existingKey] {
			continue
		}
		if _, err := s.adapter.Delete(ctx, storage.CacheEmbedded, existingKey); err != nil {
			s.logger.Warn("embeddedcache: stray key cleanup failed", zap.String("key", existingKey), zap.Error(err))
		}
	}

	idx.Version = 1
	idx.Entries = finalEntries
	return s.adapter.Set(ctx, storage.CacheEmbedded, indexKey(videoHash, variant), idx, 0)
}

// describe loads an index entry's batchId/createdAt from storage so the
// pruning rule can reason about it. A track that fails to load gets a
// zero-value batchId/createdAt, which means it naturally falls out of
// pruneNewest/pruneOriginals and is cleaned up as a stray key below.
func (s *Store) describe(ctx context.Context, key string) indexedTrack {
	var track Track
	if err := s.adapter.Get(ctx, storage.CacheEmbedded, key, &track); err != nil {
		return indexedTrack{key: key}
	}
	return indexedTrack{key: key, batchID: track.BatchID, createdAt: track.CreatedAt}
}

// pruneOriginals implements spec.md §4.9: keep only entries matching the
// most recent batchId when one exists among the entries, else keep only
// the entries with the newest timestamp.
func pruneOriginals(entries []indexedTrack) []indexedTrack {
	var latestBatch int64
	haveBatch := false
	for _, e := range entries {
		if e.batchID != 0 && (!haveBatch || e.batchID > latestBatch) {
			latestBatch = e.batchID
			haveBatch = true
		}
	}
	if haveBatch {
		var kept []indexedTrack
		for _, e := range entries {
			if e.batchID == latestBatch {
				kept = append(kept, e)
			}
		}
		return kept
	}
	return pruneNewest(entries)
}

// pruneNewest keeps only the entries sharing the newest timestamp.
func pruneNewest(entries []indexedTrack) []indexedTrack {
	if len(entries) == 0 {
		return entries
	}
	newest := entries[0].createdAt
	for _, e := range entries[1:] {
		if e.createdAt.After(newest) {
			newest = e.createdAt
		}
	}
	var kept []indexedTrack
	for _, e := range entries {
		if e.createdAt.Equal(newest) {
			kept = append(kept, e)
		}
	}
	return kept
}
