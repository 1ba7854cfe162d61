// Package smdb implements the Community Subtitle Index (spec.md §4.8):
// one subtitle artifact per (videoHash, languageCode) pair, an
// override rate limit, a per-video language index, and bidirectional
// hash-to-hash mappings.
package smdb

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

const (
	indexSuffix          = ":__langindex"
	hashMapSuffix        = ":__hashmap"
	maxLanguagesPerVideo = 100
	maxHashMappingSide   = 10
)

// Record is one stored subtitle artifact.
type Record struct {
	VideoHash string    `json:"videoHash"`
	Language  string    `json:"language"`
	Content   []byte    `json:"content"`
	Uploader  string    `json:"uploader"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SaveResult is the structured outcome of Save, including the
// rate-limit-aware refusal shape spec.md §4.8/S3 requires.
type SaveResult struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Remaining int    `json:"remaining"`
}

type languageIndex struct {
	Version int      `json:"version"`
	Entries []string `json:"entries"`
}

type hashMapping struct {
	Version int      `json:"version"`
	Entries []string `json:"entries"`
}

// Store implements the Community Subtitle Index over a storage.Adapter.
type Store struct {
	adapter storage.Adapter
	logger  observability.Logger
	metrics *observability.Metrics
	limiter *overrideLimiter
}

// New constructs a Store. adapter is expected to be a *cachepolicy.Policy
// so size caps/TTL are enforced for both storage.CacheSMDB (content +
// language indexes) and storage.CacheSMDBHashMap (bidirectional
// mappings).
func New(adapter storage.Adapter, logger observability.Logger, metrics *observability.Metrics) *Store {
	if logger == nil {
		logger = observability.Default()
	}
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}
	return &Store{adapter: adapter, logger: logger, metrics: metrics, limiter: newOverrideLimiter()}
}

func contentKey(videoHash, lang string) string {
	return videoHash + ":" + lang
}

func indexKey(videoHash string) string {
	return videoHash + indexSuffix
}

func hashMapKey(hash string) string {
	return hash + hashMapSuffix
}

// Save stores content for (videoHash, lang). If an entry already exists
// this is an override, subject to the uploader's sliding-window rate
// limit (spec.md §4.8, §9 S3): on refusal, no write occurs and a
// structured result with remaining=0 is returned.
func (s *Store) Save(ctx context.Context, videoHash, lang string, content []byte, uploader string) (SaveResult, error) {
	key := contentKey(videoHash, lang)
	now := time.Now()

	exists, err := s.adapter.Exists(ctx, storage.CacheSMDB, key)
	if err != nil {
		return SaveResult{}, err
	}

	if exists {
		allowed, remaining := s.limiter.check(uploader, now)
		if !allowed {
			s.metrics.SMDBOverrideRefused.Inc()
			s.logger.Warn("smdb: override refused by rate limit",
				zap.String("uploader", uploader), zap.String("video_hash", videoHash), zap.String("lang", lang))
			return SaveResult{Success: false, Error: "override rate limit reached", Remaining: 0}, nil
		}
		s.limiter.record(uploader, now)

		var prior Record
		createdAt := now
		if err := s.adapter.Get(ctx, storage.CacheSMDB, key, &prior); err == nil {
			createdAt = prior.CreatedAt
		}
		record := Record{VideoHash: videoHash, Language: lang, Content: content, Uploader: uploader, CreatedAt: createdAt, UpdatedAt: now}
		if err := s.adapter.Set(ctx, storage.CacheSMDB, key, record, 0); err != nil {
			return SaveResult{}, err
		}
		if err := s.touchLanguageIndex(ctx, videoHash, lang); err != nil {
			s.logger.Warn("smdb: language index update failed", zap.Error(err))
		}
		return SaveResult{Success: true, Remaining: remaining}, nil
	}

	record := Record{VideoHash: videoHash, Language: lang, Content: content, Uploader: uploader, CreatedAt: now, UpdatedAt: now}
	if err := s.adapter.Set(ctx, storage.CacheSMDB, key, record, 0); err != nil {
		return SaveResult{}, err
	}
	if err := s.touchLanguageIndex(ctx, videoHash, lang); err != nil {
		s.logger.Warn("smdb: language index update failed", zap.Error(err))
	}
	return SaveResult{Success: true, Remaining: overrideLimit}, nil
}

// Get returns the first matching record across hashes in order
// (player-reported hash before content-derived hash — spec.md §4.8
// "first-hash-wins precedence").
func (s *Store) Get(ctx context.Context, hashes []string, lang string) (*Record, error) {
	for _, h := range hashes {
		var record Record
		err := s.adapter.Get(ctx, storage.CacheSMDB, contentKey(h, lang), &record)
		if err == nil {
			return &record, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

// List returns the union of languages available across hashes, ordered
// by first occurrence (the first hash in the list that has a language
// determines its position — spec.md §4.8's multi-hash merge).
func (s *Store) List(ctx context.Context, hashes []string) ([]string, error) {
	seen := make(map[string]bool)
	var merged []string
	for _, h := range hashes {
		idx, err := s.loadOrRebuildIndex(ctx, h)
		if err != nil {
			return nil, err
		}
		for _, lang := range idx.Entries {
			if !seen[lang] {
				seen[lang] = true
				merged = append(merged, lang)
			}
		}
	}
	return merged, nil
}

func (s *Store) loadOrRebuildIndex(ctx context.Context, videoHash string) (*languageIndex, error) {
	var idx languageIndex
	err := s.adapter.Get(ctx, storage.CacheSMDB, indexKey(videoHash), &idx)
	if err == nil {
		return &idx, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return s.rebuildLanguageIndex(ctx, videoHash)
}

// rebuildLanguageIndex reconstructs the index from a scan when missing
// (spec.md §3 "Per-Video Indexes... rebuildable from a scan on miss").
func (s *Store) rebuildLanguageIndex(ctx context.Context, videoHash string) (*languageIndex, error) {
	keys, err := s.adapter.List(ctx, storage.CacheSMDB, videoHash+":*")
	if err != nil {
		return nil, err
	}
	var langs []string
	for _, k := range keys {
		if strings.HasSuffix(k, indexSuffix) {
			continue
		}
		prefix := videoHash + ":"
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		langs = append(langs, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(langs)
	if len(langs) > maxLanguagesPerVideo {
		langs = langs[:maxLanguagesPerVideo]
	}
	idx := &languageIndex{Version: 1, Entries: langs}
	if err := s.adapter.Set(ctx, storage.CacheSMDB, indexKey(videoHash), idx, 0); err != nil {
		s.logger.Warn("smdb: persisting rebuilt index failed", zap.Error(err))
	}
	return idx, nil
}

// touchLanguageIndex records lang as the newest entry for videoHash,
// deduplicating and enforcing the 100-language cap by dropping the
// oldest entries first (spec.md §3, §4.8).
func (s *Store) touchLanguageIndex(ctx context.Context, videoHash, lang string) error {
	idx, err := s.loadOrRebuildIndex(ctx, videoHash)
	if err != nil {
		idx = &languageIndex{Version: 1}
	}

	entries := make([]string, 0, len(idx.Entries)+1)
	for _, l := range idx.Entries {
		if l != lang {
			entries = append(entries, l)
		}
	}
	entries = append(entries, lang)
	if len(entries) > maxLanguagesPerVideo {
		entries = entries[len(entries)-maxLanguagesPerVideo:]
	}

	idx.Entries = entries
	return s.adapter.Set(ctx, storage.CacheSMDB, indexKey(videoHash), idx, 0)
}

// SaveHashMapping records both directions of a hash association,
// capped at 10 entries per side (spec.md §3, §4.8).
func (s *Store) SaveHashMapping(ctx context.Context, hash1, hash2 string) error {
	if err := s.appendMapping(ctx, hash1, hash2); err != nil {
		return err
	}
	return s.appendMapping(ctx, hash2, hash1)
}

func (s *Store) appendMapping(ctx context.Context, from, to string) error {
	var mapping hashMapping
	err := s.adapter.Get(ctx, storage.CacheSMDBHashMap, hashMapKey(from), &mapping)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	entries := make([]string, 0, len(mapping.Entries)+1)
	for _, e := range mapping.Entries {
		if e != to {
			entries = append(entries, e)
		}
	}
	entries = append(entries, to)
	if len(entries) > maxHashMappingSide {
		entries = entries[len(entries)-maxHashMappingSide:]
	}

	mapping.Version = 1
	mapping.Entries = entries
	return s.adapter.Set(ctx, storage.CacheSMDBHashMap, hashMapKey(from), mapping, 0)
}

// GetHashMapping returns the hashes mapped to hash (for building a
// candidate-hash list to feed into Get/List).
func (s *Store) GetHashMapping(ctx context.Context, hash string) ([]string, error) {
	var mapping hashMapping
	err := s.adapter.Get(ctx, storage.CacheSMDBHashMap, hashMapKey(hash), &mapping)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return mapping.Entries, nil
}
