package fsstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

type onDiskMeta struct {
	Size      int64      `json:"size"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (m *onDiskMeta) expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// atomicWrite writes data to path via a temp file + rename so readers
// never observe a partially written file (spec.md §4.3).
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *Backend) readMeta(ct storage.CacheType, sanitizedKey string) (*onDiskMeta, error) {
	path, err := b.metaPath(ct, sanitizedKey)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	var m onDiskMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (b *Backend) writeMeta(ct storage.CacheType, sanitizedKey string, m *onDiskMeta) error {
	path, err := b.metaPath(ct, sanitizedKey)
	if err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return atomicWrite(path, data, 0o644)
}

func (b *Backend) persistLRUAndSize(ct storage.CacheType, st *typeState) error {
	st.mu.Lock()
	lruCopy := make(map[string]int64, len(st.lru))
	for k, v := range st.lru {
		lruCopy[k] = v
	}
	total := st.total
	st.mu.Unlock()

	lruData, err := json.Marshal(lruCopy)
	if err != nil {
		return err
	}
	if err := atomicWrite(b.lruIndexPath(ct), lruData, 0o644); err != nil {
		return err
	}
	sizeData, err := json.Marshal(total)
	if err != nil {
		return err
	}
	return atomicWrite(b.sizeCounterPath(ct), sizeData, 0o644)
}

// Get implements storage.Adapter.
func (b *Backend) Get(ctx context.Context, ct storage.CacheType, key string, out any) error {
	data, err := b.GetRaw(ctx, ct, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// GetRaw implements storage.Adapter.
func (b *Backend) GetRaw(ctx context.Context, ct storage.CacheType, key string) ([]byte, error) {
	sanitized, err := storage.SanitizeKey(key)
	if err != nil {
		return nil, err
	}

	meta, err := b.readMeta(ct, sanitized)
	if err != nil {
		return nil, err
	}
	if meta.expired(time.Now()) {
		_, _ = b.Delete(ctx, ct, key)
		return nil, storage.ErrNotFound
	}

	path, err := b.contentPath(ct, sanitized)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	b.bumpLRU(ct, sanitized)
	return data, nil
}

func (b *Backend) bumpLRU(ct storage.CacheType, sanitizedKey string) {
	st := b.stateFor(ct)
	st.mu.Lock()
	st.lru[sanitizedKey] = time.Now().UnixNano()
	st.mu.Unlock()
	_ = b.persistLRUAndSize(ct, st)
}

// Set implements storage.Adapter.
func (b *Backend) Set(ctx context.Context, ct storage.CacheType, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return b.SetRaw(ctx, ct, key, data, ttl)
}

// SetRaw implements storage.Adapter.
func (b *Backend) SetRaw(ctx context.Context, ct storage.CacheType, key string, value []byte, ttl time.Duration) error {
	sanitized, err := storage.SanitizeKey(key)
	if err != nil {
		return err
	}

	now := time.Now()
	createdAt := now
	var oldSize int64
	if prev, err := b.readMeta(ct, sanitized); err == nil {
		createdAt = prev.CreatedAt
		oldSize = prev.Size
	}

	path, err := b.contentPath(ct, sanitized)
	if err != nil {
		return err
	}
	if err := atomicWrite(path, value, 0o644); err != nil {
		return errors.Wrap(err, "fsstore: write content")
	}

	m := &onDiskMeta{Size: int64(len(value)), CreatedAt: createdAt}
	if ttl > 0 {
		exp := now.Add(ttl)
		m.ExpiresAt = &exp
	}
	if err := b.writeMeta(ct, sanitized, m); err != nil {
		return errors.Wrap(err, "fsstore: write metadata")
	}

	st := b.stateFor(ct)
	st.mu.Lock()
	st.lru[sanitized] = now.UnixNano()
	st.total += int64(len(value)) - oldSize
	st.mu.Unlock()

	return b.persistLRUAndSize(ct, st)
}

// Delete implements storage.Adapter.
func (b *Backend) Delete(ctx context.Context, ct storage.CacheType, key string) (bool, error) {
	sanitized, err := storage.SanitizeKey(key)
	if err != nil {
		return false, err
	}

	meta, metaErr := b.readMeta(ct, sanitized)

	contentPath, err := b.contentPath(ct, sanitized)
	if err != nil {
		return false, err
	}
	metaPath, err := b.metaPath(ct, sanitized)
	if err != nil {
		return false, err
	}

	removedContent := os.Remove(contentPath) == nil
	removedMeta := os.Remove(metaPath) == nil

	st := b.stateFor(ct)
	st.mu.Lock()
	_, hadLRU := st.lru[sanitized]
	delete(st.lru, sanitized)
	if metaErr == nil {
		st.total -= meta.Size
		if st.total < 0 {
			st.total = 0
		}
	}
	st.mu.Unlock()

	if err := b.persistLRUAndSize(ct, st); err != nil {
		return false, err
	}

	return removedContent || removedMeta || hadLRU, nil
}

// Exists implements storage.Adapter.
func (b *Backend) Exists(ctx context.Context, ct storage.CacheType, key string) (bool, error) {
	sanitized, err := storage.SanitizeKey(key)
	if err != nil {
		return false, err
	}
	meta, err := b.readMeta(ct, sanitized)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if meta.expired(time.Now()) {
		return false, nil
	}
	return true, nil
}

// List implements storage.Adapter.
func (b *Backend) List(ctx context.Context, ct storage.CacheType, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	dir := b.typeDir(ct)
	var keys []string

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	for _, shardEntry := range entries {
		if !shardEntry.IsDir() {
			continue // lru.json, size
		}
		shardDir := filepath.Join(dir, shardEntry.Name())
		files, err := os.ReadDir(shardDir)
		if err != nil {
			continue
		}
		for _, f := range files {
			name := f.Name()
			if len(name) > len(metaSuffix) && name[len(name)-len(metaSuffix):] == metaSuffix {
				continue
			}
			matched, err := filepath.Match(pattern, name)
			if err != nil {
				return nil, err
			}
			if matched {
				keys = append(keys, name)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size implements storage.Adapter.
func (b *Backend) Size(ctx context.Context, ct storage.CacheType) (int64, error) {
	st := b.stateFor(ct)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.total, nil
}

// Metadata implements storage.Adapter.
func (b *Backend) Metadata(ctx context.Context, ct storage.CacheType, key string) (*storage.Metadata, error) {
	sanitized, err := storage.SanitizeKey(key)
	if err != nil {
		return nil, err
	}
	m, err := b.readMeta(ct, sanitized)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	st := b.stateFor(ct)
	st.mu.Lock()
	accessNano := st.lru[sanitized]
	st.mu.Unlock()
	var lastAccessed time.Time
	if accessNano != 0 {
		lastAccessed = time.Unix(0, accessNano)
	}

	return &storage.Metadata{Size: m.Size, CreatedAt: m.CreatedAt, ExpiresAt: m.ExpiresAt, LastAccessedAt: lastAccessed}, nil
}

// Oldest implements storage.Adapter by sorting the in-memory LRU index
// ascending by last-access time.
func (b *Backend) Oldest(ctx context.Context, ct storage.CacheType, limit int) ([]string, error) {
	st := b.stateFor(ct)
	st.mu.Lock()
	type entry struct {
		key    string
		access int64
	}
	entries := make([]entry, 0, len(st.lru))
	for k, v := range st.lru {
		entries = append(entries, entry{key: k, access: v})
	}
	st.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].access < entries[j].access })

	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys, nil
}
