package redisstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

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

	result, err := b.execute(func() (any, error) {
		data, err := b.client.Get(ctx, b.contentKey(ct, sanitized)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, storage.ErrNotFound
			}
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	data := result.([]byte)

	rawMeta, err := b.client.HGet(ctx, b.metaKey(ct), sanitized).Result()
	if err == nil {
		if meta, decodeErr := decodeMeta(rawMeta); decodeErr == nil && meta.expired(time.Now()) {
			_, _ = b.Delete(ctx, ct, key)
			return nil, storage.ErrNotFound
		}
	}

	b.bumpLRU(ctx, ct, sanitized)
	return data, nil
}

func (b *Backend) bumpLRU(ctx context.Context, ct storage.CacheType, sanitizedKey string) {
	_ = b.client.ZAdd(ctx, b.lruKey(ct), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: sanitizedKey,
	}).Err()
}

// Set implements storage.Adapter.
func (b *Backend) Set(ctx context.Context, ct storage.CacheType, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return b.SetRaw(ctx, ct, key, data, ttl)
}

// SetRaw implements storage.Adapter, following the write protocol from
// spec.md §4.4: read prior metadata (to preserve createdAt and compute the
// size delta), then pipeline the content write, metadata write, LRU bump,
// and size-counter adjustment together.
func (b *Backend) SetRaw(ctx context.Context, ct storage.CacheType, key string, value []byte, ttl time.Duration) error {
	sanitized, err := storage.SanitizeKey(key)
	if err != nil {
		return err
	}

	now := time.Now()
	createdAt := now
	var oldSize int64
	if rawPrev, err := b.client.HGet(ctx, b.metaKey(ct), sanitized).Result(); err == nil {
		if prev, decodeErr := decodeMeta(rawPrev); decodeErr == nil {
			createdAt = prev.CreatedAt
			oldSize = prev.Size
		}
	}

	meta := &entryMeta{Size: int64(len(value)), CreatedAt: createdAt}
	if ttl > 0 {
		exp := now.Add(ttl)
		meta.ExpiresAt = &exp
	}
	encoded, err := meta.encode()
	if err != nil {
		return err
	}

	_, err = b.execute(func() (any, error) {
		_, pipeErr := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, b.contentKey(ct, sanitized), value, ttl)
			pipe.HSet(ctx, b.metaKey(ct), sanitized, encoded)
			pipe.ZAdd(ctx, b.lruKey(ct), redis.Z{Score: float64(now.UnixNano()), Member: sanitized})
			pipe.IncrBy(ctx, b.sizeKey(ct), int64(len(value))-oldSize)
			return nil
		})
		return nil, pipeErr
	})
	return errors.Wrap(err, "redisstore: set")
}

// Delete implements storage.Adapter.
func (b *Backend) Delete(ctx context.Context, ct storage.CacheType, key string) (bool, error) {
	sanitized, err := storage.SanitizeKey(key)
	if err != nil {
		return false, err
	}

	rawMeta, metaErr := b.client.HGet(ctx, b.metaKey(ct), sanitized).Result()

	result, err := b.execute(func() (any, error) {
		var delCmd *redis.IntCmd
		_, pipeErr := b.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			delCmd = pipe.Del(ctx, b.contentKey(ct, sanitized))
			pipe.HDel(ctx, b.metaKey(ct), sanitized)
			pipe.ZRem(ctx, b.lruKey(ct), sanitized)
			if metaErr == nil {
				if meta, decodeErr := decodeMeta(rawMeta); decodeErr == nil {
					pipe.DecrBy(ctx, b.sizeKey(ct), meta.Size)
				}
			}
			return nil
		})
		if pipeErr != nil {
			return nil, pipeErr
		}
		return delCmd.Val(), nil
	})
	if err != nil {
		return false, err
	}
	return result.(int64) > 0, nil
}

// Exists implements storage.Adapter.
func (b *Backend) Exists(ctx context.Context, ct storage.CacheType, key string) (bool, error) {
	sanitized, err := storage.SanitizeKey(key)
	if err != nil {
		return false, err
	}
	n, err := b.client.Exists(ctx, b.contentKey(ct, sanitized)).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if rawMeta, err := b.client.HGet(ctx, b.metaKey(ct), sanitized).Result(); err == nil {
		if meta, decodeErr := decodeMeta(rawMeta); decodeErr == nil && meta.expired(time.Now()) {
			return false, nil
		}
	}
	return true, nil
}

// List implements storage.Adapter via HSCAN (count 100) over the meta hash
// (content keys carry Redis TTLs and may already be gone for
// expired-but-not-yet-purged entries; the meta hash is the authoritative
// key listing).
func (b *Backend) List(ctx context.Context, ct storage.CacheType, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	var fields []string
	var cursor uint64
	for {
		page, next, err := b.client.HScan(ctx, b.metaKey(ct), cursor, "", 100).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, nil
			}
			return nil, err
		}
		// HSCAN replies alternate field, value.
		for i := 0; i+1 < len(page); i += 2 {
			fields = append(fields, page[i])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	var keys []string
	for _, f := range fields {
		matched, err := filepath.Match(pattern, f)
		if err != nil {
			return nil, err
		}
		if matched {
			keys = append(keys, f)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size implements storage.Adapter.
func (b *Backend) Size(ctx context.Context, ct storage.CacheType) (int64, error) {
	n, err := b.client.Get(ctx, b.sizeKey(ct)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// Metadata implements storage.Adapter.
func (b *Backend) Metadata(ctx context.Context, ct storage.CacheType, key string) (*storage.Metadata, error) {
	sanitized, err := storage.SanitizeKey(key)
	if err != nil {
		return nil, err
	}
	rawMeta, err := b.client.HGet(ctx, b.metaKey(ct), sanitized).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	meta, err := decodeMeta(rawMeta)
	if err != nil {
		return nil, err
	}

	var lastAccessed time.Time
	if score, err := b.client.ZScore(ctx, b.lruKey(ct), sanitized).Result(); err == nil {
		lastAccessed = time.Unix(0, int64(score))
	}

	return &storage.Metadata{Size: meta.Size, CreatedAt: meta.CreatedAt, ExpiresAt: meta.ExpiresAt, LastAccessedAt: lastAccessed}, nil
}

// Oldest implements storage.Adapter via ZRANGE, which returns sorted-set
// members in ascending score order — oldest access time first, mirroring
// pkg/embedding/cache/lru's GetLRUKeys.
func (b *Backend) Oldest(ctx context.Context, ct storage.CacheType, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	keys, err := b.client.ZRange(ctx, b.lruKey(ct), 0, stop).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return keys, nil
}
