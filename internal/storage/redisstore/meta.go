package redisstore

import (
	"encoding/json"
	"time"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

// entryMeta mirrors fsstore's onDiskMeta, stored as a JSON-encoded field in
// the per-cache-type meta hash.
type entryMeta struct {
	Size      int64      `json:"size"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

func (m *entryMeta) expired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

func (b *Backend) metaKey(ct storage.CacheType) string {
	return b.cfg.KeyPrefix + string(ct) + ":meta"
}

func decodeMeta(raw string) (*entryMeta, error) {
	var m entryMeta
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *entryMeta) encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
