package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

// snapshotFile is the on-disk shape written by Snapshot and read by
// RestoreSnapshot, matching spec.md §6's persisted-state layout:
// `{sessions: {<token>: <envelope>}, savedAt: <ISO>}`. Envelope is the same
// wire type persisted to storage.CacheSession, so a restore is a plain
// re-Set with no decrypt/re-encrypt step.
type snapshotFile struct {
	Sessions map[string]*Envelope `json:"sessions"`
	SavedAt  time.Time            `json:"savedAt"`
}

// Snapshot writes every known session envelope to path as JSON, using the
// same temp-file-then-rename idiom as the filesystem storage backend so a
// crash mid-write never leaves a truncated snapshot behind. Best-effort:
// per spec.md §5 "Snapshot save: best-effort", a failure here is returned
// to the caller to log, never fatal to the shutdown path.
func (m *Manager) Snapshot(ctx context.Context, path string) error {
	keys, err := m.adapter.List(ctx, storage.CacheSession, "*")
	if err != nil {
		return errors.Wrap(err, "session: list for snapshot")
	}

	out := &snapshotFile{Sessions: make(map[string]*Envelope, len(keys)), SavedAt: time.Now().UTC()}
	for _, key := range keys {
		var env Envelope
		if err := m.adapter.Get(ctx, storage.CacheSession, key, &env); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			m.logger.Warn("session: snapshot skipping unreadable entry", zap.String("token", key), zap.Error(err))
			continue
		}
		out.Sessions[key] = &env
	}

	data, err := json.Marshal(out)
	if err != nil {
		return errors.Wrap(err, "session: marshal snapshot")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "session: prepare snapshot directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "session: write snapshot")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "session: finalize snapshot")
	}

	m.logger.Info("session: snapshot written", zap.String("path", path), zap.Int("sessions", len(out.Sessions)))
	return nil
}

// RestoreSnapshot loads path and re-persists every envelope it contains to
// storage, returning how many were restored. Used at startup when the
// primary store reports zero sessions but a snapshot file exists (spec.md
// §4.6: "this recovers from volume loss of the primary store without
// exposing data loss to users"). Entries are written straight to storage,
// not the in-memory LRU — the first Get for each token repopulates that
// normally.
func (m *Manager) RestoreSnapshot(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "session: read snapshot")
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, errors.Wrap(err, "session: parse snapshot")
	}

	restored := 0
	for token, env := range snap.Sessions {
		if env == nil || token == "" {
			continue
		}
		if err := m.adapter.Set(ctx, storage.CacheSession, token, env, m.maxAge); err != nil {
			m.logger.Warn("session: snapshot restore failed for entry", zap.String("token", token), zap.Error(err))
			continue
		}
		restored++
	}

	m.logger.Info("session: snapshot restored", zap.String("path", path), zap.Int("sessions", restored))
	return restored, nil
}
