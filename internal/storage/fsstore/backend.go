package fsstore

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

// typeState is the in-memory mirror of a cache type's LRU index and size
// counter, kept consistent with the on-disk lru.json/size files.
type typeState struct {
	mu    sync.Mutex
	lru   map[string]int64 // sanitized key -> last access UnixNano
	total int64
}

// Backend implements storage.Adapter over a sharded directory tree rooted
// at baseDir (spec.md §4.3).
type Backend struct {
	baseDir string
	logger  observability.Logger

	statesMu sync.Mutex
	states   map[storage.CacheType]*typeState
}

var _ storage.Adapter = (*Backend)(nil)

// New constructs a filesystem Backend rooted at baseDir. Call Initialize
// before first use.
func New(baseDir string, logger observability.Logger) *Backend {
	if logger == nil {
		logger = observability.Default()
	}
	return &Backend{
		baseDir: baseDir,
		logger:  logger,
		states:  make(map[storage.CacheType]*typeState),
	}
}

func (b *Backend) stateFor(ct storage.CacheType) *typeState {
	b.statesMu.Lock()
	defer b.statesMu.Unlock()
	st, ok := b.states[ct]
	if !ok {
		st = &typeState{lru: make(map[string]int64)}
		b.states[ct] = st
	}
	return st
}

// Initialize creates baseDir and, for any cache type directory already on
// disk, loads its lru.json/size files — rebuilding them from a scan if
// either is missing or cannot be parsed (spec.md §4.3). Files that parse
// are used as-is; they are not compared against the entries on disk.
func (b *Backend) Initialize(ctx context.Context) error {
	if err := os.MkdirAll(b.baseDir, 0o755); err != nil {
		return errors.Wrap(err, "fsstore: create base dir")
	}

	entries, err := os.ReadDir(b.baseDir)
	if err != nil {
		return errors.Wrap(err, "fsstore: read base dir")
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ct := storage.CacheType(e.Name())
		if err := b.loadOrRebuildState(ct); err != nil {
			b.logger.Warn("fsstore: rebuilding state after load failure",
				zap.String("cache_type", string(ct)), zap.Error(err))
			if _, rebuildErr := b.rebuildState(ct); rebuildErr != nil {
				return rebuildErr
			}
		}
	}
	return nil
}

// loadOrRebuildState tries to load lru.json and size from disk. If either
// is absent or corrupt it returns an error, and Initialize falls back to a
// full rebuild-by-scan.
func (b *Backend) loadOrRebuildState(ct storage.CacheType) error {
	lruPath := b.lruIndexPath(ct)
	sizePath := b.sizeCounterPath(ct)

	lruData, err := os.ReadFile(lruPath)
	if err != nil {
		return err
	}
	var lru map[string]int64
	if err := json.Unmarshal(lruData, &lru); err != nil {
		return err
	}

	sizeData, err := os.ReadFile(sizePath)
	if err != nil {
		return err
	}
	var total int64
	if err := json.Unmarshal(sizeData, &total); err != nil {
		return err
	}

	st := b.stateFor(ct)
	st.mu.Lock()
	st.lru = lru
	st.total = total
	st.mu.Unlock()
	return nil
}

// HealthCheck reports whether baseDir is a writable directory.
func (b *Backend) HealthCheck(ctx context.Context) bool {
	info, err := os.Stat(b.baseDir)
	if err != nil || !info.IsDir() {
		return false
	}
	probe := b.baseDir + "/.health"
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return false
	}
	_ = os.Remove(probe)
	return true
}

// Close is a no-op for the filesystem backend; state is flushed on every
// write.
func (b *Backend) Close() error { return nil }
