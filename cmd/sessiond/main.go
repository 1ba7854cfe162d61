// Command sessiond is the process entrypoint that wires the Session &
// Cache Core's components together: configuration, crypto, storage
// backend, cache policy layer, session manager, cross-instance
// invalidation bus, SMDB, and the embedded track cache. Per spec.md §2,
// HTTP routing and the addon manifest surface are external collaborators
// — this binary exposes no HTTP server, only the typed Go operations
// those collaborators would call.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/apikeys"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/cachepolicy"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/config"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/cryptoservice"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/embeddedcache"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/invalidation"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/session"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/smdb"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage/fsstore"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage/redisstore"
)

// snapshotInterval is how often a running sessiond writes a session
// snapshot to disk when SessionConfig.SnapshotEnabled is set (spec.md
// §4.6 "on shutdown and periodically").
const snapshotInterval = 15 * time.Minute

func main() {
	logger := observability.Default()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("sessiond: load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("sessiond: fatal error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger observability.Logger) error {
	metrics := observability.DefaultMetrics()

	backend, err := newBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("sessiond: construct storage backend: %w", err)
	}
	if err := backend.Initialize(ctx); err != nil {
		return fmt.Errorf("sessiond: initialize storage backend: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("sessiond: close storage backend", zap.Error(err))
		}
	}()

	policy := cachepolicy.New(backend, logger, metrics)

	crypto, err := cryptoservice.New(cfg.Crypto.EncryptionKey, cfg.Crypto.EncryptionKeyFile, logger)
	if err != nil {
		return fmt.Errorf("sessiond: construct crypto service: %w", err)
	}

	bus := invalidation.New(cfg.Redis, logger, metrics)
	if cfg.StorageType == config.StorageRedis {
		if err := bus.Start(ctx); err != nil {
			return fmt.Errorf("sessiond: start invalidation bus: %w", err)
		}
		defer func() {
			if err := bus.Close(); err != nil {
				logger.Warn("sessiond: close invalidation bus", zap.Error(err))
			}
		}()
	}

	mgr, err := session.New(policy, crypto, logger, metrics, session.Config{
		MaxAge:             cfg.Session.MaxAge,
		ClockSkewTolerance: cfg.Session.ClockSkewTolerance,
		Publisher:          bus,
	})
	if err != nil {
		return fmt.Errorf("sessiond: construct session manager: %w", err)
	}

	if cfg.StorageType == config.StorageRedis {
		if err := bus.Subscribe(ctx, mgr.InvalidateLocal); err != nil {
			return fmt.Errorf("sessiond: subscribe invalidation bus: %w", err)
		}
	}

	if cfg.Session.SnapshotEnabled {
		restoreIfNeeded(ctx, mgr, policy, cfg.Session.SnapshotPath, logger)
	}

	if cfg.Session.Preload {
		logger.Info("sessiond: preload requested, checking storage health before readiness")
		if !backend.HealthCheck(ctx) {
			return fmt.Errorf("sessiond: preload requires a healthy storage backend")
		}
	}
	mgr.MarkReady()

	// The SMDB store, embedded-track store, and key rotator are the typed
	// operations spec.md §2's external collaborators (HTTP routing, the
	// addon manifest surface) call into. This process constructs them once
	// over the shared policy and keeps no reference to them.
	_ = smdb.New(policy, logger, metrics)
	_ = embeddedcache.New(policy, logger, metrics)
	_ = apikeys.NewRotator(policy, logger)

	var snapshotStop chan struct{}
	if cfg.Session.SnapshotEnabled {
		snapshotStop = make(chan struct{})
		go runPeriodicSnapshot(ctx, mgr, cfg.Session.SnapshotPath, logger, snapshotStop)
	}

	logger.Info("sessiond: ready", zap.String("storage_type", string(cfg.StorageType)))
	<-ctx.Done()
	logger.Info("sessiond: shutdown signal received, draining")

	if snapshotStop != nil {
		close(snapshotStop)
	}

	mgr.AwaitPendingWrites()

	if cfg.Session.SnapshotEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mgr.Snapshot(shutdownCtx, cfg.Session.SnapshotPath); err != nil {
			logger.Warn("sessiond: shutdown snapshot failed", zap.Error(err))
		}
	}

	return nil
}

// newBackend constructs the pluggable storage.Adapter per spec.md §4.1's
// filesystem/Redis backend choice.
func newBackend(cfg *config.Config, logger observability.Logger) (storage.Adapter, error) {
	switch cfg.StorageType {
	case config.StorageRedis:
		return redisstore.New(cfg.Redis, logger), nil
	case config.StorageFilesystem, "":
		return fsstore.New(cfg.BaseDir, logger), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
}

// restoreIfNeeded restores a disk snapshot at startup only when the
// primary store currently holds zero sessions (spec.md §4.6: "if the
// primary store reports zero sessions but a snapshot exists, restore the
// snapshot").
func restoreIfNeeded(ctx context.Context, mgr *session.Manager, adapter storage.Adapter, path string, logger observability.Logger) {
	size, err := adapter.Size(ctx, storage.CacheSession)
	if err != nil {
		logger.Warn("sessiond: check session store size before restore", zap.Error(err))
		return
	}
	if size != 0 {
		return
	}
	if _, err := mgr.RestoreSnapshot(ctx, path); err != nil {
		logger.Warn("sessiond: snapshot restore failed", zap.Error(err))
	}
}

func runPeriodicSnapshot(ctx context.Context, mgr *session.Manager, path string, logger observability.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := mgr.Snapshot(ctx, path); err != nil {
				logger.Warn("sessiond: periodic snapshot failed", zap.Error(err))
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
