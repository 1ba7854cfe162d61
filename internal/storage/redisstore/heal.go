package redisstore

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

const healMigrationCap = 500

// healDoublePrefix finds keys that were accidentally written with the
// configured prefix applied twice (e.g. "subcore:subcore:SESSION:x") and
// renames them back to a single prefix. Uses the raw client, whose SCAN
// pattern here is the doubled prefix itself (spec.md §4.4).
func (b *Backend) healDoublePrefix(ctx context.Context) error {
	doubled := b.cfg.KeyPrefix + b.cfg.KeyPrefix
	migrated := 0
	var cursor uint64
	for {
		keys, next, err := b.raw.Scan(ctx, cursor, doubled+"*", 100).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if migrated >= healMigrationCap {
				b.logger.Warn("redisstore: double-prefix heal hit migration cap", zap.Int("cap", healMigrationCap))
				return nil
			}
			target := b.cfg.KeyPrefix + strings.TrimPrefix(k, doubled)
			renamed, err := b.raw.RenameNX(ctx, k, target).Result()
			if err != nil {
				b.logger.Warn("redisstore: double-prefix rename failed", zap.String("key", k), zap.Error(err))
				continue
			}
			if !renamed {
				// target already exists: k is an orphaned duplicate, drop it
				// (spec.md §4.4 collision rule).
				if err := b.raw.Del(ctx, k).Err(); err != nil {
					b.logger.Warn("redisstore: double-prefix duplicate delete failed", zap.String("key", k), zap.Error(err))
					continue
				}
			}
			migrated++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if migrated > 0 {
		b.logger.Info("redisstore: double-prefix heal migrated keys", zap.Int("count", migrated))
	}
	return nil
}

// healPrefixVariants migrates keys written under any of
// REDIS_KEY_PREFIX_VARIANTS (older/alternate prefixes a prior deployment
// used) to the currently configured prefix, capped at 500 keys per run so a
// large legacy keyspace can't stall startup (spec.md §4.4).
func (b *Backend) healPrefixVariants(ctx context.Context) error {
	migrated := 0
	for _, variant := range b.cfg.KeyPrefixVariants {
		if variant == "" || variant == b.cfg.KeyPrefix {
			continue
		}
		var cursor uint64
		for {
			keys, next, err := b.raw.Scan(ctx, cursor, variant+"*", 100).Result()
			if err != nil {
				return err
			}
			for _, k := range keys {
				if migrated >= healMigrationCap {
					b.logger.Warn("redisstore: prefix-variant heal hit migration cap", zap.Int("cap", healMigrationCap))
					return nil
				}
				target := b.cfg.KeyPrefix + strings.TrimPrefix(k, variant)
				renamed, err := b.raw.RenameNX(ctx, k, target).Result()
				if err != nil {
					b.logger.Warn("redisstore: prefix-variant rename failed", zap.String("key", k), zap.Error(err))
					continue
				}
				if !renamed {
					// target already exists: k is an orphaned duplicate, drop
					// it (spec.md §4.4 collision rule).
					if err := b.raw.Del(ctx, k).Err(); err != nil {
						b.logger.Warn("redisstore: prefix-variant duplicate delete failed", zap.String("key", k), zap.Error(err))
						continue
					}
				}
				migrated++
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	if migrated > 0 {
		b.logger.Info("redisstore: prefix-variant heal migrated keys", zap.Int("count", migrated))
	}
	return nil
}
