// Package redisstore implements the Redis Backend (spec.md §4.4):
// prefix-namespaced keys, a sorted-set LRU index and size counter per
// cache type, pipelined writes, and double-prefix/prefix-variant
// self-healing performed once at Initialize.
package redisstore

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/config"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

// Backend implements storage.Adapter over Redis, grounded on
// pkg/common/cache/redis_cache.go's client construction and
// pkg/embedding/cache/lru's sorted-set LRU pattern.
type Backend struct {
	cfg    config.RedisConfig
	logger observability.Logger

	client redis.UniversalClient
	// raw is a second client with the same options, used only by the
	// self-healing sub-steps. Neither client applies a key prefix; the key
	// builders in keys.go and meta.go prepend cfg.KeyPrefix.
	raw redis.UniversalClient

	breaker *gobreaker.CircuitBreaker
}

var _ storage.Adapter = (*Backend)(nil)

// New constructs a Redis Backend. Call Initialize before first use.
func New(cfg config.RedisConfig, logger observability.Logger) *Backend {
	if logger == nil {
		logger = observability.Default()
	}
	return &Backend{cfg: cfg, logger: logger}
}

func (b *Backend) universalOptions(withTLS bool) *redis.UniversalOptions {
	opts := &redis.UniversalOptions{
		DB:           b.cfg.DB,
		Password:     b.cfg.Password,
		DialTimeout:  b.cfg.DialTimeout,
		MaxRetries:   b.cfg.MaxRetries,
		// go-redis backs off exponentially between retries within this range.
		MinRetryBackoff: 50 * time.Millisecond,
		MaxRetryBackoff: 2 * time.Second,
		MasterName:   b.cfg.SentinelMasterName,
	}
	if b.cfg.SentinelEnabled {
		opts.Addrs = b.cfg.Sentinels
	} else {
		opts.Addrs = []string{b.cfg.Addr()}
	}
	if withTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Initialize dials Redis (standalone or Sentinel, per REDIS_SENTINEL_ENABLED),
// verifies connectivity with a Ping, sets up the circuit breaker, and —
// when REDIS_PREFIX_MIGRATION is set — runs the double-prefix and
// prefix-variant self-healing sub-steps (spec.md §4.4).
func (b *Backend) Initialize(ctx context.Context) error {
	b.client = redis.NewUniversalClient(b.universalOptions(false))
	b.raw = redis.NewUniversalClient(b.universalOptions(false))

	dialCtx, cancel := context.WithTimeout(ctx, b.dialTimeout())
	defer cancel()
	if err := b.client.Ping(dialCtx).Err(); err != nil {
		return errors.Wrap(err, "redisstore: ping")
	}

	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redisstore",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		// A cache miss is an answer from a healthy server, not a failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, storage.ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("redisstore: circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	if b.cfg.PrefixMigration {
		if err := b.healDoublePrefix(ctx); err != nil {
			b.logger.Warn("redisstore: double-prefix heal failed", zap.Error(err))
		}
		if err := b.healPrefixVariants(ctx); err != nil {
			b.logger.Warn("redisstore: prefix-variant heal failed", zap.Error(err))
		}
	}

	return nil
}

func (b *Backend) dialTimeout() time.Duration {
	if b.cfg.DialTimeout > 0 {
		return b.cfg.DialTimeout
	}
	return 10 * time.Second
}

// HealthCheck implements storage.Adapter.
func (b *Backend) HealthCheck(ctx context.Context) bool {
	if b.client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return b.client.Ping(ctx).Err() == nil
}

// Close implements storage.Adapter.
func (b *Backend) Close() error {
	var err error
	if b.client != nil {
		err = b.client.Close()
	}
	if b.raw != nil {
		if rawErr := b.raw.Close(); rawErr != nil && err == nil {
			err = rawErr
		}
	}
	return err
}

// execute runs fn through the circuit breaker, mapping a tripped breaker
// to storage.ErrUnavailable (spec.md §7).
func (b *Backend) execute(fn func() (any, error)) (any, error) {
	result, err := b.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, storage.ErrUnavailable
		}
		return nil, err
	}
	return result, nil
}
