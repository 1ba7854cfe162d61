// Package invalidation implements the Cross-Instance Invalidation Bus
// (spec.md §4.7): a Redis pub/sub channel that lets horizontally scaled
// pods drop their in-memory session caches when a peer performs an
// Update or Delete, with self-event suppression and a bounded publish
// retry.
package invalidation

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/config"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
)

const baseChannel = "session:invalidate"

// Message is the pub/sub payload (spec.md §4.7): `{token, action,
// instanceId, timestamp}`.
type Message struct {
	Token      string    `json:"token"`
	Action     string    `json:"action"`
	InstanceID uint64    `json:"instanceId"`
	Timestamp  time.Time `json:"timestamp"`
}

// Bus publishes and subscribes to session invalidation events across all
// known key-prefix variants, using separate publish-only and
// subscribe-only Redis clients (spec.md §4.7: "subscriber-mode clients
// cannot issue arbitrary commands").
type Bus struct {
	cfg        config.RedisConfig
	logger     observability.Logger
	metrics    *observability.Metrics
	instanceID uint64

	pub redis.UniversalClient
	sub redis.UniversalClient

	channels []string
}

// New constructs a Bus. Start dials the publish and subscribe clients;
// Subscribe then begins receiving events, and Publish works once Start
// has returned.
func New(cfg config.RedisConfig, logger observability.Logger, metrics *observability.Metrics) *Bus {
	if logger == nil {
		logger = observability.Default()
	}
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}

	channels := make([]string, 0, 1+len(cfg.KeyPrefixVariants))
	channels = append(channels, cfg.KeyPrefix+baseChannel)
	for _, variant := range cfg.KeyPrefixVariants {
		channels = append(channels, variant+baseChannel)
	}

	return &Bus{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		instanceID: newInstanceID(),
		channels:   channels,
	}
}

// newInstanceID mints a process-unique random 64-bit identifier (spec.md
// §4.7) from the low 64 bits of a UUID4, avoiding a hand-rolled RNG wrapper
// when the pack already pulls in google/uuid for this exact shape.
func newInstanceID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[8:16])
}

func (b *Bus) universalOptions() *redis.UniversalOptions {
	opts := &redis.UniversalOptions{
		DB:          b.cfg.DB,
		Password:    b.cfg.Password,
		DialTimeout: b.cfg.DialTimeout,
		MaxRetries:  b.cfg.MaxRetries,
		MasterName:  b.cfg.SentinelMasterName,
	}
	if b.cfg.SentinelEnabled {
		opts.Addrs = b.cfg.Sentinels
	} else {
		opts.Addrs = []string{b.cfg.Addr()}
	}
	return opts
}

// Start dials the publish and subscribe clients. Call Subscribe
// afterwards to begin delivering peer events to onInvalidate.
func (b *Bus) Start(ctx context.Context) error {
	b.pub = redis.NewUniversalClient(b.universalOptions())
	b.sub = redis.NewUniversalClient(b.universalOptions())

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := b.pub.Ping(dialCtx).Err(); err != nil {
		return errors.Wrap(err, "invalidation: ping publish client")
	}
	if err := b.sub.Ping(dialCtx).Err(); err != nil {
		return errors.Wrap(err, "invalidation: ping subscribe client")
	}
	return nil
}

// Close releases both Redis clients.
func (b *Bus) Close() error {
	var err error
	if b.pub != nil {
		err = b.pub.Close()
	}
	if b.sub != nil {
		if subErr := b.sub.Close(); subErr != nil && err == nil {
			err = subErr
		}
	}
	return err
}

// Publish implements session.Publisher: it publishes a Message under
// every known channel variant (spec.md §4.7) with up to 3 attempts and a
// 100-500ms backoff (spec.md §4.7 "Publish protocol"). A permanent
// failure is logged with a visible warning, increments
// InvalidationFailed, and is NOT returned as fatal to the caller whose
// write triggered it — invalidation never rolls back a successful write.
func (b *Bus) Publish(ctx context.Context, token, action string) error {
	if b.pub == nil {
		// Start was never called (e.g. filesystem storage mode has no
		// peers to invalidate): nothing to publish to.
		return nil
	}

	msg := Message{
		Token:      token,
		Action:     action,
		InstanceID: b.instanceID,
		Timestamp:  time.Now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "invalidation: marshal message")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second
	withRetries := backoff.WithMaxRetries(bo, 2)

	operation := func() error {
		for _, ch := range b.channels {
			if err := b.pub.Publish(ctx, ch, payload).Err(); err != nil {
				return err
			}
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(withRetries, ctx)); err != nil {
		b.logger.Warn("invalidation: publish exhausted retries",
			zap.String("token", token), zap.String("action", action), zap.Error(err))
		b.metrics.InvalidationFailed.Inc()
		return nil
	}

	b.metrics.InvalidationPublished.Inc()
	return nil
}

// Subscribe starts a goroutine that listens on every channel variant and
// invokes onInvalidate(token) for peer-originated events, ignoring events
// this instance published itself (spec.md §4.7 "ignores its own events").
// It returns once the subscription is established; delivery continues
// until ctx is canceled.
func (b *Bus) Subscribe(ctx context.Context, onInvalidate func(token string)) error {
	pubsub := b.sub.Subscribe(ctx, b.channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return errors.Wrap(err, "invalidation: subscribe")
	}

	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				b.handleMessage(raw.Payload, onInvalidate)
			}
		}
	}()
	return nil
}

func (b *Bus) handleMessage(payload string, onInvalidate func(token string)) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		b.logger.Warn("invalidation: malformed message", zap.Error(err))
		return
	}
	if msg.InstanceID == b.instanceID {
		return
	}
	onInvalidate(msg.Token)
}
