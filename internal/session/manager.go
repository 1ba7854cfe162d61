package session

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xtremexq/StremioSubMaker-sub000/internal/cryptoservice"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/observability"
	"github.com/xtremexq/StremioSubMaker-sub000/internal/storage"
)

// Publisher is the minimal surface the Session Manager needs from the
// Cross-Instance Invalidation Bus (internal/invalidation). Defined here
// rather than imported so the two packages don't depend on each other —
// cmd/sessiond wires a concrete *invalidation.Bus in.
type Publisher interface {
	Publish(ctx context.Context, token, action string) error
}

// noopPublisher is used when no bus is configured (single-instance mode).
type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, string) error { return nil }

type cachedConfig struct {
	config    map[string]any
	expiresAt time.Time
}

// Config configures a Manager's lifetime and cache-sizing knobs, mapped
// from config.SessionConfig by the caller.
type Config struct {
	MaxAge             time.Duration
	ClockSkewTolerance time.Duration
	EnvelopeCacheSize  int
	ConfigCacheSize    int
	ConfigCacheTTL     time.Duration
	Publisher          Publisher
}

// Manager implements the Session Manager (spec.md §4.6).
type Manager struct {
	adapter storage.Adapter
	crypto  *cryptoservice.Service
	logger  observability.Logger
	metrics *observability.Metrics
	pub     Publisher

	maxAge    time.Duration
	clockSkew time.Duration

	envelopes   *lru.Cache[string, *Envelope]
	configCache *lru.Cache[string, *cachedConfig]
	configTTL   time.Duration
	configMu    sync.Mutex

	readyMu sync.Mutex
	ready   bool
	readyCh chan struct{}

	pending sync.WaitGroup
}

const (
	defaultMaxAge             = 90 * 24 * time.Hour
	defaultClockSkewTolerance = 5 * time.Minute
	defaultEnvelopeCacheSize  = 2048
	defaultConfigCacheSize    = 2048
	defaultConfigCacheTTL     = 5 * time.Minute
)

// New constructs a Manager over adapter (expected to be a
// *cachepolicy.Policy bound to storage.CacheSession, per spec.md §2's data
// flow). The Manager is not ready for preload-dependent callers until
// WaitUntilReady returns.
func New(adapter storage.Adapter, crypto *cryptoservice.Service, logger observability.Logger, metrics *observability.Metrics, cfg Config) (*Manager, error) {
	if logger == nil {
		logger = observability.Default()
	}
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.ClockSkewTolerance <= 0 {
		cfg.ClockSkewTolerance = defaultClockSkewTolerance
	}
	if cfg.EnvelopeCacheSize <= 0 {
		cfg.EnvelopeCacheSize = defaultEnvelopeCacheSize
	}
	if cfg.ConfigCacheSize <= 0 {
		cfg.ConfigCacheSize = defaultConfigCacheSize
	}
	if cfg.ConfigCacheTTL <= 0 {
		cfg.ConfigCacheTTL = defaultConfigCacheTTL
	}

	envelopes, err := lru.New[string, *Envelope](cfg.EnvelopeCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "session: construct envelope LRU")
	}
	configCache, err := lru.New[string, *cachedConfig](cfg.ConfigCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "session: construct config LRU")
	}

	return &Manager{
		adapter:     adapter,
		crypto:      crypto,
		logger:      logger,
		metrics:     metrics,
		pub:         cfg.Publisher,
		maxAge:      cfg.MaxAge,
		clockSkew:   cfg.ClockSkewTolerance,
		envelopes:   envelopes,
		configCache: configCache,
		configTTL:   cfg.ConfigCacheTTL,
		readyCh:     make(chan struct{}),
	}, nil
}

// MarkReady signals that initialization (preload or lazy-mode skip) is
// complete; WaitUntilReady callers unblock (spec.md §4.6 "Readiness").
func (m *Manager) MarkReady() {
	m.readyMu.Lock()
	defer m.readyMu.Unlock()
	if m.ready {
		return
	}
	m.ready = true
	close(m.readyCh)
}

// WaitUntilReady blocks until MarkReady has been called or ctx is done.
func (m *Manager) WaitUntilReady(ctx context.Context) error {
	select {
	case <-m.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Create issues a new session token bound to config (spec.md §4.6
// "Creation"). config is treated as plaintext input; sensitive fields are
// encrypted in place before persistence.
func (m *Manager) Create(ctx context.Context, config map[string]any) (string, error) {
	if config == nil {
		config = map[string]any{}
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}

	fp, err := fingerprintOf(stripMetadata(config))
	if err != nil {
		return "", err
	}

	config[metaSessionToken] = token
	config[metaSessionFingerprint] = fp

	encrypted, err := m.crypto.EncryptUserConfig(config)
	if err != nil {
		return "", errors.Wrap(err, "session: encrypt config")
	}

	now := time.Now()
	env := &Envelope{
		Token:            token,
		TokenFingerprint: tokenFingerprintOf(token),
		Config:           encrypted,
		Fingerprint:      fp,
		Integrity:        integrityOf(token, fp),
		CreatedAt:        now,
		LastAccessedAt:   now,
	}

	if err := m.persist(ctx, env); err != nil {
		// Never return a token that only exists in this pod's memory
		// (spec.md §4.6): the in-memory entry was never added, so there
		// is nothing to roll back beyond surfacing the error.
		return "", err
	}

	m.envelopes.Add(token, env)
	return token, nil
}

func (m *Manager) persist(ctx context.Context, env *Envelope) error {
	return m.adapter.Set(ctx, storage.CacheSession, env.Token, env, m.maxAge)
}

// Get retrieves and validates a session's decrypted config (spec.md §4.6
// "Retrieval"). Returns (nil, nil) when the token doesn't resolve to a
// valid session — callers distinguish "no session" from infrastructure
// errors via the returned error.
func (m *Manager) Get(ctx context.Context, token string) (map[string]any, error) {
	if cfg := m.getCachedConfig(token); cfg != nil {
		return cloneConfig(cfg)
	}

	env, fromCache := m.envelopes.Get(token)
	if !fromCache {
		var loaded Envelope
		if err := m.adapter.Get(ctx, storage.CacheSession, token, &loaded); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		env = &loaded
	}

	config, ok, err := m.validateAndDecrypt(ctx, env, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	env.LastAccessedAt = time.Now()
	m.envelopes.Add(token, env)
	if err := m.persist(ctx, env); err != nil {
		m.logger.Warn("session: failed to refresh lastAccessedAt", zap.Error(err))
	}

	// The embedded __sessionToken/__sessionFingerprint fields are wrapper
	// bookkeeping (spec.md §3's "dual identity" check); callers only ever
	// see the user-supplied configuration.
	external := stripMetadata(config)
	m.cacheConfig(token, external)
	return cloneConfig(external)
}

func (m *Manager) getCachedConfig(token string) map[string]any {
	m.configMu.Lock()
	defer m.configMu.Unlock()
	entry, ok := m.configCache.Get(token)
	if !ok {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		m.configCache.Remove(token)
		return nil
	}
	return entry.config
}

func (m *Manager) cacheConfig(token string, config map[string]any) {
	clone, err := cloneConfig(config)
	if err != nil {
		return
	}
	m.configMu.Lock()
	defer m.configMu.Unlock()
	m.configCache.Add(token, &cachedConfig{config: clone, expiresAt: time.Now().Add(m.configTTL)})
}

func (m *Manager) invalidateConfigCache(token string) {
	m.configMu.Lock()
	defer m.configMu.Unlock()
	m.configCache.Remove(token)
}

// validateAndDecrypt runs the full validation chain from spec.md §4.6 in
// order, discarding on the first failure. Backfillable legacy fields are
// populated and persisted rather than treated as a failure.
func (m *Manager) validateAndDecrypt(ctx context.Context, env *Envelope, requestedToken string) (map[string]any, bool, error) {
	if env == nil || env.Token == "" || env.Config == nil {
		return nil, false, nil
	}
	if env.TokenFingerprint != "" && env.TokenFingerprint != tokenFingerprintOf(requestedToken) {
		m.discard(ctx, requestedToken)
		return nil, false, nil
	}

	age := time.Since(env.LastAccessedAt)
	if env.LastAccessedAt.IsZero() {
		age = time.Since(env.CreatedAt)
	}
	if age > m.maxAge+m.clockSkew {
		m.discard(ctx, requestedToken)
		return nil, false, nil
	}

	// Decrypt a copy: env.Config keeps its encrypted fields, since a
	// backfilled envelope is persisted as-is below.
	working, err := cloneConfig(env.Config)
	if err != nil {
		m.discard(ctx, requestedToken)
		return nil, false, nil
	}
	decrypted, _, err := m.crypto.DecryptUserConfig(working)
	if err != nil {
		m.discard(ctx, requestedToken)
		return nil, false, nil
	}

	embeddedToken, _ := decrypted[metaSessionToken].(string)
	if embeddedToken != requestedToken {
		m.discard(ctx, requestedToken)
		return nil, false, nil
	}

	clean := stripMetadata(decrypted)
	recomputedFP, err := fingerprintOf(clean)
	if err != nil {
		return nil, false, err
	}

	legacy := env.Fingerprint == "" || env.Integrity == ""
	if !legacy && env.Fingerprint != recomputedFP {
		m.discard(ctx, requestedToken)
		return nil, false, nil
	}
	if !legacy && env.Integrity != integrityOf(requestedToken, env.Fingerprint) {
		m.discard(ctx, requestedToken)
		return nil, false, nil
	}

	if legacy {
		env.Fingerprint = recomputedFP
		env.TokenFingerprint = tokenFingerprintOf(requestedToken)
		env.Integrity = integrityOf(requestedToken, recomputedFP)
	}

	return decrypted, true, nil
}

// discard removes a session that failed validation from both caches and
// storage (spec.md §4.6, §3 invariants).
func (m *Manager) discard(ctx context.Context, token string) {
	m.envelopes.Remove(token)
	m.invalidateConfigCache(token)
	if _, err := m.adapter.Delete(ctx, storage.CacheSession, token); err != nil {
		m.logger.Warn("session: failed to delete invalid session", zap.String("token", token), zap.Error(err))
	}
}

// Update re-embeds metadata, re-encrypts, persists with a refreshed TTL,
// and invalidates peers (spec.md §4.6 "Update"). The session must already
// exist.
func (m *Manager) Update(ctx context.Context, token string, config map[string]any) error {
	existing, err := m.Get(ctx, token)
	if err != nil {
		return err
	}
	if existing == nil {
		return storage.ErrNotFound
	}
	if config == nil {
		config = map[string]any{}
	}

	fp, err := fingerprintOf(stripMetadata(config))
	if err != nil {
		return err
	}
	config[metaSessionToken] = token
	config[metaSessionFingerprint] = fp

	encrypted, err := m.crypto.EncryptUserConfig(config)
	if err != nil {
		return err
	}

	env := &Envelope{
		Token:            token,
		TokenFingerprint: tokenFingerprintOf(token),
		Config:           encrypted,
		Fingerprint:      fp,
		Integrity:        integrityOf(token, fp),
		CreatedAt:        time.Now(),
		LastAccessedAt:   time.Now(),
	}
	if prev, ok := m.envelopes.Get(token); ok {
		env.CreatedAt = prev.CreatedAt
	}

	if err := m.persist(ctx, env); err != nil {
		// A write no peer can see must not be served locally either.
		m.envelopes.Remove(token)
		m.invalidateConfigCache(token)
		return err
	}

	m.envelopes.Add(token, env)
	m.invalidateConfigCache(token)

	if pubErr := m.pub.Publish(ctx, token, "update"); pubErr != nil {
		m.logger.Warn("session: invalidation publish failed", zap.String("token", token), zap.Error(pubErr))
	}
	return nil
}

// Delete removes a session from both caches and schedules the storage
// delete and peer invalidation (spec.md §4.6 "Delete").
func (m *Manager) Delete(ctx context.Context, token string) error {
	m.envelopes.Remove(token)
	m.invalidateConfigCache(token)

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		bgCtx := context.Background()
		if _, err := m.adapter.Delete(bgCtx, storage.CacheSession, token); err != nil {
			m.logger.Warn("session: deferred delete failed", zap.String("token", token), zap.Error(err))
		}
		if err := m.pub.Publish(bgCtx, token, "delete"); err != nil {
			m.logger.Warn("session: delete invalidation publish failed", zap.String("token", token), zap.Error(err))
		}
	}()
	return nil
}

// InvalidateLocal drops token from both in-memory caches. Wired as the
// callback an internal/invalidation.Bus subscriber invokes on a peer
// event (spec.md §4.7: "the receiver drops the token from both in-memory
// caches").
func (m *Manager) InvalidateLocal(token string) {
	m.envelopes.Remove(token)
	m.invalidateConfigCache(token)
}

// AwaitPendingWrites blocks until every fire-and-forget delete started by
// Delete has completed, used during graceful shutdown (spec.md §5).
func (m *Manager) AwaitPendingWrites() {
	m.pending.Wait()
}
