// Package config loads the Session & Cache Core's configuration from the
// environment, following the shape of spec.md §6 "Environment variables
// recognized".
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StorageType selects the pluggable storage backend.
type StorageType string

const (
	StorageFilesystem StorageType = "filesystem"
	StorageRedis      StorageType = "redis"
)

// RedisConfig holds everything needed to dial standalone or Sentinel Redis.
type RedisConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	KeyPrefix          string        `mapstructure:"key_prefix"`
	KeyPrefixVariants  []string      `mapstructure:"key_prefix_variants"`
	SentinelEnabled    bool          `mapstructure:"sentinel_enabled"`
	Sentinels          []string      `mapstructure:"sentinels"`
	SentinelMasterName string        `mapstructure:"sentinel_name"`
	PrefixMigration    bool          `mapstructure:"prefix_migration"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Addr returns host:port for standalone dialing.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CryptoConfig configures key acquisition for the Crypto Service.
type CryptoConfig struct {
	EncryptionKey     string `mapstructure:"encryption_key"`
	EncryptionKeyFile string `mapstructure:"encryption_key_file"`
}

// SessionConfig configures the Session Manager.
type SessionConfig struct {
	Preload            bool          `mapstructure:"preload"`
	RedisTTLEnabled    bool          `mapstructure:"redis_ttl_enabled"`
	SnapshotEnabled    bool          `mapstructure:"snapshot_enabled"`
	SnapshotPath       string        `mapstructure:"snapshot_path"`
	MaxAge             time.Duration `mapstructure:"max_age"`
	ClockSkewTolerance time.Duration `mapstructure:"clock_skew_tolerance"`
}

// Config is the root configuration struct, bound from environment
// variables via viper (mirroring pkg/common/config/config.go's
// mapstructure-tagged composition in developer-mesh).
type Config struct {
	StorageType StorageType   `mapstructure:"storage_type"`
	Redis       RedisConfig   `mapstructure:"redis"`
	Crypto      CryptoConfig  `mapstructure:"crypto"`
	Session     SessionConfig `mapstructure:"session"`
	MaxAPIKeys  int           `mapstructure:"max_api_keys"`
	BaseDir     string        `mapstructure:"base_dir"`
}

// Load reads configuration from environment variables matching spec.md §6.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("storage_type", string(StorageFilesystem))
	v.SetDefault("base_dir", "./data")
	v.SetDefault("max_api_keys", 5)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "subcore:")
	v.SetDefault("redis.dial_timeout", 10*time.Second)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.prefix_migration", false)

	v.SetDefault("session.preload", false)
	v.SetDefault("session.redis_ttl_enabled", true)
	v.SetDefault("session.snapshot_enabled", false)
	v.SetDefault("session.snapshot_path", "./data/session-snapshot.json")
	v.SetDefault("session.max_age", 90*24*time.Hour)
	v.SetDefault("session.clock_skew_tolerance", 5*time.Minute)

	bind := map[string]string{
		"storage_type":                "STORAGE_TYPE",
		"base_dir":                    "STORAGE_BASE_DIR",
		"max_api_keys":                "MAX_API_KEYS",
		"redis.host":                  "REDIS_HOST",
		"redis.port":                  "REDIS_PORT",
		"redis.password":              "REDIS_PASSWORD",
		"redis.db":                    "REDIS_DB",
		"redis.key_prefix":            "REDIS_KEY_PREFIX",
		"redis.key_prefix_variants":   "REDIS_KEY_PREFIX_VARIANTS",
		"redis.sentinel_enabled":      "REDIS_SENTINEL_ENABLED",
		"redis.sentinels":             "REDIS_SENTINELS",
		"redis.sentinel_name":         "REDIS_SENTINEL_NAME",
		"redis.prefix_migration":      "REDIS_PREFIX_MIGRATION",
		"crypto.encryption_key":       "ENCRYPTION_KEY",
		"crypto.encryption_key_file":  "ENCRYPTION_KEY_FILE",
		"session.preload":             "SESSION_PRELOAD",
		"session.redis_ttl_enabled":   "SESSION_REDIS_TTL_ENABLED",
		"session.snapshot_enabled":    "SESSION_SNAPSHOT_ENABLED",
		"session.snapshot_path":       "SESSION_SNAPSHOT_PATH",
	}
	for key, env := range bind {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.MaxAPIKeys < 1 {
		cfg.MaxAPIKeys = 1
	}
	// REDIS_KEY_PREFIX_VARIANTS and REDIS_SENTINELS arrive as a single
	// comma-separated string from the environment; viper's string-slice
	// unmarshal only splits when the source was already a slice, so split
	// by hand when the value came from an env var.
	if s := v.GetString("redis.key_prefix_variants"); s != "" && len(cfg.Redis.KeyPrefixVariants) == 0 {
		cfg.Redis.KeyPrefixVariants = splitAndTrim(s)
	}
	if s := v.GetString("redis.sentinels"); s != "" && len(cfg.Redis.Sentinels) == 0 {
		cfg.Redis.Sentinels = splitAndTrim(s)
	}

	return cfg, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
