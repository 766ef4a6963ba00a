package config

import (
	"os"
	"strings"
	"time"

	platformstrings "oblivion/pkg/platform/strings"
)

// Config captures everything the server and CLI need from the environment so
// main stays lean.
type Config struct {
	Addr string

	// RequestStoreDSN points at the database holding the master request and
	// per-shard target tables.
	RequestStoreDSN string

	// ShardDSNs maps shard identifiers onto their database DSNs, parsed from
	// OBLIVION_SHARD_DSNS ("shardA=dsn;shardB=dsn").
	ShardDSNs map[string]string

	// HomeShardDSN is the identity store holding the user and actor tables.
	HomeShardDSN string

	Redis RedisConfig

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	// JWTSigningKey protects the administrative query surface.
	JWTSigningKey string

	// ConfirmBaseURL is the public URL prefix for confirmation links.
	ConfirmBaseURL string

	// AvatarDir is where profile-image assets live on disk.
	AvatarDir string

	// TokenTTL bounds how long a confirmation token stays valid.
	TokenTTL time.Duration
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	cfg := Config{
		Addr:            envOr("OBLIVION_ADDR", ":8080"),
		RequestStoreDSN: os.Getenv("OBLIVION_REQUEST_STORE_DSN"),
		ShardDSNs:       parseShardDSNs(os.Getenv("OBLIVION_SHARD_DSNS")),
		HomeShardDSN:    os.Getenv("OBLIVION_HOME_SHARD_DSN"),
		KafkaTopic:      envOr("OBLIVION_KAFKA_TOPIC", "forget-work"),
		KafkaGroup:      envOr("OBLIVION_KAFKA_GROUP", "forget-workers"),
		JWTSigningKey:   envOr("OBLIVION_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		ConfirmBaseURL:  envOr("OBLIVION_CONFIRM_BASE_URL", "http://localhost:8080/forget/confirm"),
		AvatarDir:       envOr("OBLIVION_AVATAR_DIR", "/var/lib/oblivion/avatars"),
		TokenTTL:        15 * time.Minute,
	}
	if brokers := os.Getenv("OBLIVION_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = platformstrings.DedupeAndTrim(strings.Split(brokers, ","))
	}
	cfg.Redis = RedisConfig{
		URL:          os.Getenv("OBLIVION_REDIS_URL"),
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
	return cfg
}

// RedisConfig holds connection tuning for the session/profile cache.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseShardDSNs(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, dsn, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(dsn)
	}
	return out
}
