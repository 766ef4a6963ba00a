package identity

import (
	"context"
	"fmt"

	platformredis "oblivion/internal/platform/redis"
	"oblivion/pkg/domain"
)

// SessionInvalidator force-logs-out a user everywhere.
type SessionInvalidator interface {
	InvalidateSessions(ctx context.Context, id domain.UserID) error
}

// CacheInvalidator drops any cached view of the user's profile so stale
// pre-rename data cannot be served mid-pipeline.
type CacheInvalidator interface {
	InvalidateProfile(ctx context.Context, id domain.UserID) error
}

// RedisInvalidator implements both invalidators against the shared Redis
// holding session and profile-cache keys.
type RedisInvalidator struct {
	client *platformredis.Client
}

func NewRedisInvalidator(client *platformredis.Client) *RedisInvalidator {
	return &RedisInvalidator{client: client}
}

func (r *RedisInvalidator) InvalidateSessions(ctx context.Context, id domain.UserID) error {
	pattern := fmt.Sprintf("session:user:%s:*", id.String())
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan session keys: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete session keys: %w", err)
	}
	return nil
}

func (r *RedisInvalidator) InvalidateProfile(ctx context.Context, id domain.UserID) error {
	key := fmt.Sprintf("profile:%s", id.String())
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete profile cache: %w", err)
	}
	return nil
}

// NoopInvalidator stands in when Redis is not configured.
type NoopInvalidator struct{}

func (NoopInvalidator) InvalidateSessions(context.Context, domain.UserID) error { return nil }
func (NoopInvalidator) InvalidateProfile(context.Context, domain.UserID) error  { return nil }
