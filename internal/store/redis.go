package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const unreadCacheTTL = 30 * time.Second

// RedisStore handles Redis operations: the unread-count cache and the
// backing client for rate limiting. The store is optional; a nil *RedisStore
// is safe to call and behaves as a cache that never hits.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying client for the rate limiter middleware.
func (s *RedisStore) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// unreadKey returns the cache key for a (conversation, user) unread count.
func unreadKey(conversationID uuid.UUID, userID string) string {
	return fmt.Sprintf("unread:%s:%s", conversationID, userID)
}

// GetUnread returns the cached unread count for the pair. The second return
// is false on a miss or any Redis failure; callers fall through to the
// durable store either way.
func (s *RedisStore) GetUnread(ctx context.Context, conversationID uuid.UUID, userID string) (int64, bool) {
	if s == nil {
		return 0, false
	}
	count, err := s.client.Get(ctx, unreadKey(conversationID, userID)).Int64()
	if err != nil {
		return 0, false
	}
	return count, true
}

// SetUnread caches an unread count with a short TTL.
func (s *RedisStore) SetUnread(ctx context.Context, conversationID uuid.UUID, userID string, count int64) {
	if s == nil {
		return
	}
	s.client.Set(ctx, unreadKey(conversationID, userID), count, unreadCacheTTL)
}

// InvalidateUnread drops the cached count for the pair. Called on every
// append, soft delete and read-mark touching the pair, so a stale badge is
// bounded by the TTL even if an invalidation is lost.
func (s *RedisStore) InvalidateUnread(ctx context.Context, conversationID uuid.UUID, userID string) {
	if s == nil {
		return
	}
	s.client.Del(ctx, unreadKey(conversationID, userID))
}
