package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStreamCacheTTL bounds how long a stream mapping stays in Redis.
const DefaultStreamCacheTTL = 24 * time.Hour

const streamCachePrefix = "auditledger:stream:"

// RedisStreamCache is a StreamCache shared by every ledger instance pointing at the same Redis.
type RedisStreamCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStreamCache creates a Redis-backed stream cache. A zero ttl uses DefaultStreamCacheTTL.
func NewRedisStreamCache(client *redis.Client, ttl time.Duration) *RedisStreamCache {
	if ttl <= 0 {
		ttl = DefaultStreamCacheTTL
	}
	return &RedisStreamCache{client: client, ttl: ttl}
}

// Get returns the cached stream for (streamType, streamKey).
func (c *RedisStreamCache) Get(ctx context.Context, streamType, key string) (*Stream, bool, error) {
	raw, err := c.client.Get(ctx, streamCacheKey(streamType, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var st Stream
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, false, fmt.Errorf("decode cached stream: %w", err)
	}
	if st.Type != streamType || st.Key != key {
		return nil, false, nil
	}
	return &st, true, nil
}

// Set stores stream with the configured TTL.
func (c *RedisStreamCache) Set(ctx context.Context, stream *Stream) error {
	raw, err := json.Marshal(stream)
	if err != nil {
		return fmt.Errorf("encode stream: %w", err)
	}
	if err := c.client.Set(ctx, streamCacheKey(stream.Type, stream.Key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// streamCacheKey length-prefixes the type so ("a:b", "c") and ("a", "b:c") never collide.
func streamCacheKey(streamType, key string) string {
	return fmt.Sprintf("%s%d:%s:%s", streamCachePrefix, len(streamType), streamType, key)
}
