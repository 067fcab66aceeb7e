// Package health provides readiness checks for the ledger's external dependencies.
package health

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrCacheReadOnly is returned when the stream id cache points at a replica.
// Appends would still succeed, but every stream lookup would miss and fall
// through to the database.
var ErrCacheReadOnly = errors.New("redis stream cache is a read-only replica")

// RedisChecker checks the Redis instance backing the stream id cache.
type RedisChecker struct {
	client redis.UniversalClient
}

// NewRedisChecker creates a checker for client.
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck pings Redis and fails if the node reports the replica role.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	info, err := r.client.Info(ctx, "replication").Result()
	if err != nil {
		return fmt.Errorf("redis replication info: %w", err)
	}
	if replicationRole(info) == "slave" {
		return ErrCacheReadOnly
	}
	return nil
}

// replicationRole extracts the role field from an INFO replication reply.
func replicationRole(info string) string {
	sc := bufio.NewScanner(strings.NewReader(info))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "role:"); ok {
			return v
		}
	}
	return ""
}
