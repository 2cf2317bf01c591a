// Package rolecache holds short-lived effective role hints. Entries are never
// authoritative; the resolver overwrites them after every fresh resolution.
package rolecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"covenant.church/internal/identity"
)

const defaultPrefix = "role:"

var _ identity.RoleCache = (*RedisCache)(nil)

// RedisCache stores hints as JSON values with a TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisCacheWithClient(client), nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: defaultPrefix}
}

func (c *RedisCache) key(identityID string) string {
	return c.prefix + identityID
}

func (c *RedisCache) Get(ctx context.Context, identityID string) (identity.EffectiveRole, bool, error) {
	raw, err := c.client.Get(ctx, c.key(identityID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return identity.EffectiveRole{}, false, nil
	}
	if err != nil {
		return identity.EffectiveRole{}, false, fmt.Errorf("lookup role hint: %w", err)
	}
	var role identity.EffectiveRole
	if err := json.Unmarshal(raw, &role); err != nil {
		return identity.EffectiveRole{}, false, fmt.Errorf("decode role hint: %w", err)
	}
	return role, true, nil
}

func (c *RedisCache) Set(ctx context.Context, role identity.EffectiveRole, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("role hint ttl must be positive")
	}
	role.Hint = false
	data, err := json.Marshal(role)
	if err != nil {
		return fmt.Errorf("encode role hint: %w", err)
	}
	if err := c.client.Set(ctx, c.key(role.IdentityID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save role hint: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, identityID string) error {
	if err := c.client.Del(ctx, c.key(identityID)).Err(); err != nil {
		return fmt.Errorf("invalidate role hint: %w", err)
	}
	return nil
}

// Ping checks if Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
