// Package lock elects a single reconciler across session daemons with a redis key.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	errNotConfigured = errors.New("lock client not configured")
	errEmptyKey      = errors.New("lock key is empty")
	errInvalidTTL    = errors.New("lock ttl must be positive")
)

// RedisLocker implements billing.Locker with SET NX and a compare-and-delete release.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
}

// Dial connects to the redis server at rawURL and checks it answers.
func Dial(ctx context.Context, rawURL string) (*RedisLocker, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisLocker(client), nil
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, script: redis.NewScript(releaseScript)}
}

// TryLock sets key to a fresh token if it is unset. The token is needed to release.
func (locker *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if locker == nil || locker.client == nil {
		return "", false, errNotConfigured
	}
	if key == "" {
		return "", false, errEmptyKey
	}
	if ttl <= 0 {
		return "", false, errInvalidTTL
	}
	token := uuid.NewString()
	ok, err := locker.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire %s: %w", key, err)
	}
	return token, ok, nil
}

// Release deletes key only while it still holds token.
func (locker *RedisLocker) Release(ctx context.Context, key, token string) error {
	if locker == nil || locker.client == nil || key == "" || token == "" {
		return nil
	}
	return locker.script.Run(ctx, locker.client, []string{key}, token).Err()
}

// Close closes the redis client.
func (locker *RedisLocker) Close() error {
	if locker == nil || locker.client == nil {
		return nil
	}
	return locker.client.Close()
}
