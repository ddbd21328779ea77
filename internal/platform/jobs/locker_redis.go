package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the caller's claim still owns it,
// so an expired lease that another worker re-acquired is never released from
// here.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// redisLockClient is the slice of the go-redis API the locker needs; *redis.Client
// satisfies it and tests can substitute a fake.
type redisLockClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLocker claims job keys fleet-wide with SET NX plus a lease expiry.
type RedisLocker struct {
	client redisLockClient
}

// NewRedisLocker wraps a go-redis client. Keys are namespaced under "jobs:lock:".
func NewRedisLocker(client redisLockClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, lease time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKey(key), token, lease).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire job lock %q: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{lockKey(key)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release job lock %q: %w", key, err)
	}
	return nil
}

func lockKey(key string) string {
	return "jobs:lock:" + key
}
