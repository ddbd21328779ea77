// Package redis implements the counter store on Redis for fleet-wide limits
// with self-expiring keys.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments the counter and stamps the window expiry only on the
// first attempt of a window, in one atomic round trip. It returns the count
// and the remaining window in milliseconds.
var incrScript = redis.NewScript(`
local count = redis.call("incr", KEYS[1])
if count == 1 then
	redis.call("pexpire", KEYS[1], ARGV[1])
end
local ttl = redis.call("pttl", KEYS[1])
return {count, ttl}
`)

// Client is the slice of the go-redis API the store needs; *redis.Client
// satisfies it.
type Client interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Store struct {
	client Client
}

func New(client Client) *Store {
	return &Store{client: client}
}

func (s *Store) Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	res, err := incrScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("increment rate limit counter: %w", err)
	}
	count, _ := res[0].(int64)
	ttlMs, _ := res[1].(int64)
	return int(count), time.Now().Add(time.Duration(ttlMs) * time.Millisecond), nil
}

func (s *Store) Count(ctx context.Context, key string) (int, error) {
	val, err := s.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get rate limit counter: %w", err)
	}
	return val, nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("reset rate limit counter: %w", err)
	}
	return nil
}
