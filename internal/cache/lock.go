package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out short-lived exclusive locks on named resources.
type Locker interface {
	// Acquire returns ok=false when another holder owns resource.
	Acquire(ctx context.Context, resource string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX and a token-checked release, so
// a holder whose lock expired cannot free a successor's lock.
type RedisLocker struct {
	cli redis.UniversalClient
}

func NewRedisLocker(cli redis.UniversalClient) *RedisLocker { return &RedisLocker{cli: cli} }

func (l *RedisLocker) Acquire(ctx context.Context, resource string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := "lock:" + resource
	token := uuid.NewString()
	ok, err := l.cli.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.cli, []string{key}, token).Err()
	}
	return release, true, nil
}
