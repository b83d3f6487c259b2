package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript moves the expiry only while the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker shared by every pilot process pointed at the same
// Redis. Leases are plain keys with a PX expiry.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisLocker creates a locker that namespaces its keys with prefix.
func NewRedisLocker(client redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// Acquire takes key for lease with SET NX PX.
func (l *RedisLocker) Acquire(ctx context.Context, key string, lease time.Duration) (Guard, error) {
	if lease <= 0 {
		return nil, NewValidationFault("lock lease must be positive", nil)
	}

	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, lease).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, NewLockContention(key)
	}

	return &redisGuard{locker: l, key: key, token: token}, nil
}

type redisGuard struct {
	locker *RedisLocker
	key    string
	token  string

	once sync.Once
	err  error
}

func (g *redisGuard) Key() string { return g.key }

func (g *redisGuard) Extend(ctx context.Context, lease time.Duration) error {
	if lease <= 0 {
		return NewValidationFault("lock lease must be positive", nil)
	}
	n, err := extendScript.Run(ctx, g.locker.client, []string{g.locker.prefix + g.key}, g.token, lease.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", g.key, err)
	}
	if n == 0 {
		return NewLockContention(g.key)
	}
	return nil
}

func (g *redisGuard) Release(ctx context.Context) error {
	g.once.Do(func() {
		// Release must survive a cancelled job context.
		ctx = context.WithoutCancel(ctx)
		if err := releaseScript.Run(ctx, g.locker.client, []string{g.locker.prefix + g.key}, g.token).Err(); err != nil {
			g.err = fmt.Errorf("failed to release lock %s: %w", g.key, err)
		}
	})
	return g.err
}
