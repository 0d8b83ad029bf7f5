package publisher

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard serialises concurrent publishes of the same idempotency key across
// processes. It only narrows the race; the store's in-flight key is the
// authority.
type Guard interface {
	// Acquire tries to take the publish slot for key. On success the
	// returned release function must be called once the insert is done.
	Acquire(ctx context.Context, key string) (release func(context.Context), ok bool, err error)
}

// RedisGuard holds publish slots as Redis keys set with NX and a TTL, so a
// crashed publisher's slot expires on its own.
type RedisGuard struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// releaseScript deletes the slot only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedisGuard(rdb redis.UniversalClient, ttl time.Duration, prefix string) *RedisGuard {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "eventbus:publish"
	}
	return &RedisGuard{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(context.Context), bool, error) {
	slot := g.prefix + ":" + key
	token := uuid.NewString()

	ok, err := g.rdb.SetNX(ctx, slot, token, g.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func(ctx context.Context) {
		_ = releaseScript.Run(ctx, g.rdb, []string{slot}, token).Err()
	}, true, nil
}
