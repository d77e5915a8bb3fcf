package inbox

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisTTL = 7 * 24 * time.Hour

// RedisStore keeps processed markers as expiring keys. Entries older than
// the TTL are forgotten, so the TTL must outlast the full retry ladder.
type RedisStore struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	if prefix == "" {
		prefix = "inbox"
	}
	return &RedisStore{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (s *RedisStore) key(eventID, consumer string) string {
	return s.prefix + ":" + consumer + ":" + eventID
}

func (s *RedisStore) Record(ctx context.Context, eventID, consumer string) (bool, error) {
	return s.rdb.SetNX(ctx, s.key(eventID, consumer), time.Now().UTC().Unix(), s.ttl).Result()
}

func (s *RedisStore) Forget(ctx context.Context, eventID, consumer string) error {
	return s.rdb.Del(ctx, s.key(eventID, consumer)).Err()
}

// RedisReadyCheck pings rdb.
func RedisReadyCheck(rdb redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
