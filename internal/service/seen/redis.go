package seen

import (
	"context"
	"fmt"
	"time"
)

type (
	redisClient interface {
		SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
		Exists(ctx context.Context, key string) (bool, error)
		Del(ctx context.Context, key string) error
	}

	// RedisSet shares the seen hashes between processes through redis.
	RedisSet struct {
		rdb redisClient
		ttl time.Duration
	}
)

func NewRedisSet(rdb redisClient, ttl time.Duration) *RedisSet {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisSet{
		rdb: rdb,
		ttl: ttl,
	}
}

func redisKey(session, hash string) string {
	return fmt.Sprintf("pqchat:seen:%s:%s", session, hash)
}

func (s *RedisSet) Add(ctx context.Context, session, hash string) (bool, error) {
	return s.rdb.SetNX(ctx, redisKey(session, hash), 1, s.ttl)
}

func (s *RedisSet) Contains(ctx context.Context, session, hash string) (bool, error) {
	return s.rdb.Exists(ctx, redisKey(session, hash))
}

func (s *RedisSet) Remove(ctx context.Context, session, hash string) error {
	return s.rdb.Del(ctx, redisKey(session, hash))
}
