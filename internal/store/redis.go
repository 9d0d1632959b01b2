// internal/store/redis.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps session state in Redis so it survives process restarts and
// can be shared between instances.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client. The caller keeps ownership of the
// client's lifecycle only if it does not call Close.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("SET "+key, err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, unavailable("SETNX "+key, err)
	}
	return ok, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("GET "+key, err)
	}
	return b, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var (
		ok  bool
		err error
	)
	if ttl <= 0 {
		ok, err = s.rdb.Persist(ctx, key).Result()
	} else {
		ok, err = s.rdb.Expire(ctx, key, ttl).Result()
	}
	if err != nil {
		return false, unavailable("EXPIRE "+key, err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return unavailable("DEL", err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable("PING", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
