package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RedisConf struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// KeyPrefix namespaces all keys, default "warchat:".
	KeyPrefix string
}

// RedisStore persists histories as plain string keys.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(c RedisConf) (*RedisStore, error) {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "warchat:"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return &RedisStore{client: rdb, prefix: c.KeyPrefix}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "redis get %s", key)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return errors.Wrapf(s.client.Set(ctx, s.prefix+key, value, 0).Err(), "redis set %s", key)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
