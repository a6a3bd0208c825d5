package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "pacebot/pkg/logx"
)

// redisStore keeps snapshots in Redis string keys under a common prefix.
// Useful when the session directory cannot live on local disk.
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Ping to surface obvious misconfiguration early, but don't fail hard:
	// the engine degrades to lazy reconnects like any other Redis consumer.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis storage unreachable at startup", logx.String("addr", cfg.Addr), logx.Err(err))
	}

	prefix := strings.TrimSpace(cfg.Path)
	if prefix == "" {
		prefix = "pacebot"
	}
	return &redisStore{client: client, prefix: prefix, log: log}, nil
}

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) key(key string) string {
	return s.prefix + ":" + key
}

func (s *redisStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *redisStore) Save(ctx context.Context, key string, data []byte) error {
	return s.client.Set(ctx, s.key(key), data, 0).Err()
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}
