package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "paywatch/pkg/logx"

	"github.com/redis/go-redis/v9"
)

// redisStore keeps the ledger in one hash so it can be read back with a
// single HGETALL.
type redisStore struct {
	rdb *redis.Client
	key string
	log logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("ledger dsn is required for redis driver")
	}
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = "paywatch:processed"
	}
	return newRedisStore(rdb, key, log), nil
}

func newRedisStore(rdb *redis.Client, key string, log logx.Logger) *redisStore {
	return &redisStore{rdb: rdb, key: key, log: log}
}

func (s *redisStore) Load(ctx context.Context) (map[string]time.Time, error) {
	raw, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL: %w", err)
	}
	out := make(map[string]time.Time, len(raw))
	for id, ts := range raw {
		out[id] = parseTimestamp(ts)
	}
	return out, nil
}

func (s *redisStore) Put(ctx context.Context, id string, at time.Time) error {
	if err := s.rdb.HSet(ctx, s.key, id, formatTimestamp(at)).Err(); err != nil {
		return fmt.Errorf("redis HSET: %w", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.HDel(ctx, s.key, ids...).Err(); err != nil {
		return fmt.Errorf("redis HDEL: %w", err)
	}
	return nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }
