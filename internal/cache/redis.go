package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache on a Redis server.
type Redis struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{rdb: rdb, logger: logger.With("component", "cache")}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// PushTrim runs LPUSH, LTRIM and EXPIRE in one pipeline so the list never
// exceeds maxLen even under concurrent writers.
func (r *Redis) PushTrim(ctx context.Context, key, value string, maxLen int, ttl time.Duration) error {
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, int64(maxLen)-1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache push %s: %w", key, err)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, key string) ([]string, error) {
	vals, err := r.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("cache list %s: %w", key, err)
	}
	return vals, nil
}

func (r *Redis) SetAdd(ctx context.Context, key, member string) error {
	if err := r.rdb.SAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("cache sadd %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetRemove(ctx context.Context, key, member string) error {
	if err := r.rdb.SRem(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("cache srem %s: %w", key, err)
	}
	return nil
}

func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	vals, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache smembers %s: %w", key, err)
	}
	return vals, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
