package state

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
)

// KV is the narrow key-value surface the store needs. Backed by redis in
// production; an in-memory fake serves the tests.
type KV interface {
	Get(ctx context.Context, key string) (string, error) // "" when missing
	Set(ctx context.Context, key, value string) error
	SetNX(ctx context.Context, key, value string) (bool, error)
	Del(ctx context.Context, keys ...string) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	Close() error
}

// RedisKV wraps a redis client behind the KV interface.
type RedisKV struct {
	cli *redis.Client
	log logger.Logger
}

// NewRedisKV connects to redis and verifies the connection.
func NewRedisKV(addr, password string, db int, log logger.Logger) (*RedisKV, error) {
	cli := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	log.Infof("connected to redis at %s", addr)
	return &RedisKV{cli: cli, log: log}, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.cli.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		r.log.Errorf("failed to get key %s: %v", key, err)
		return "", err
	}
	return val, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string) error {
	if err := r.cli.Set(ctx, key, value, 0).Err(); err != nil {
		r.log.Errorf("failed to set key %s: %v", key, err)
		return err
	}
	return nil
}

func (r *RedisKV) SetNX(ctx context.Context, key, value string) (bool, error) {
	ok, err := r.cli.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		r.log.Errorf("failed to setnx %s: %v", key, err)
		return false, err
	}
	return ok, nil
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	return r.cli.Del(ctx, keys...).Err()
}

func (r *RedisKV) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.cli.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *RedisKV) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return r.cli.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

func (r *RedisKV) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return r.cli.ZRemRangeByScore(ctx, key,
		fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Err()
}

func (r *RedisKV) Close() error {
	return r.cli.Close()
}
