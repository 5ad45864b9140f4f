package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig はRedis接続設定です
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// NewRedisClient は設定からRedisクライアントを作成します
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// PingRedis はRedisとの疎通を確認します
func PingRedis(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// ReleaseFunc は取得したロックを解放します
type ReleaseFunc func(ctx context.Context) error

// TickLocker は複数インスタンスでtickが重複実行されないようにするロックです
type TickLocker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error)
}

// NoopTickLocker は常にロックを取得できるTickLockerです
// Redisを使わない単一インスタンス構成で利用します
type NoopTickLocker struct{}

// Acquire always succeeds.
func (NoopTickLocker) Acquire(context.Context, string, time.Duration) (ReleaseFunc, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

// 自分が取得したロックだけを削除する
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisTickLocker は SET NX PX によるTickLockerです
type RedisTickLocker struct {
	client *redis.Client
}

// NewRedisTickLocker は新しいRedisTickLockerを作成します
func NewRedisTickLocker(client *redis.Client) *RedisTickLocker {
	return &RedisTickLocker{client: client}
}

// Acquire はロックを取得します。他のインスタンスが保持中の場合は ok=false を返します
func (l *RedisTickLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (ReleaseFunc, bool, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		err := releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to release lock %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}
