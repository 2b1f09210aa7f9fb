package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound 键不存在
	ErrNotFound = errors.New("key not found")
	// ErrUnavailable 存储后端不可达
	ErrUnavailable = errors.New("store unavailable")
)

// KV 定义远程键值存储的抽象
//
// Redis 为主实现；Redis 不可达时降级到进程内实现（见 hybrid 包）。
type KV interface {
	// 基础键值
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// 哈希表
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error)

	// 原子计数
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	DecrBy(ctx context.Context, key string, delta int64) (int64, error)
	// DecrFloatClamp 原子扣减并在 0 处截断，返回 (扣减后的值, 是否发生截断)
	DecrFloatClamp(ctx context.Context, key string, delta float64) (float64, bool, error)

	// 有序集合（滑动窗口）
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)

	// 键空间扫描
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// 批量读（Redis 侧走 pipeline）
	GetMulti(ctx context.Context, keys []string) (map[string]string, error)

	// 失效广播
	Publish(ctx context.Context, channel, message string) error
	Subscribe(ctx context.Context, channel string) (<-chan string, func(), error)

	Ping(ctx context.Context) error
	Close() error
}
