package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/store"
)

// Config Redis 连接配置
type Config struct {
	Address  string
	Password string
	DB       int
}

// Client 封装 go-redis 客户端，实现 store.KV
type Client struct {
	rdb *goredis.Client
	log *zap.Logger
}

// decrClampScript 原子扣减并在 0 处截断
//
// KEYS[1] 余额键；ARGV[1] 扣减量。返回 {新值, 是否截断}。
var decrClampScript = goredis.NewScript(`
local balance = tonumber(redis.call('GET', KEYS[1]) or '0')
local cost = tonumber(ARGV[1])
local clamped = 0
local result = balance - cost
if result < 0 then
  result = 0
  clamped = 1
end
redis.call('SET', KEYS[1], tostring(result))
return {tostring(result), clamped}
`)

// New 创建 Redis 客户端并验证连通性
func New(cfg Config, log *zap.Logger) (*Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("connected to Redis",
		zap.String("address", cfg.Address),
		zap.Int("db", cfg.DB),
	)

	return &Client{rdb: rdb, log: log}, nil
}

func translateErr(err error) error {
	if errors.Is(err, goredis.Nil) {
		return store.ErrNotFound
	}
	return err
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	return val, translateErr(err)
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return c.rdb.HSet(ctx, key, args...).Err()
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	return val, translateErr(err)
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

func (c *Client) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return c.rdb.HIncrBy(ctx, key, field, delta).Result()
}

func (c *Client) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	return c.rdb.HIncrByFloat(ctx, key, field, delta).Result()
}

func (c *Client) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.rdb.IncrBy(ctx, key, delta).Result()
}

func (c *Client) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.rdb.DecrBy(ctx, key, delta).Result()
}

func (c *Client) DecrFloatClamp(ctx context.Context, key string, delta float64) (float64, bool, error) {
	res, err := decrClampScript.Run(ctx, c.rdb, []string{key}, delta).Result()
	if err != nil {
		return 0, false, err
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, false, fmt.Errorf("unexpected script result: %v", res)
	}
	var balance float64
	if s, ok := pair[0].(string); ok {
		fmt.Sscanf(s, "%g", &balance)
	}
	clamped, _ := pair[1].(int64)
	return balance, clamped == 1, nil
}

func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err()
}

func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

func (c *Client) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	return c.rdb.ZRemRangeByScore(ctx, key,
		fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Err()
}

func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.ZCard(ctx, key).Result()
}

// ScanKeys 按模式扫描键空间（非阻塞 SCAN，不用 KEYS）
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// GetMulti 通过 pipeline 批量读取
func (c *Client) GetMulti(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	pipe := c.rdb.Pipeline()
	cmds := make([]*goredis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for i, cmd := range cmds {
		if val, err := cmd.Result(); err == nil {
			out[keys[i]] = val
		}
	}
	return out, nil
}

func (c *Client) Publish(ctx context.Context, channel, message string) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe 订阅频道，返回消息通道和取消函数
func (c *Client) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	pubsub := c.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { pubsub.Close() }
	return out, cancel, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.log.Error("failed to close Redis connection", zap.Error(err))
		return err
	}
	c.log.Info("Redis connection closed")
	return nil
}
