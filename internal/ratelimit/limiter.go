package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/domain"
	"github.com/daymade/claude-relay-service/internal/store"
)

// Decision 准入判定结果
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // 拒绝时的建议等待时长
	Reason     string
}

// Limiter 基于 KV 存储的滑动窗口限流与额度记账
//
// 窗口成员编码为 "<纳秒时间戳>:<随机后缀>:<权重>"，
// 权重求和即窗口内消耗量。
type Limiter struct {
	kv  store.KV
	log *zap.Logger
	now func() time.Time
}

// NewLimiter 创建限流器
func NewLimiter(kv store.KV, log *zap.Logger) *Limiter {
	return &Limiter{kv: kv, log: log, now: time.Now}
}

func requestWindowKey(keyID string) string { return "rl:" + keyID + ":req" }
func tokenWindowKey(keyID string) string   { return "rl:" + keyID + ":tok" }
func keyInflightKey(keyID string) string   { return "inflight:key:" + keyID }
func creditKey(keyID string) string        { return "credit:" + keyID }
func dailyCostKey(keyID, date string) string {
	return "cost:daily:" + date + ":" + keyID
}

// keyInflightTTL Key 级在途计数的保底过期（进程崩溃后自动归零）
const keyInflightTTL = 15 * time.Minute

// CheckAdmission 评估 Key 当前是否可以接收新请求
//
// 依次检查：请求数窗口、token 窗口、Key 级并发上限、每日费用上限。
// 任一维度超限则拒绝并给出重试提示。并发维度这里只做读判定，
// 原子占用走 AcquireKeySlot。
func (l *Limiter) CheckAdmission(ctx context.Context, key *domain.APIKey) (Decision, error) {
	window := time.Duration(key.Quota.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}

	// dailyCostLimit = 0 是显式的"全部阻断"
	if key.DailyCostLimit == 0 {
		return Decision{Allowed: false, RetryAfter: time.Hour, Reason: "daily cost limit is zero"}, nil
	}

	if key.Quota.RequestsPerWindow > 0 {
		count, oldest, err := l.windowLoad(ctx, requestWindowKey(key.ID), window)
		if err != nil {
			return Decision{}, err
		}
		if count >= key.Quota.RequestsPerWindow {
			return Decision{
				Allowed:    false,
				RetryAfter: retryHint(oldest, window, l.now()),
				Reason:     "request window exhausted",
			}, nil
		}
	}

	if key.Quota.TokensPerWindow > 0 {
		used, oldest, err := l.windowLoad(ctx, tokenWindowKey(key.ID), window)
		if err != nil {
			return Decision{}, err
		}
		if used >= key.Quota.TokensPerWindow {
			return Decision{
				Allowed:    false,
				RetryAfter: retryHint(oldest, window, l.now()),
				Reason:     "token window exhausted",
			}, nil
		}
	}

	if key.Quota.MaxConcurrent > 0 {
		if cur := l.KeyInflight(ctx, key.ID); cur >= key.Quota.MaxConcurrent {
			return Decision{
				Allowed:    false,
				RetryAfter: time.Second,
				Reason:     "concurrency limit reached",
			}, nil
		}
	}

	if key.DailyCostLimit > 0 {
		spent, err := l.DailyCost(ctx, key.ID, l.now())
		if err != nil {
			return Decision{}, err
		}
		if spent >= key.DailyCostLimit {
			return Decision{Allowed: false, RetryAfter: untilMidnight(l.now()), Reason: "daily cost limit reached"}, nil
		}
	}

	return Decision{Allowed: true}, nil
}

// AcquireKeySlot 原子占用一个 Key 级并发额度
//
// MaxConcurrent <= 0 表示不限制。超限时回滚计数并返回 false。
func (l *Limiter) AcquireKeySlot(ctx context.Context, key *domain.APIKey) (bool, error) {
	if key.Quota.MaxConcurrent <= 0 {
		return true, nil
	}
	n, err := l.kv.IncrBy(ctx, keyInflightKey(key.ID), 1)
	if err != nil {
		return false, err
	}
	if n > key.Quota.MaxConcurrent {
		if _, derr := l.kv.DecrBy(ctx, keyInflightKey(key.ID), 1); derr != nil {
			l.log.Warn("failed to roll back key inflight counter",
				zap.String("api_key_id", key.ID), zap.Error(derr))
		}
		return false, nil
	}
	_ = l.kv.Expire(ctx, keyInflightKey(key.ID), keyInflightTTL)
	return true, nil
}

// ReleaseKeySlot 释放一个 Key 级并发额度（不降到负数）
func (l *Limiter) ReleaseKeySlot(ctx context.Context, keyID string) {
	n, err := l.kv.DecrBy(ctx, keyInflightKey(keyID), 1)
	if err != nil {
		l.log.Warn("failed to release key inflight counter",
			zap.String("api_key_id", keyID), zap.Error(err))
		return
	}
	if n < 0 {
		_ = l.kv.Set(ctx, keyInflightKey(keyID), "0", keyInflightTTL)
	}
}

// KeyInflight 读取 Key 当前在途数
func (l *Limiter) KeyInflight(ctx context.Context, keyID string) int64 {
	v, err := l.kv.Get(ctx, keyInflightKey(keyID))
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	if n < 0 {
		return 0
	}
	return n
}

// RecordRequest 在请求窗口追加一个事件
func (l *Limiter) RecordRequest(ctx context.Context, keyID string, window time.Duration) error {
	return l.windowAppend(ctx, requestWindowKey(keyID), 1, window)
}

// RecordTokens 在 token 窗口追加消耗量
func (l *Limiter) RecordTokens(ctx context.Context, keyID string, tokens int64, window time.Duration) error {
	if tokens <= 0 {
		return nil
	}
	return l.windowAppend(ctx, tokenWindowKey(keyID), tokens, window)
}

// windowAppend 写入 (时间戳, 权重) 并裁剪过期成员
func (l *Limiter) windowAppend(ctx context.Context, key string, weight int64, window time.Duration) error {
	now := l.now()
	member := fmt.Sprintf("%d:%s:%d", now.UnixNano(), uuid.NewString()[:8], weight)
	if err := l.kv.ZAdd(ctx, key, float64(now.UnixNano()), member); err != nil {
		return err
	}
	cutoff := float64(now.Add(-window).UnixNano())
	if err := l.kv.ZRemRangeByScore(ctx, key, 0, cutoff); err != nil {
		return err
	}
	return l.kv.Expire(ctx, key, window+time.Minute)
}

// windowLoad 统计窗口内权重和，并返回最老事件时间
func (l *Limiter) windowLoad(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := l.now()
	cutoff := float64(now.Add(-window).UnixNano())
	if err := l.kv.ZRemRangeByScore(ctx, key, 0, cutoff); err != nil {
		return 0, time.Time{}, err
	}
	members, err := l.kv.ZRangeByScore(ctx, key, cutoff, float64(now.UnixNano()))
	if err != nil {
		return 0, time.Time{}, err
	}

	var sum int64
	var oldest time.Time
	for i, m := range members {
		parts := strings.SplitN(m, ":", 3)
		if len(parts) != 3 {
			continue
		}
		if i == 0 {
			if ns, err := strconv.ParseInt(parts[0], 10, 64); err == nil {
				oldest = time.Unix(0, ns)
			}
		}
		if w, err := strconv.ParseInt(parts[2], 10, 64); err == nil {
			sum += w
		}
	}
	return sum, oldest, nil
}

// retryHint 计算窗口型限流的重试提示
func retryHint(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	if oldest.IsZero() {
		return time.Second
	}
	wait := oldest.Add(window).Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// untilMidnight 距离 UTC 次日零点的时长
func untilMidnight(now time.Time) time.Duration {
	next := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return next.Sub(now.UTC())
}

// CommitCost 记账：累计每日费用并扣减额度
//
// 额度扣减在存储侧原子执行并在 0 处截断；
// 返回是否触底（调用方据此标记 overdrawn 或停用）。
func (l *Limiter) CommitCost(ctx context.Context, keyID string, cost float64) (overdrawn bool, err error) {
	if cost <= 0 {
		return false, nil
	}
	date := l.now().UTC().Format("2006-01-02")
	if _, err := l.kv.HIncrByFloat(ctx, dailyCostKey(keyID, date), "cost", cost); err != nil {
		return false, err
	}
	_ = l.kv.Expire(ctx, dailyCostKey(keyID, date), 48*time.Hour)

	// 未初始化余额的 Key 不参与额度扣减
	exists, err := l.kv.Exists(ctx, creditKey(keyID))
	if err != nil || !exists {
		return false, err
	}
	_, clamped, err := l.kv.DecrFloatClamp(ctx, creditKey(keyID), cost)
	return clamped, err
}

// DailyCost 读取 Key 当日累计费用
func (l *Limiter) DailyCost(ctx context.Context, keyID string, now time.Time) (float64, error) {
	date := now.UTC().Format("2006-01-02")
	v, err := l.kv.HGet(ctx, dailyCostKey(keyID, date), "cost")
	if err == store.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	cost, _ := strconv.ParseFloat(v, 64)
	return cost, nil
}

// SetCredits 初始化/重置 Key 余额
func (l *Limiter) SetCredits(ctx context.Context, keyID string, balance float64) error {
	return l.kv.Set(ctx, creditKey(keyID), strconv.FormatFloat(balance, 'f', -1, 64), 0)
}

// Credits 读取 Key 余额
func (l *Limiter) Credits(ctx context.Context, keyID string) (float64, error) {
	v, err := l.kv.Get(ctx, creditKey(keyID))
	if err == store.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	balance, _ := strconv.ParseFloat(v, 64)
	return balance, nil
}
