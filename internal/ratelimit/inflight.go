package ratelimit

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/store"
)

func inflightKey(accountID string) string { return "inflight:" + accountID }

// InflightTracker 账户在途请求计数
//
// 计数放在 KV 里以覆盖多进程部署。回收器只把降到负数的计数归零；
// 进程崩溃时丢失的 DECR 不由回收器清理，只在计数键的保底过期
// （grace 的 4 倍，每次成功占用都会续满）到期后随键一起归零。
type InflightTracker struct {
	kv    store.KV
	log   *zap.Logger
	grace time.Duration // 请求超时 + 宽限
}

// NewInflightTracker 创建在途计数器
func NewInflightTracker(kv store.KV, grace time.Duration, log *zap.Logger) *InflightTracker {
	return &InflightTracker{kv: kv, log: log, grace: grace}
}

// TryAcquire 尝试占用一个并发额度
//
// maxConcurrent <= 0 表示不限制。超限时回滚计数并返回 false。
func (t *InflightTracker) TryAcquire(ctx context.Context, accountID string, maxConcurrent int64) (bool, error) {
	n, err := t.kv.IncrBy(ctx, inflightKey(accountID), 1)
	if err != nil {
		return false, err
	}
	if maxConcurrent > 0 && n > maxConcurrent {
		if _, derr := t.kv.DecrBy(ctx, inflightKey(accountID), 1); derr != nil {
			t.log.Warn("failed to roll back inflight counter",
				zap.String("account_id", accountID), zap.Error(derr))
		}
		return false, nil
	}
	// 与回收周期配套的保底过期
	_ = t.kv.Expire(ctx, inflightKey(accountID), t.grace*4)
	return true, nil
}

// Release 释放一个并发额度（不降到负数）
func (t *InflightTracker) Release(ctx context.Context, accountID string) {
	n, err := t.kv.DecrBy(ctx, inflightKey(accountID), 1)
	if err != nil {
		t.log.Warn("failed to release inflight counter",
			zap.String("account_id", accountID), zap.Error(err))
		return
	}
	if n < 0 {
		_ = t.kv.Set(ctx, inflightKey(accountID), "0", t.grace*4)
	}
}

// Current 读取账户当前在途数
func (t *InflightTracker) Current(ctx context.Context, accountID string) int64 {
	v, err := t.kv.Get(ctx, inflightKey(accountID))
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	if n < 0 {
		return 0
	}
	return n
}

// StartReaper 启动悬挂条目回收循环
//
// 计数键依赖 TTL 兜底：正常流量会不断刷新 TTL，
// 进程崩溃后计数键在宽限期后整体过期归零。
func (t *InflightTracker) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.reap(ctx)
			}
		}
	}()
}

func (t *InflightTracker) reap(ctx context.Context) {
	keys, err := t.kv.ScanKeys(ctx, "inflight:*")
	if err != nil {
		t.log.Warn("inflight reaper scan failed", zap.Error(err))
		return
	}
	for _, key := range keys {
		v, err := t.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		if n, _ := strconv.ParseInt(v, 10, 64); n < 0 {
			t.log.Warn("reaping negative inflight counter", zap.String("key", key))
			_ = t.kv.Set(ctx, key, "0", t.grace*4)
		}
	}
}
