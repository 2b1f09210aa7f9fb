package monitoring

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/store"
)

// HealthChecker 健康检查器
//
// liveness 只看进程自身；readiness 要求 KV 存储可达。
type HealthChecker struct {
	health healthcheck.Handler
	kv     store.KV
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(kv store.KV, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		kv:     kv,
		logger: logger,
	}
	hc.addChecks()
	return hc
}

func (hc *HealthChecker) addChecks() {
	// 协程数暴涨通常意味着泄漏
	hc.health.AddLivenessCheck("goroutine-count", healthcheck.GoroutineCountCheck(5000))

	hc.health.AddReadinessCheck("kv-store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return hc.kv.Ping(ctx)
	})
}

// LiveHandler /liveness 处理器
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler /readiness 处理器
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// Check 聚合健康状态（/health 用）
func (hc *HealthChecker) Check(ctx context.Context) map[string]string {
	results := map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := hc.kv.Ping(pingCtx); err != nil {
		results["kv_store"] = "ERROR: " + err.Error()
		results["status"] = "degraded"
	} else {
		results["kv_store"] = "OK"
	}
	return results
}
