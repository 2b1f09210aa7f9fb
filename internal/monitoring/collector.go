package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/account"
	"github.com/daymade/claude-relay-service/internal/breaker"
	"github.com/daymade/claude-relay-service/internal/ratelimit"
)

// Collector 周期性把调度侧状态刷进 Prometheus 指标
//
// 账户在途数与熔断状态是拉取型状态（计数器在 KV / 熔断注册表里），
// 由采集循环定期快照，而不是在请求路径上逐次上报。
type Collector struct {
	metrics  *Metrics
	accounts *account.Repository
	inflight *ratelimit.InflightTracker
	breakers *breaker.Registry
	log      *zap.Logger
}

// NewCollector 创建指标采集器
func NewCollector(metrics *Metrics, accounts *account.Repository, inflight *ratelimit.InflightTracker, breakers *breaker.Registry, log *zap.Logger) *Collector {
	return &Collector{
		metrics:  metrics,
		accounts: accounts,
		inflight: inflight,
		breakers: breakers,
		log:      log,
	}
}

// Start 启动采集循环
func (c *Collector) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.collect(ctx)
			}
		}
	}()
}

// collect 采一轮快照
func (c *Collector) collect(ctx context.Context) {
	snapCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	accounts, err := c.accounts.List(snapCtx)
	if err != nil {
		c.log.Debug("metrics collector failed to list accounts", zap.Error(err))
	} else {
		for _, acct := range accounts {
			c.metrics.AccountInflight.WithLabelValues(acct.ID).
				Set(float64(c.inflight.Current(snapCtx, acct.ID)))
		}
	}

	open := 0
	for _, state := range c.breakers.States() {
		if state == "open" {
			open++
		}
	}
	c.metrics.BreakerOpenAccounts.Set(float64(open))
}
