package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/apikey"
	"github.com/daymade/claude-relay-service/internal/domain"
	"github.com/daymade/claude-relay-service/internal/monitoring"
	"github.com/daymade/claude-relay-service/internal/pool"
	"github.com/daymade/claude-relay-service/internal/pricing"
	"github.com/daymade/claude-relay-service/internal/ratelimit"
	"github.com/daymade/claude-relay-service/internal/store"
	"github.com/daymade/claude-relay-service/internal/websocket"
)

const (
	eventKeyPrefix  = "usage:events:"
	rollupKeyPrefix = "usage:daily:"
)

// Recorder 用量事件管道
//
// 请求路径只调用 Commit 入队；落账（原始事件、日聚合、费用扣减、
// 可选 Postgres 落库、实时广播）全部在后台队列里完成。
// 队列有界提供背压；停机时 Drain 带超时排空，保证不丢事件。
type Recorder struct {
	kv      store.KV
	queue   *pool.WorkerPool
	limiter *ratelimit.Limiter
	keys    *apikey.Service
	prices  *pricing.Table
	sink    *PostgresSink       // 可选
	hub     *websocket.Hub      // 可选
	metrics *monitoring.Metrics // 可选
	log     *zap.Logger

	retention time.Duration
}

// NewRecorder 创建用量管道
func NewRecorder(kv store.KV, queue *pool.WorkerPool, limiter *ratelimit.Limiter, keys *apikey.Service, prices *pricing.Table, retentionDays int, log *zap.Logger) *Recorder {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &Recorder{
		kv:        kv,
		queue:     queue,
		limiter:   limiter,
		keys:      keys,
		prices:    prices,
		log:       log,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// WithSink 挂接 Postgres 落库
func (r *Recorder) WithSink(sink *PostgresSink) *Recorder {
	r.sink = sink
	return r
}

// WithHub 挂接实时广播
func (r *Recorder) WithHub(hub *websocket.Hub) *Recorder {
	r.hub = hub
	return r
}

// WithMetrics 挂接费用指标上报
func (r *Recorder) WithMetrics(metrics *monitoring.Metrics) *Recorder {
	r.metrics = metrics
	return r
}

// Commit 提交一条用量事件（每请求恰好一次，包括失败与取消路径）
//
// 费用为零的失败事件同样入账，保证运维侧能观察到故障模式。
func (r *Recorder) Commit(record domain.UsageRecord) {
	if record.Cost == 0 && record.Provider != "" {
		record.Cost = r.prices.Cost(record.Provider, record.Model, record.Usage)
	}

	if !r.queue.TrySubmit(func() { r.persist(record) }) {
		// 背压：队列满时同步落账，宁可慢也不丢
		r.log.Warn("usage queue full, committing synchronously",
			zap.String("request_id", record.RequestID))
		r.persist(record)
	}
}

// persist 真正的落账
func (r *Recorder) persist(record domain.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	date := record.StartedAt.UTC().Format("2006-01-02")

	// 原始事件（追加式，按天保留）
	raw, err := json.Marshal(record)
	if err == nil {
		eventKey := eventKeyPrefix + date
		_ = r.kv.ZAdd(ctx, eventKey, float64(record.StartedAt.UnixNano()), string(raw))
		_ = r.kv.Expire(ctx, eventKey, r.retention)
	}

	// 日聚合（只增计数）
	model := record.Model
	if model == "" {
		model = "unknown"
	}
	rollupKey := rollupKeyPrefix + date + ":" + record.APIKeyID + ":" + model
	_, _ = r.kv.HIncrBy(ctx, rollupKey, "requests", 1)
	_, _ = r.kv.HIncrBy(ctx, rollupKey, "input_tokens", record.Usage.InputTokens)
	_, _ = r.kv.HIncrBy(ctx, rollupKey, "output_tokens", record.Usage.OutputTokens)
	_, _ = r.kv.HIncrBy(ctx, rollupKey, "cache_creation_tokens", record.Usage.CacheCreationTokens)
	_, _ = r.kv.HIncrBy(ctx, rollupKey, "cache_read_tokens", record.Usage.CacheReadTokens)
	_, _ = r.kv.HIncrByFloat(ctx, rollupKey, "cost", record.Cost)
	_ = r.kv.Expire(ctx, rollupKey, r.retention)

	if r.metrics != nil && record.Cost > 0 {
		r.metrics.RelayCostTotal.WithLabelValues(model).Add(record.Cost)
	}

	// 额度扣减（原子 clamp），触底时软性标记
	if record.Cost > 0 {
		overdrawn, err := r.limiter.CommitCost(ctx, record.APIKeyID, record.Cost)
		if err != nil {
			r.log.Warn("failed to commit cost", zap.String("api_key_id", record.APIKeyID), zap.Error(err))
		} else if overdrawn {
			if err := r.keys.MarkOverdrawn(ctx, record.APIKeyID, false); err != nil {
				r.log.Warn("failed to flag overdrawn key", zap.String("api_key_id", record.APIKeyID), zap.Error(err))
			}
		}
	}

	if r.sink != nil {
		if err := r.sink.Insert(ctx, &record); err != nil {
			r.log.Warn("failed to insert usage event into sink", zap.Error(err))
		}
	}

	if r.hub != nil {
		if raw != nil {
			r.hub.Broadcast(raw)
		}
	}
}

// Rollups 读取某 Key 在指定日期的聚合（按模型分列）
func (r *Recorder) Rollups(ctx context.Context, keyID, date string) ([]*domain.DailyRollup, error) {
	keys, err := r.kv.ScanKeys(ctx, rollupKeyPrefix+date+":"+keyID+":*")
	if err != nil {
		return nil, err
	}
	out := make([]*domain.DailyRollup, 0, len(keys))
	for _, key := range keys {
		fields, err := r.kv.HGetAll(ctx, key)
		if err != nil {
			continue
		}
		model := key[strings.LastIndex(key, ":")+1:]
		rollup := &domain.DailyRollup{
			Date:     date,
			APIKeyID: keyID,
			Model:    model,
		}
		rollup.Requests, _ = strconv.ParseInt(fields["requests"], 10, 64)
		rollup.InputTokens, _ = strconv.ParseInt(fields["input_tokens"], 10, 64)
		rollup.OutputTokens, _ = strconv.ParseInt(fields["output_tokens"], 10, 64)
		rollup.CacheCreationTokens, _ = strconv.ParseInt(fields["cache_creation_tokens"], 10, 64)
		rollup.CacheReadTokens, _ = strconv.ParseInt(fields["cache_read_tokens"], 10, 64)
		rollup.Cost, _ = strconv.ParseFloat(fields["cost"], 64)
		out = append(out, rollup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

// RangeRollups 读取最近 N 天的聚合
func (r *Recorder) RangeRollups(ctx context.Context, keyID string, days int, now time.Time) (map[string][]*domain.DailyRollup, error) {
	if days <= 0 || days > 90 {
		return nil, fmt.Errorf("days out of range: %d", days)
	}
	out := make(map[string][]*domain.DailyRollup, days)
	for i := 0; i < days; i++ {
		date := now.UTC().AddDate(0, 0, -i).Format("2006-01-02")
		rollups, err := r.Rollups(ctx, keyID, date)
		if err != nil {
			return nil, err
		}
		if len(rollups) > 0 {
			out[date] = rollups
		}
	}
	return out, nil
}
