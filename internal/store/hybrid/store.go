package hybrid

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/store"
	"github.com/daymade/claude-relay-service/internal/store/memory"
)

// Store 混合存储：Redis 为主，不可达时降级到进程内存储
//
// 降级期间后台持续探测 Redis，恢复后切回。降级是有损的
// （跨进程的限流与锁在降级窗口内只对本进程生效），
// 但保证服务本身可用。
type Store struct {
	primary  store.KV
	fallback *memory.Store
	log      *zap.Logger

	degraded atomic.Bool
	done     chan struct{}
	// onState 降级状态变更回调（可选，启动期注册）
	onState func(degraded bool)
}

// New 创建混合存储
func New(primary store.KV, log *zap.Logger) *Store {
	return &Store{
		primary:  primary,
		fallback: memory.NewStore(),
		log:      log,
		done:     make(chan struct{}),
	}
}

// Healthy 主存储是否可用（readiness 探针用）
func (s *Store) Healthy() bool {
	return !s.degraded.Load()
}

// SetStateListener 注册降级状态变更回调（观测用）
//
// 必须在存储开始承接流量前注册。
func (s *Store) SetStateListener(fn func(degraded bool)) {
	s.onState = fn
}

func (s *Store) notify(degraded bool) {
	if s.onState != nil {
		s.onState(degraded)
	}
}

// active 返回当前生效的后端
func (s *Store) active() store.KV {
	if s.degraded.Load() {
		return s.fallback
	}
	return s.primary
}

// observe 检查主存储操作结果，失败则触发降级
func (s *Store) observe(err error) {
	if err == nil || s.degraded.Load() {
		return
	}
	if isConnErr(err) {
		if s.degraded.CompareAndSwap(false, true) {
			s.log.Warn("primary store unreachable, degrading to in-process fallback", zap.Error(err))
			s.notify(true)
			go s.probeLoop()
		}
	}
}

// isConnErr 区分连接类故障与业务性错误（键不存在等）
func isConnErr(err error) bool {
	return err != nil && err != store.ErrNotFound
}

// probeLoop 降级期间探测主存储，恢复后切回
func (s *Store) probeLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := s.primary.Ping(ctx)
			cancel()
			if err == nil {
				s.degraded.Store(false)
				s.log.Info("primary store recovered, leaving degraded mode")
				s.notify(false)
				return
			}
		}
	}
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.active().Get(ctx, key)
	s.observe(err)
	return v, err
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.active().Set(ctx, key, value, ttl)
	s.observe(err)
	return err
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.active().SetNX(ctx, key, value, ttl)
	s.observe(err)
	return ok, err
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	err := s.active().Del(ctx, keys...)
	s.observe(err)
	return err
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.active().Exists(ctx, key)
	s.observe(err)
	return ok, err
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	err := s.active().Expire(ctx, key, ttl)
	s.observe(err)
	return err
}

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	err := s.active().HSet(ctx, key, fields)
	s.observe(err)
	return err
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.active().HGet(ctx, key, field)
	s.observe(err)
	return v, err
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.active().HGetAll(ctx, key)
	s.observe(err)
	return v, err
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	v, err := s.active().HIncrBy(ctx, key, field, delta)
	s.observe(err)
	return v, err
}

func (s *Store) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	v, err := s.active().HIncrByFloat(ctx, key, field, delta)
	s.observe(err)
	return v, err
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := s.active().IncrBy(ctx, key, delta)
	s.observe(err)
	return v, err
}

func (s *Store) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	v, err := s.active().DecrBy(ctx, key, delta)
	s.observe(err)
	return v, err
}

func (s *Store) DecrFloatClamp(ctx context.Context, key string, delta float64) (float64, bool, error) {
	v, clamped, err := s.active().DecrFloatClamp(ctx, key, delta)
	s.observe(err)
	return v, clamped, err
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	err := s.active().ZAdd(ctx, key, score, member)
	s.observe(err)
	return err
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	v, err := s.active().ZRangeByScore(ctx, key, min, max)
	s.observe(err)
	return v, err
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	err := s.active().ZRemRangeByScore(ctx, key, min, max)
	s.observe(err)
	return err
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	v, err := s.active().ZCard(ctx, key)
	s.observe(err)
	return v, err
}

func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	v, err := s.active().ScanKeys(ctx, pattern)
	s.observe(err)
	return v, err
}

func (s *Store) GetMulti(ctx context.Context, keys []string) (map[string]string, error) {
	v, err := s.active().GetMulti(ctx, keys)
	s.observe(err)
	return v, err
}

func (s *Store) Publish(ctx context.Context, channel, message string) error {
	err := s.active().Publish(ctx, channel, message)
	s.observe(err)
	return err
}

func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	ch, cancel, err := s.active().Subscribe(ctx, channel)
	s.observe(err)
	return ch, cancel, err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.active().Ping(ctx)
}

func (s *Store) Close() error {
	close(s.done)
	s.fallback.Close()
	return s.primary.Close()
}
