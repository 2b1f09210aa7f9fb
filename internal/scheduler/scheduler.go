package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/account"
	"github.com/daymade/claude-relay-service/internal/breaker"
	"github.com/daymade/claude-relay-service/internal/crypto"
	"github.com/daymade/claude-relay-service/internal/domain"
	"github.com/daymade/claude-relay-service/internal/oauth"
	"github.com/daymade/claude-relay-service/internal/ratelimit"
	"github.com/daymade/claude-relay-service/internal/store"
)

// ErrNoAccountAvailable 池中没有可用账户
type ErrNoAccountAvailable struct {
	RetryAfter time.Duration
}

func (e *ErrNoAccountAvailable) Error() string {
	return fmt.Sprintf("no upstream account available (retry after %s)", e.RetryAfter)
}

const sessionKeyPrefix = "session:"

// Request 一次调度请求
type Request struct {
	Key      *domain.APIKey
	Provider domain.Provider
	Model    string
	// SessionFingerprint 会话指纹，空表示不做粘滞
	SessionFingerprint string
}

// Selection 调度结果
//
// 调用方负责在请求结束时调用 Release 归还并发额度。
type Selection struct {
	Account *domain.UpstreamAccount
	Sticky  bool // 是否由粘滞映射命中
}

// Scheduler 统一调度器
//
// 按 专属绑定 > 分组绑定 > 粘滞会话 > 共享池 的次序挑选账户。
// 共享池按 (priority, 在途数, lastUsedAt) 升序，并用账户 ID
// 做确定性决胜以稳定上游缓存。
type Scheduler struct {
	repo     *account.Repository
	inflight *ratelimit.InflightTracker
	breakers *breaker.Registry
	kv       store.KV
	log      *zap.Logger

	sessionTTL time.Duration
	now        func() time.Time

	rrMu       sync.Mutex
	rrCounters map[string]int // 分组轮询游标
}

// New 创建调度器
func New(repo *account.Repository, inflight *ratelimit.InflightTracker, breakers *breaker.Registry, kv store.KV, sessionTTL time.Duration, log *zap.Logger) *Scheduler {
	if sessionTTL <= 0 {
		sessionTTL = time.Hour
	}
	return &Scheduler{
		repo:       repo,
		inflight:   inflight,
		breakers:   breakers,
		kv:         kv,
		log:        log,
		sessionTTL: sessionTTL,
		now:        time.Now,
		rrCounters: make(map[string]int),
	}
}

// WatchEvents 消费 OAuth 管理器的状态事件（观测用）
func (s *Scheduler) WatchEvents(ctx context.Context, events <-chan oauth.Event) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				s.log.Debug("account state event",
					zap.String("account_id", ev.AccountID),
					zap.String("state", string(ev.State)),
				)
			}
		}
	}()
}

// SessionFingerprint 由请求内容计算会话指纹
//
// 取第一段 system 提示与第一条用户消息前缀的稳定投影。
func SessionFingerprint(system, firstUserMessage string) string {
	const prefixLen = 256
	if len(firstUserMessage) > prefixLen {
		firstUserMessage = firstUserMessage[:prefixLen]
	}
	return crypto.Fingerprint(system, firstUserMessage)
}

// Pick 为请求挑选一个账户并占用其并发额度
func (s *Scheduler) Pick(ctx context.Context, req Request) (*Selection, error) {
	now := s.now()

	// 1. 专属绑定（同时绑定分组时专属优先）
	if req.Key.DedicatedAccount != "" {
		acct, err := s.repo.Get(ctx, req.Key.DedicatedAccount)
		if err == nil && s.eligible(acct, req, now) {
			if sel, ok := s.tryAcquire(ctx, acct, false); ok {
				return sel, nil
			}
		}
	}

	// 2. 分组绑定：绑定了分组的 Key 不会落到共享池
	if req.Key.AccountGroup != "" {
		return s.pickFromGroup(ctx, req, now)
	}

	// 3. 粘滞会话
	if req.SessionFingerprint != "" {
		if sel, ok := s.pickSticky(ctx, req, now); ok {
			return sel, nil
		}
	}

	// 4. 共享池
	return s.pickFromPool(ctx, req, now)
}

// Release 归还并发额度（账户使用时间不在这里刷新）
func (s *Scheduler) Release(ctx context.Context, accountID string) {
	s.inflight.Release(ctx, accountID)
}

// eligible 账户是否满足请求的硬性条件
func (s *Scheduler) eligible(acct *domain.UpstreamAccount, req Request, now time.Time) bool {
	if !acct.Usable(now) {
		return false
	}
	if req.Provider != "" && acct.Provider != req.Provider {
		return false
	}
	if req.Model != "" && !domain.ProviderSupportsModel(acct.Provider, req.Model) {
		return false
	}
	// 熔断打开的账户不可选；半开在 tryAcquire 时消费探测额度
	if s.breakers.Get(acct.ID).State() == breaker.StateOpen {
		return false
	}
	return true
}

// tryAcquire 占用并发额度并消费熔断探测额度
func (s *Scheduler) tryAcquire(ctx context.Context, acct *domain.UpstreamAccount, sticky bool) (*Selection, bool) {
	ok, err := s.inflight.TryAcquire(ctx, acct.ID, acct.MaxConcurrent)
	if err != nil || !ok {
		return nil, false
	}
	if !s.breakers.Get(acct.ID).Allow() {
		s.inflight.Release(ctx, acct.ID)
		return nil, false
	}
	return &Selection{Account: acct, Sticky: sticky}, true
}

// pickSticky 尝试命中粘滞映射
//
// 目标账户必须仍在该 Key 允许的池内且可用，否则删除映射重新调度。
func (s *Scheduler) pickSticky(ctx context.Context, req Request, now time.Time) (*Selection, bool) {
	sessionKey := sessionKeyPrefix + req.SessionFingerprint
	accountID, err := s.kv.Get(ctx, sessionKey)
	if err != nil {
		return nil, false
	}

	acct, err := s.repo.Get(ctx, accountID)
	if err != nil || !s.eligible(acct, req, now) || !s.permitted(ctx, acct, req.Key) {
		_ = s.kv.Del(ctx, sessionKey)
		return nil, false
	}

	sel, ok := s.tryAcquire(ctx, acct, true)
	if !ok {
		return nil, false
	}
	// 命中续期
	_ = s.kv.Expire(ctx, sessionKey, s.sessionTTL)
	return sel, true
}

// permitted 账户是否属于该 Key 允许使用的池
func (s *Scheduler) permitted(ctx context.Context, acct *domain.UpstreamAccount, key *domain.APIKey) bool {
	if key.DedicatedAccount != "" {
		return acct.ID == key.DedicatedAccount
	}
	if key.AccountGroup != "" {
		group, err := s.repo.GetGroup(ctx, key.AccountGroup)
		if err != nil {
			return false
		}
		for _, id := range group.Members {
			if id == acct.ID {
				return true
			}
		}
		return false
	}
	return true
}

// pickFromGroup 按分组策略挑选
func (s *Scheduler) pickFromGroup(ctx context.Context, req Request, now time.Time) (*Selection, error) {
	group, err := s.repo.GetGroup(ctx, req.Key.AccountGroup)
	if err != nil {
		return nil, err
	}

	var candidates []*domain.UpstreamAccount
	for _, id := range group.Members {
		acct, err := s.repo.Get(ctx, id)
		if err != nil {
			continue
		}
		if s.eligible(acct, req, now) {
			candidates = append(candidates, acct)
		}
	}
	if len(candidates) == 0 {
		return nil, s.noAccount(ctx, req, now)
	}

	switch group.Policy {
	case domain.PolicyRoundRobin:
		s.rrMu.Lock()
		start := s.rrCounters[group.ID]
		s.rrCounters[group.ID] = start + 1
		s.rrMu.Unlock()
		for i := 0; i < len(candidates); i++ {
			acct := candidates[(start+i)%len(candidates)]
			if sel, ok := s.tryAcquire(ctx, acct, false); ok {
				s.persistSticky(ctx, req, acct.ID)
				return sel, nil
			}
		}
	case domain.PolicyLeastLoaded:
		sort.Slice(candidates, func(i, j int) bool {
			li := s.inflight.Current(ctx, candidates[i].ID)
			lj := s.inflight.Current(ctx, candidates[j].ID)
			if li != lj {
				return li < lj
			}
			return candidates[i].ID < candidates[j].ID
		})
		fallthrough
	default: // priority
		if group.Policy == domain.PolicyPriority || group.Policy == "" {
			s.orderCandidates(ctx, candidates)
		}
		for _, acct := range candidates {
			if sel, ok := s.tryAcquire(ctx, acct, false); ok {
				s.persistSticky(ctx, req, acct.ID)
				return sel, nil
			}
		}
	}
	return nil, s.noAccount(ctx, req, now)
}

// pickFromPool 从共享池挑选
func (s *Scheduler) pickFromPool(ctx context.Context, req Request, now time.Time) (*Selection, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	var candidates []*domain.UpstreamAccount
	for _, acct := range all {
		if s.eligible(acct, req, now) {
			candidates = append(candidates, acct)
		}
	}
	if len(candidates) == 0 {
		return nil, s.noAccount(ctx, req, now)
	}

	s.orderCandidates(ctx, candidates)
	for _, acct := range candidates {
		if sel, ok := s.tryAcquire(ctx, acct, false); ok {
			s.persistSticky(ctx, req, acct.ID)
			return sel, nil
		}
	}
	return nil, s.noAccount(ctx, req, now)
}

// orderCandidates 升序排序：(priority, 在途数, lastUsedAt)，ID 决胜
func (s *Scheduler) orderCandidates(ctx context.Context, candidates []*domain.UpstreamAccount) {
	type ranked struct {
		acct     *domain.UpstreamAccount
		inflight int64
	}
	rankedList := make([]ranked, len(candidates))
	for i, acct := range candidates {
		rankedList[i] = ranked{acct: acct, inflight: s.inflight.Current(ctx, acct.ID)}
	}
	sort.Slice(rankedList, func(i, j int) bool {
		a, b := rankedList[i], rankedList[j]
		if a.acct.Priority != b.acct.Priority {
			return a.acct.Priority < b.acct.Priority
		}
		if a.inflight != b.inflight {
			return a.inflight < b.inflight
		}
		if !a.acct.LastUsedAt.Equal(b.acct.LastUsedAt) {
			return a.acct.LastUsedAt.Before(b.acct.LastUsedAt)
		}
		return a.acct.ID < b.acct.ID
	})
	for i := range rankedList {
		candidates[i] = rankedList[i].acct
	}
}

// persistSticky 写入/刷新粘滞映射
func (s *Scheduler) persistSticky(ctx context.Context, req Request, accountID string) {
	if req.SessionFingerprint == "" {
		return
	}
	if err := s.kv.Set(ctx, sessionKeyPrefix+req.SessionFingerprint, accountID, s.sessionTTL); err != nil {
		s.log.Debug("failed to persist sticky session", zap.Error(err))
	}
}

// noAccount 构造 503 错误，Retry-After 取候选里最近的冷却剩余
func (s *Scheduler) noAccount(ctx context.Context, req Request, now time.Time) error {
	retryAfter := 60 * time.Second

	all, err := s.repo.List(ctx)
	if err == nil {
		for _, acct := range all {
			if req.Provider != "" && acct.Provider != req.Provider {
				continue
			}
			if acct.State != domain.AccountStateRateLimited && acct.State != domain.AccountStateCooldown {
				continue
			}
			if remaining := acct.CooldownUntil.Sub(now); remaining > 0 && remaining < retryAfter {
				retryAfter = remaining
			}
		}
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	if retryAfter > 60*time.Second {
		retryAfter = 60 * time.Second
	}
	return &ErrNoAccountAvailable{RetryAfter: retryAfter}
}

// IsNoAccount 判断错误是否为"无可用账户"
func IsNoAccount(err error) (*ErrNoAccountAvailable, bool) {
	var e *ErrNoAccountAvailable
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
