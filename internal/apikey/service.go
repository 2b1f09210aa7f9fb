package apikey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/crypto"
	"github.com/daymade/claude-relay-service/internal/domain"
	"github.com/daymade/claude-relay-service/internal/pool"
	"github.com/daymade/claude-relay-service/internal/ratelimit"
	"github.com/daymade/claude-relay-service/internal/store"
)

var (
	ErrUnauthorized = errors.New("unknown API key")
	ErrKeyDisabled  = errors.New("API key disabled")
	ErrKeyExpired   = errors.New("API key expired")
	ErrInvalidQuota = errors.New("quota values must not be negative")
	ErrKeyNotFound  = errors.New("API key not found")
	ErrBadKeyFormat = errors.New("malformed API key")
)

const (
	keyPrefix     = "apikey:"
	hashKeyPrefix = "apikey_hash:"
	// DefaultPlaintextPrefix 签发 Key 的默认前缀
	DefaultPlaintextPrefix = "cr_"
)

// Service API Key 的签发、校验与配额检查
//
// 明文只在签发时返回一次；存储的是 SHA-256 哈希，
// 通过 apikey_hash:{sha256} -> id 索引做 O(1) 查找。
type Service struct {
	kv      store.KV
	limiter *ratelimit.Limiter
	tasks   *pool.WorkerPool
	log     *zap.Logger
	now     func() time.Time
}

// NewService 创建 API Key 服务
func NewService(kv store.KV, limiter *ratelimit.Limiter, tasks *pool.WorkerPool, log *zap.Logger) *Service {
	return &Service{
		kv:      kv,
		limiter: limiter,
		tasks:   tasks,
		log:     log,
		now:     time.Now,
	}
}

// IssueInput 签发 Key 的输入参数
type IssueInput struct {
	DisplayName      string
	OwnerRef         string
	Prefix           string // 默认 "cr_"
	Quota            domain.KeyQuota
	DailyCostLimit   float64 // 负数表示不限制
	CreditBalance    float64 // > 0 时初始化额度
	AllowedModels    []string
	DedicatedAccount string
	AccountGroup     string
	ExpiresIn        time.Duration // 0 表示永不过期
}

// IssueResult 签发结果，Plaintext 只在此处出现一次
type IssueResult struct {
	Key       *domain.APIKey
	Plaintext string
}

// Issue 签发新 Key
//
// 返回的明文不落盘；之后只能通过哈希索引校验。
func (s *Service) Issue(ctx context.Context, input IssueInput) (*IssueResult, error) {
	if input.Quota.TokensPerWindow < 0 || input.Quota.RequestsPerWindow < 0 ||
		input.Quota.WindowSeconds < 0 || input.Quota.MaxConcurrent < 0 {
		return nil, ErrInvalidQuota
	}

	prefix := input.Prefix
	if prefix == "" {
		prefix = DefaultPlaintextPrefix
	}
	plaintext, err := crypto.GenerateAPIKey(prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	now := s.now()
	key := &domain.APIKey{
		ID:               uuid.New().String(),
		Hash:             crypto.HashKey(plaintext),
		DisplayName:      input.DisplayName,
		OwnerRef:         input.OwnerRef,
		Quota:            input.Quota,
		DailyCostLimit:   input.DailyCostLimit,
		CreditBalance:    input.CreditBalance,
		AllowedModels:    input.AllowedModels,
		DedicatedAccount: input.DedicatedAccount,
		AccountGroup:     input.AccountGroup,
		State:            domain.APIKeyStateActive,
		CreatedAt:        now,
	}
	if input.ExpiresIn > 0 {
		key.ExpiresAt = now.Add(input.ExpiresIn)
	}

	if err := s.save(ctx, key); err != nil {
		return nil, err
	}
	// 哈希索引写入后新 Key 即可用
	if err := s.kv.Set(ctx, hashKeyPrefix+key.Hash, key.ID, 0); err != nil {
		return nil, err
	}
	if input.CreditBalance > 0 {
		if err := s.limiter.SetCredits(ctx, key.ID, input.CreditBalance); err != nil {
			return nil, err
		}
	}

	s.log.Info("API key issued",
		zap.String("key_id", key.ID),
		zap.String("display_name", key.DisplayName),
	)
	return &IssueResult{Key: key, Plaintext: plaintext}, nil
}

// Validate 校验明文 Key 并返回记录
//
// 查找走哈希索引；命中后用常量时间比较存储哈希与重算哈希。
// lastUsedAt 的回写是后台任务，不阻塞请求路径。
func (s *Service) Validate(ctx context.Context, plaintext string) (*domain.APIKey, error) {
	if !crypto.ValidKeyFormat(plaintext) {
		return nil, ErrUnauthorized
	}

	hash := crypto.HashKey(plaintext)
	id, err := s.kv.Get(ctx, hashKeyPrefix+hash)
	if err == store.ErrNotFound {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	key, err := s.Get(ctx, id)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if !crypto.SecureCompare(key.Hash, hash) {
		return nil, ErrUnauthorized
	}

	switch {
	case key.State == domain.APIKeyStateDisabled:
		return nil, ErrKeyDisabled
	case key.State == domain.APIKeyStateExpired || key.IsExpired(s.now()):
		return nil, ErrKeyExpired
	}

	keyID := key.ID
	if !s.tasks.TrySubmit(func() { s.bumpLastUsed(keyID) }) {
		s.log.Debug("task queue full, skipping lastUsedAt bump", zap.String("key_id", keyID))
	}
	return key, nil
}

// bumpLastUsed 后台回写最近使用时间
func (s *Service) bumpLastUsed(keyID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	key, err := s.Get(ctx, keyID)
	if err != nil {
		return
	}
	key.LastUsedAt = s.now()
	if err := s.save(ctx, key); err != nil {
		s.log.Debug("failed to bump lastUsedAt", zap.String("key_id", keyID), zap.Error(err))
	}
}

// CheckQuota 评估 Key 的准入（滑动窗口 + 每日费用）
func (s *Service) CheckQuota(ctx context.Context, key *domain.APIKey) (ratelimit.Decision, error) {
	return s.limiter.CheckAdmission(ctx, key)
}

// Get 按 ID 读取 Key
func (s *Service) Get(ctx context.Context, id string) (*domain.APIKey, error) {
	raw, err := s.kv.HGet(ctx, keyPrefix+id, "meta")
	if err == store.ErrNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	var key domain.APIKey
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key %s: %w", id, err)
	}
	return &key, nil
}

// List 返回全部 Key
func (s *Service) List(ctx context.Context) ([]*domain.APIKey, error) {
	keys, err := s.kv.ScanKeys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, err
	}
	out := make([]*domain.APIKey, 0, len(keys))
	for _, k := range keys {
		raw, err := s.kv.HGet(ctx, k, "meta")
		if err != nil {
			continue
		}
		var key domain.APIKey
		if err := json.Unmarshal([]byte(raw), &key); err != nil {
			s.log.Warn("skipping corrupt API key record", zap.String("key", k), zap.Error(err))
			continue
		}
		out = append(out, &key)
	}
	return out, nil
}

// Update 更新 Key（管理面）
func (s *Service) Update(ctx context.Context, key *domain.APIKey) error {
	if _, err := s.Get(ctx, key.ID); err != nil {
		return err
	}
	return s.save(ctx, key)
}

// SetState 修改 Key 状态
func (s *Service) SetState(ctx context.Context, id string, state domain.APIKeyState) error {
	key, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	key.State = state
	return s.save(ctx, key)
}

// MarkOverdrawn 标记 Key 额度触底
//
// hard 为 true 时直接停用。
func (s *Service) MarkOverdrawn(ctx context.Context, id string, hard bool) error {
	key, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	key.Overdrawn = true
	if hard {
		key.State = domain.APIKeyStateDisabled
	}
	return s.save(ctx, key)
}

// Revoke 吊销 Key：删除记录与哈希索引
func (s *Service) Revoke(ctx context.Context, id string) error {
	key, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.kv.Del(ctx, keyPrefix+id, hashKeyPrefix+key.Hash); err != nil {
		return err
	}
	s.log.Info("API key revoked", zap.String("key_id", id))
	return nil
}

func (s *Service) save(ctx context.Context, key *domain.APIKey) error {
	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	return s.kv.HSet(ctx, keyPrefix+key.ID, map[string]string{"meta": string(raw)})
}
