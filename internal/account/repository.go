package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/crypto"
	"github.com/daymade/claude-relay-service/internal/domain"
	"github.com/daymade/claude-relay-service/internal/store"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrGroupNotFound   = errors.New("account group not found")
)

const (
	accountKeyPrefix = "account:"
	groupKeyPrefix   = "account_group:"
	// invalidateChannel 账户变更的失效广播频道
	invalidateChannel = "crs:invalidate:accounts"

	fieldMeta  = "meta"
	fieldOAuth = "oauth"
)

// Repository 上游账户与分组的存取层
//
// 账户元数据以 JSON 存放在 KV 哈希的 meta 字段；OAuth 信封加密后
// 存放在 oauth 字段，只有 OAuth 生命周期管理器通过 LoadEnvelope /
// SaveEnvelope 接触明文，其余组件只读 Get / List 返回的元数据投影。
//
// List / ListGroups 走进程内快照缓存，Get / GetGroup 直接读 KV；
// 写路径先落 KV 再发布失效广播，各进程订阅广播后重建快照。
type Repository struct {
	kv     store.KV
	cipher *crypto.Cipher
	log    *zap.Logger

	mu       sync.RWMutex
	snapshot map[string]*domain.UpstreamAccount // 账户快照缓存
	groups   map[string]*domain.AccountGroup
	loaded   bool
}

// NewRepository 创建账户存取层
func NewRepository(kv store.KV, cipher *crypto.Cipher, log *zap.Logger) *Repository {
	return &Repository{
		kv:     kv,
		cipher: cipher,
		log:    log,
	}
}

// StartInvalidationListener 订阅失效广播并在收到消息时重建快照
func (r *Repository) StartInvalidationListener(ctx context.Context) error {
	ch, cancel, err := r.kv.Subscribe(ctx, invalidateChannel)
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				r.mu.Lock()
				r.loaded = false
				r.mu.Unlock()
			}
		}
	}()
	return nil
}

// invalidate 本地失效并广播给其他进程
func (r *Repository) invalidate(ctx context.Context) {
	r.mu.Lock()
	r.loaded = false
	r.mu.Unlock()
	if err := r.kv.Publish(ctx, invalidateChannel, "accounts"); err != nil {
		r.log.Debug("failed to publish invalidation", zap.Error(err))
	}
}

// CreateInput 创建账户的输入
type CreateInput struct {
	Name          string
	Provider      domain.Provider
	Envelope      domain.OAuthEnvelope
	Proxy         *domain.ProxyConfig
	Priority      int
	GroupID       string
	MaxConcurrent int64
}

// Create 创建账户并加密保存初始凭证
func (r *Repository) Create(ctx context.Context, input CreateInput) (*domain.UpstreamAccount, error) {
	acct := &domain.UpstreamAccount{
		ID:             uuid.New().String(),
		Name:           input.Name,
		Provider:       input.Provider,
		Proxy:          input.Proxy,
		Priority:       input.Priority,
		GroupID:        input.GroupID,
		MaxConcurrent:  input.MaxConcurrent,
		State:          domain.AccountStateActive,
		CreatedAt:      time.Now(),
		TokenExpiresAt: input.Envelope.ExpiresAt,
	}

	if err := r.save(ctx, acct); err != nil {
		return nil, err
	}
	if err := r.SaveEnvelope(ctx, acct.ID, &input.Envelope); err != nil {
		return nil, err
	}

	r.log.Info("upstream account created",
		zap.String("account_id", acct.ID),
		zap.String("provider", string(acct.Provider)),
	)
	return acct, nil
}

// save 序列化账户元数据（不含凭证）
func (r *Repository) save(ctx context.Context, acct *domain.UpstreamAccount) error {
	meta, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := r.kv.HSet(ctx, accountKeyPrefix+acct.ID, map[string]string{fieldMeta: string(meta)}); err != nil {
		return err
	}
	r.invalidate(ctx)
	return nil
}

// Get 读取单个账户（只读投影，不含凭证明文）
func (r *Repository) Get(ctx context.Context, id string) (*domain.UpstreamAccount, error) {
	raw, err := r.kv.HGet(ctx, accountKeyPrefix+id, fieldMeta)
	if err == store.ErrNotFound {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	var acct domain.UpstreamAccount
	if err := json.Unmarshal([]byte(raw), &acct); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account %s: %w", id, err)
	}
	return &acct, nil
}

// Update 全量更新账户元数据
func (r *Repository) Update(ctx context.Context, acct *domain.UpstreamAccount) error {
	if _, err := r.Get(ctx, acct.ID); err != nil {
		return err
	}
	return r.save(ctx, acct)
}

// Delete 删除账户与其凭证
func (r *Repository) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if err := r.kv.Del(ctx, accountKeyPrefix+id); err != nil {
		return err
	}
	r.invalidate(ctx)
	r.log.Info("upstream account deleted", zap.String("account_id", id))
	return nil
}

// List 返回全部账户快照（缓存版）
func (r *Repository) List(ctx context.Context) ([]*domain.UpstreamAccount, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.UpstreamAccount, 0, len(r.snapshot))
	for _, acct := range r.snapshot {
		copied := *acct
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListByProvider 按供应商过滤账户
func (r *Repository) ListByProvider(ctx context.Context, provider domain.Provider) ([]*domain.UpstreamAccount, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, acct := range all {
		if acct.Provider == provider {
			out = append(out, acct)
		}
	}
	return out, nil
}

// ensureLoaded 懒加载快照缓存
func (r *Repository) ensureLoaded(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	keys, err := r.kv.ScanKeys(ctx, accountKeyPrefix+"*")
	if err != nil {
		return err
	}
	snapshot := make(map[string]*domain.UpstreamAccount, len(keys))
	for _, key := range keys {
		raw, err := r.kv.HGet(ctx, key, fieldMeta)
		if err != nil {
			continue
		}
		var acct domain.UpstreamAccount
		if err := json.Unmarshal([]byte(raw), &acct); err != nil {
			r.log.Warn("skipping corrupt account record", zap.String("key", key), zap.Error(err))
			continue
		}
		snapshot[acct.ID] = &acct
	}

	groupKeys, err := r.kv.ScanKeys(ctx, groupKeyPrefix+"*")
	if err != nil {
		return err
	}
	groups := make(map[string]*domain.AccountGroup, len(groupKeys))
	for _, key := range groupKeys {
		raw, err := r.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var group domain.AccountGroup
		if err := json.Unmarshal([]byte(raw), &group); err != nil {
			continue
		}
		groups[group.ID] = &group
	}

	r.mu.Lock()
	r.snapshot = snapshot
	r.groups = groups
	r.loaded = true
	r.mu.Unlock()
	return nil
}

// SaveEnvelope 加密并持久化 OAuth 信封（写后换入，读者不会看到半截值）
func (r *Repository) SaveEnvelope(ctx context.Context, id string, env *domain.OAuthEnvelope) error {
	plaintext, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	sealed, err := r.cipher.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt envelope: %w", err)
	}
	if err := r.kv.HSet(ctx, accountKeyPrefix+id, map[string]string{fieldOAuth: sealed}); err != nil {
		return err
	}

	// 同步只读投影里的过期时间
	acct, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	acct.TokenExpiresAt = env.ExpiresAt
	return r.save(ctx, acct)
}

// LoadEnvelope 解密 OAuth 信封（仅 OAuth 生命周期管理器调用）
func (r *Repository) LoadEnvelope(ctx context.Context, id string) (*domain.OAuthEnvelope, error) {
	sealed, err := r.kv.HGet(ctx, accountKeyPrefix+id, fieldOAuth)
	if err == store.ErrNotFound {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	plaintext, err := r.cipher.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt envelope for %s: %w", id, err)
	}
	var env domain.OAuthEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope for %s: %w", id, err)
	}
	return &env, nil
}

// SetState 更新账户状态
func (r *Repository) SetState(ctx context.Context, id string, state domain.AccountState, cooldownUntil time.Time, lastError string) error {
	acct, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	acct.State = state
	acct.CooldownUntil = cooldownUntil
	acct.LastError = lastError
	if err := r.save(ctx, acct); err != nil {
		return err
	}
	r.log.Info("account state changed",
		zap.String("account_id", id),
		zap.String("state", string(state)),
		zap.Time("cooldown_until", cooldownUntil),
	)
	return nil
}

// MarkUsed 记录账户最近使用时间
func (r *Repository) MarkUsed(ctx context.Context, id string) error {
	acct, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	acct.LastUsedAt = time.Now()
	return r.save(ctx, acct)
}

// ========== 分组 ==========

// SaveGroup 创建或更新账户分组
func (r *Repository) SaveGroup(ctx context.Context, group *domain.AccountGroup) error {
	if group.ID == "" {
		group.ID = uuid.New().String()
	}
	if group.Policy == "" {
		group.Policy = domain.PolicyPriority
	}
	raw, err := json.Marshal(group)
	if err != nil {
		return err
	}
	if err := r.kv.Set(ctx, groupKeyPrefix+group.ID, string(raw), 0); err != nil {
		return err
	}
	r.invalidate(ctx)
	return nil
}

// GetGroup 读取分组
func (r *Repository) GetGroup(ctx context.Context, id string) (*domain.AccountGroup, error) {
	raw, err := r.kv.Get(ctx, groupKeyPrefix+id)
	if err == store.ErrNotFound {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	var group domain.AccountGroup
	if err := json.Unmarshal([]byte(raw), &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// ListGroups 返回全部分组
func (r *Repository) ListGroups(ctx context.Context) ([]*domain.AccountGroup, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.AccountGroup, 0, len(r.groups))
	for _, g := range r.groups {
		copied := *g
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteGroup 删除分组
func (r *Repository) DeleteGroup(ctx context.Context, id string) error {
	if _, err := r.GetGroup(ctx, id); err != nil {
		return err
	}
	if err := r.kv.Del(ctx, groupKeyPrefix+id); err != nil {
		return err
	}
	r.invalidate(ctx)
	return nil
}
