package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/daymade/claude-relay-service/internal/account"
	"github.com/daymade/claude-relay-service/internal/config"
	"github.com/daymade/claude-relay-service/internal/domain"
	"github.com/daymade/claude-relay-service/internal/proxyutil"
	"github.com/daymade/claude-relay-service/internal/store"
)

var (
	// ErrAccountUnauthorized 刷新遇到 invalid_grant，账户作废直到管理员处理
	ErrAccountUnauthorized = errors.New("upstream account unauthorized")
	// ErrRefreshTransient 刷新遇到网络或 5xx 类临时故障，可重试
	ErrRefreshTransient = errors.New("token refresh transient failure")
)

// expirySkew 过期判定的提前量；到期时刻落在 now+skew 及以内即视为陈旧
const expirySkew = 10 * time.Second

const (
	refreshLockPrefix = "oauth_refresh_lock:"
	refreshLockTTL    = 60 * time.Second
	lockPollBudget    = 5 * time.Second
)

// Event 账户状态变更事件，调度器订阅
type Event struct {
	AccountID string
	State     domain.AccountState
}

// Manager OAuth 凭证生命周期管理器
//
// 负责为每个上游账户维持可用的 access token：近到期时通过账户的
// 出站代理刷新。并发刷新用两层串行化：进程内 singleflight 合并，
// 跨进程用 KV 的 set-if-absent 锁。
type Manager struct {
	repo     *account.Repository
	kv       store.KV
	cfg      config.ProviderConfig
	log      *zap.Logger
	group    singleflight.Group
	events   chan Event
	now      func() time.Time
	lockPoll time.Duration
}

// NewManager 创建生命周期管理器
func NewManager(repo *account.Repository, kv store.KV, cfg config.ProviderConfig, log *zap.Logger) *Manager {
	return &Manager{
		repo:     repo,
		kv:       kv,
		cfg:      cfg,
		log:      log,
		events:   make(chan Event, 64),
		now:      time.Now,
		lockPoll: 200 * time.Millisecond,
	}
}

// Events 状态变更事件流（缓冲，写满丢弃）
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) emit(accountID string, state domain.AccountState) {
	select {
	case m.events <- Event{AccountID: accountID, State: state}:
	default:
	}
}

// EnsureFresh 返回账户当前可用的 access token，需要时先刷新
//
// 到期判定在陈旧侧取闭区间：expiresAt == now+10s 也触发刷新。
func (m *Manager) EnsureFresh(ctx context.Context, accountID string) (string, error) {
	env, err := m.repo.LoadEnvelope(ctx, accountID)
	if err != nil {
		return "", err
	}
	if m.fresh(env) {
		return env.AccessToken, nil
	}

	// 进程内合并：N 个并发调用只触发一次刷新
	token, err, _ := m.group.Do(accountID, func() (interface{}, error) {
		return m.refreshSerialized(ctx, accountID, false)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// ForceRefresh 绕过新鲜度判断强制刷新（流式 401 后的一次性重试用）
func (m *Manager) ForceRefresh(ctx context.Context, accountID string) (string, error) {
	token, err, _ := m.group.Do(accountID+":force", func() (interface{}, error) {
		return m.refreshSerialized(ctx, accountID, true)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// fresh 判定 token 是否仍可用
func (m *Manager) fresh(env *domain.OAuthEnvelope) bool {
	return env.ExpiresAt.After(m.now().Add(expirySkew))
}

// refreshSerialized 跨进程串行化后执行刷新
//
// 拿不到锁说明别的进程正在刷新：带界退避轮询信封直到变新鲜
// 或超出 5s 预算。
func (m *Manager) refreshSerialized(ctx context.Context, accountID string, force bool) (string, error) {
	lockKey := refreshLockPrefix + accountID
	lockToken := uuid.NewString()

	acquired, err := m.kv.SetNX(ctx, lockKey, lockToken, refreshLockTTL)
	if err != nil {
		return "", fmt.Errorf("%w: lock acquisition: %v", ErrRefreshTransient, err)
	}

	if !acquired {
		return m.awaitPeerRefresh(ctx, accountID)
	}

	defer func() {
		// 只释放自己持有的锁
		if v, err := m.kv.Get(context.Background(), lockKey); err == nil && v == lockToken {
			_ = m.kv.Del(context.Background(), lockKey)
		}
	}()

	// 拿锁后复查（强制刷新除外）：等待锁期间别人可能已经刷新完
	env, err := m.repo.LoadEnvelope(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !force && m.fresh(env) {
		return env.AccessToken, nil
	}

	return m.refresh(ctx, accountID, env)
}

// awaitPeerRefresh 锁被占用时轮询等待对端完成
func (m *Manager) awaitPeerRefresh(ctx context.Context, accountID string) (string, error) {
	deadline := m.now().Add(lockPollBudget)
	backoff := m.lockPoll
	for m.now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}

		env, err := m.repo.LoadEnvelope(ctx, accountID)
		if err != nil {
			return "", err
		}
		if m.fresh(env) {
			return env.AccessToken, nil
		}
	}

	// 预算耗尽：最后读一次，交给调用方决定
	env, err := m.repo.LoadEnvelope(ctx, accountID)
	if err != nil {
		return "", err
	}
	if m.fresh(env) {
		return env.AccessToken, nil
	}
	return "", fmt.Errorf("%w: peer refresh did not complete in time", ErrRefreshTransient)
}

// refreshResponse 刷新端点的响应体
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
}

// refresh 执行一次真正的刷新调用并持久化轮换后的信封
func (m *Manager) refresh(ctx context.Context, accountID string, env *domain.OAuthEnvelope) (string, error) {
	acct, err := m.repo.Get(ctx, accountID)
	if err != nil {
		return "", err
	}

	tokenURL, clientID, err := m.endpointFor(acct.Provider)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", env.RefreshToken)
	if clientID != "" {
		form.Set("client_id", clientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	client, err := proxyutil.NewClient(acct.Proxy, proxyutil.Options{Timeout: 30 * time.Second})
	if err != nil {
		return "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		m.log.Warn("token refresh network failure",
			zap.String("account_id", accountID), zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrRefreshTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrRefreshTransient, err)
	}

	var parsed refreshResponse
	_ = json.Unmarshal(body, &parsed)

	if parsed.Error == "invalid_grant" || resp.StatusCode == http.StatusUnauthorized ||
		(resp.StatusCode == http.StatusBadRequest && parsed.Error != "") {
		m.log.Error("refresh token rejected, marking account unauthorized",
			zap.String("account_id", accountID),
			zap.String("oauth_error", parsed.Error),
		)
		_ = m.repo.SetState(ctx, accountID, domain.AccountStateUnauthorized, time.Time{}, "invalid_grant")
		m.emit(accountID, domain.AccountStateUnauthorized)
		return "", ErrAccountUnauthorized
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || parsed.AccessToken == "" {
		m.log.Warn("token refresh transient failure",
			zap.String("account_id", accountID),
			zap.Int("status", resp.StatusCode),
		)
		return "", fmt.Errorf("%w: upstream status %d", ErrRefreshTransient, resp.StatusCode)
	}

	rotated := domain.OAuthEnvelope{
		AccessToken:  parsed.AccessToken,
		RefreshToken: env.RefreshToken,
		Scopes:       env.Scopes,
		TokenType:    parsed.TokenType,
		ExpiresAt:    m.now().Add(time.Duration(parsed.ExpiresIn) * time.Second),
	}
	if parsed.RefreshToken != "" {
		rotated.RefreshToken = parsed.RefreshToken
	}
	if parsed.Scope != "" {
		rotated.Scopes = strings.Fields(parsed.Scope)
	}

	if err := m.repo.SaveEnvelope(ctx, accountID, &rotated); err != nil {
		return "", err
	}
	if acct.State == domain.AccountStateUnauthorized {
		_ = m.repo.SetState(ctx, accountID, domain.AccountStateActive, time.Time{}, "")
	}
	m.emit(accountID, domain.AccountStateActive)

	m.log.Info("access token refreshed",
		zap.String("account_id", accountID),
		zap.Time("expires_at", rotated.ExpiresAt),
	)
	return rotated.AccessToken, nil
}

// endpointFor 返回供应商的刷新端点与 client_id
func (m *Manager) endpointFor(provider domain.Provider) (tokenURL, clientID string, err error) {
	switch provider {
	case domain.ProviderClaudeOAuth, domain.ProviderClaudeConsole:
		return m.cfg.ClaudeOAuthTokenURL, m.cfg.ClaudeOAuthClientID, nil
	case domain.ProviderGemini:
		return m.cfg.GeminiOAuthTokenURL, m.cfg.GeminiOAuthClientID, nil
	case domain.ProviderBedrock:
		return "", "", fmt.Errorf("provider %s does not use refresh tokens", provider)
	default:
		return "", "", fmt.Errorf("unknown provider: %s", provider)
	}
}
