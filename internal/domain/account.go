package domain

import (
	"strings"
	"time"
)

// Provider 上游供应商类型
type Provider string

const (
	ProviderClaudeOAuth   Provider = "claude-oauth"
	ProviderClaudeConsole Provider = "claude-console"
	ProviderGemini        Provider = "gemini"
	ProviderBedrock       Provider = "bedrock"
)

// AccountState 上游账户状态
type AccountState string

const (
	AccountStateActive       AccountState = "active"
	AccountStateRateLimited  AccountState = "rate-limited"
	AccountStateCooldown     AccountState = "cooldown"
	AccountStateDisabled     AccountState = "disabled"
	AccountStateUnauthorized AccountState = "unauthorized"
)

// OAuthEnvelope 解密后的 OAuth 凭证
//
// 仅 OAuth 生命周期管理器可以读取明文，其他组件只拿只读投影。
type OAuthEnvelope struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Scopes       []string  `json:"scopes,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ProxyConfig 账户出站代理配置
type ProxyConfig struct {
	Scheme   string `json:"scheme"` // http / https / socks5
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Enabled 判断代理配置是否生效
func (p *ProxyConfig) Enabled() bool {
	return p != nil && p.Host != "" && p.Port > 0
}

// UpstreamAccount 池化的上游凭证账户
type UpstreamAccount struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Provider      Provider     `json:"provider"`
	Proxy         *ProxyConfig `json:"proxy,omitempty"`
	Priority      int          `json:"priority"` // 数值越小越优先
	GroupID       string       `json:"group_id,omitempty"`
	MaxConcurrent int64        `json:"max_concurrent"` // 0 表示不限制
	State         AccountState `json:"state"`
	CooldownUntil time.Time    `json:"cooldown_until,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	LastUsedAt    time.Time    `json:"last_used_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`

	// TokenExpiresAt 是信封里 ExpiresAt 的只读副本，供调度器判断新鲜度，
	// 不携带任何凭证明文。
	TokenExpiresAt time.Time `json:"token_expires_at,omitempty"`
}

// Usable 判断账户当前是否可被调度
//
// rate-limited 状态在冷却结束（含边界时刻）后重新可用。
func (a *UpstreamAccount) Usable(now time.Time) bool {
	switch a.State {
	case AccountStateActive:
		return true
	case AccountStateRateLimited, AccountStateCooldown:
		return !a.CooldownUntil.After(now)
	default:
		return false
	}
}

// SelectionPolicy 分组内的账户挑选策略
type SelectionPolicy string

const (
	PolicyPriority    SelectionPolicy = "priority"
	PolicyRoundRobin  SelectionPolicy = "round-robin"
	PolicyLeastLoaded SelectionPolicy = "least-loaded"
)

// AccountGroup 账户分组
type AccountGroup struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Members []string        `json:"members"`
	Policy  SelectionPolicy `json:"policy"`
}

// MatchModelPattern 模型模式匹配，支持尾部 "*" 通配
func MatchModelPattern(pattern, model string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == model
}

// providerModelPrefixes 供应商级模型允许列表
var providerModelPrefixes = map[Provider][]string{
	ProviderClaudeOAuth:   {"claude-*"},
	ProviderClaudeConsole: {"claude-*"},
	ProviderGemini:        {"gemini-*"},
	ProviderBedrock:       {"anthropic.claude-*", "claude-*"},
}

// ProviderSupportsModel 判断供应商是否接受该模型
func ProviderSupportsModel(p Provider, model string) bool {
	patterns, ok := providerModelPrefixes[p]
	if !ok {
		return false
	}
	for _, pattern := range patterns {
		if MatchModelPattern(pattern, model) {
			return true
		}
	}
	return false
}
