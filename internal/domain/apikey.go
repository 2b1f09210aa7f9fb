package domain

import "time"

// APIKeyState API Key 状态
type APIKeyState string

const (
	APIKeyStateActive   APIKeyState = "active"   // 正常可用
	APIKeyStateDisabled APIKeyState = "disabled" // 管理员停用
	APIKeyStateExpired  APIKeyState = "expired"  // 已过期
)

// KeyQuota API Key 的速率与并发配额
type KeyQuota struct {
	TokensPerWindow   int64 `json:"tokens_per_window"`   // 窗口内允许消耗的 token 数，0 表示不限制
	RequestsPerWindow int64 `json:"requests_per_window"` // 窗口内允许的请求数，0 表示不限制
	WindowSeconds     int   `json:"window_seconds"`      // 滑动窗口长度（秒）
	MaxConcurrent     int64 `json:"max_concurrent"`      // 最大并发请求数，0 表示不限制
}

// APIKey 自签发的客户端密钥
//
// 明文只在签发时返回一次，系统内只保留 SHA-256 哈希。
type APIKey struct {
	ID               string      `json:"id"`
	Hash             string      `json:"hash"` // 明文的 SHA-256，固定 64 位十六进制
	DisplayName      string      `json:"display_name"`
	OwnerRef         string      `json:"owner_ref,omitempty"` // 外部系统的用户引用，可选
	Quota            KeyQuota    `json:"quota"`
	DailyCostLimit   float64     `json:"daily_cost_limit"` // 每日费用上限，负数表示不限制
	CreditBalance    float64     `json:"credit_balance"`   // 剩余额度
	Overdrawn        bool        `json:"overdrawn"`        // 额度触底标记
	AllowedModels    []string    `json:"allowed_models,omitempty"` // 允许的模型匹配模式，空表示全部
	DedicatedAccount string      `json:"dedicated_account,omitempty"` // 专属账户绑定
	AccountGroup     string      `json:"account_group,omitempty"`     // 分组绑定
	State            APIKeyState `json:"state"`
	CreatedAt        time.Time   `json:"created_at"`
	LastUsedAt       time.Time   `json:"last_used_at,omitempty"`
	ExpiresAt        time.Time   `json:"expires_at,omitempty"` // 零值表示永不过期
}

// IsExpired 判断 Key 是否已过期
func (k *APIKey) IsExpired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// ModelAllowed 判断模型是否在 Key 的允许列表内
//
// 模式支持尾部通配符，例如 "claude-3-5-*"。空列表表示不限制。
func (k *APIKey) ModelAllowed(model string) bool {
	if len(k.AllowedModels) == 0 {
		return true
	}
	for _, pattern := range k.AllowedModels {
		if MatchModelPattern(pattern, model) {
			return true
		}
	}
	return false
}
