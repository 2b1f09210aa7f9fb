package domain

import "time"

// TokenUsage 单次请求的 token 消耗
type TokenUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
}

// Total 全部 token 数
func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// Add 累加另一份用量
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// UsageRecord 追加式的单请求用量事件
type UsageRecord struct {
	RequestID        string     `json:"request_id"`
	APIKeyID         string     `json:"api_key_id"`
	AccountID        string     `json:"account_id,omitempty"`
	Provider         Provider   `json:"provider,omitempty"`
	Model            string     `json:"model,omitempty"`
	Usage            TokenUsage `json:"usage"`
	Cost             float64    `json:"cost"`
	Endpoint         string     `json:"endpoint"`
	StatusCode       int        `json:"status_code"`
	ClientDisconnect bool       `json:"client_disconnect,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	DurationMs       int64      `json:"duration_ms"`
}

// DailyRollup 按 (日期, Key, 模型) 聚合的计数，只增不减
type DailyRollup struct {
	Date                string  `json:"date"` // YYYY-MM-DD
	APIKeyID            string  `json:"api_key_id"`
	Model               string  `json:"model"`
	Requests            int64   `json:"requests"`
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	CacheCreationTokens int64   `json:"cache_creation_tokens"`
	CacheReadTokens     int64   `json:"cache_read_tokens"`
	Cost                float64 `json:"cost"`
}
