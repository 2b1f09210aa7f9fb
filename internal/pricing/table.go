package pricing

import (
	"strings"
	"sync"

	"github.com/daymade/claude-relay-service/internal/domain"
)

// ModelPrice 每百万 token 的美元单价
type ModelPrice struct {
	InputPerMTok         float64 `json:"input_per_mtok"`
	OutputPerMTok        float64 `json:"output_per_mtok"`
	CacheCreationPerMTok float64 `json:"cache_creation_per_mtok"`
	CacheReadPerMTok     float64 `json:"cache_read_per_mtok"`
}

// Table 按 (供应商, 模型模式) 定价
//
// 折算系数不硬编码；默认表可被配置覆盖，未知模型回退到
// 该供应商的 "*" 条目。
type Table struct {
	mu     sync.RWMutex
	prices map[domain.Provider]map[string]ModelPrice
}

// NewTable 创建带默认定价的价格表
func NewTable() *Table {
	t := &Table{prices: make(map[domain.Provider]map[string]ModelPrice)}
	for provider, models := range defaultPrices {
		t.prices[provider] = make(map[string]ModelPrice, len(models))
		for pattern, price := range models {
			t.prices[provider][pattern] = price
		}
	}
	return t
}

// defaultPrices 出厂默认，按需通过 Override 调整
var defaultPrices = map[domain.Provider]map[string]ModelPrice{
	domain.ProviderClaudeOAuth: {
		"claude-3-5-sonnet*": {InputPerMTok: 3, OutputPerMTok: 15, CacheCreationPerMTok: 3.75, CacheReadPerMTok: 0.3},
		"claude-3-5-haiku*":  {InputPerMTok: 0.8, OutputPerMTok: 4, CacheCreationPerMTok: 1, CacheReadPerMTok: 0.08},
		"claude-3-opus*":     {InputPerMTok: 15, OutputPerMTok: 75, CacheCreationPerMTok: 18.75, CacheReadPerMTok: 1.5},
		"*":                  {InputPerMTok: 3, OutputPerMTok: 15, CacheCreationPerMTok: 3.75, CacheReadPerMTok: 0.3},
	},
	domain.ProviderClaudeConsole: {
		"*": {InputPerMTok: 3, OutputPerMTok: 15, CacheCreationPerMTok: 3.75, CacheReadPerMTok: 0.3},
	},
	domain.ProviderGemini: {
		"gemini-1.5-pro*":   {InputPerMTok: 1.25, OutputPerMTok: 5},
		"gemini-1.5-flash*": {InputPerMTok: 0.075, OutputPerMTok: 0.3},
		"*":                 {InputPerMTok: 1.25, OutputPerMTok: 5},
	},
	domain.ProviderBedrock: {
		"*": {InputPerMTok: 3, OutputPerMTok: 15, CacheCreationPerMTok: 3.75, CacheReadPerMTok: 0.3},
	},
}

// Override 覆盖某个 (供应商, 模型模式) 的单价
func (t *Table) Override(provider domain.Provider, pattern string, price ModelPrice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	models, ok := t.prices[provider]
	if !ok {
		models = make(map[string]ModelPrice)
		t.prices[provider] = models
	}
	models[pattern] = price
}

// Lookup 查找模型单价，最长匹配优先
func (t *Table) Lookup(provider domain.Provider, model string) (ModelPrice, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	models, ok := t.prices[provider]
	if !ok {
		return ModelPrice{}, false
	}

	var (
		best    ModelPrice
		bestLen = -1
		found   bool
	)
	for pattern, price := range models {
		if !domain.MatchModelPattern(pattern, model) {
			continue
		}
		plen := len(strings.TrimSuffix(pattern, "*"))
		if plen > bestLen {
			best = price
			bestLen = plen
			found = true
		}
	}
	return best, found
}

// Cost 按用量计算费用（美元）
func (t *Table) Cost(provider domain.Provider, model string, usage domain.TokenUsage) float64 {
	price, ok := t.Lookup(provider, model)
	if !ok {
		return 0
	}
	const mtok = 1_000_000
	return float64(usage.InputTokens)*price.InputPerMTok/mtok +
		float64(usage.OutputTokens)*price.OutputPerMTok/mtok +
		float64(usage.CacheCreationTokens)*price.CacheCreationPerMTok/mtok +
		float64(usage.CacheReadTokens)*price.CacheReadPerMTok/mtok
}
