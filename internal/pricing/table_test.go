package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daymade/claude-relay-service/internal/domain"
)

func TestLookupLongestMatchWins(t *testing.T) {
	table := NewTable()

	price, ok := table.Lookup(domain.ProviderClaudeOAuth, "claude-3-5-sonnet-20241022")
	require.True(t, ok)
	assert.Equal(t, float64(3), price.InputPerMTok)
	assert.Equal(t, float64(15), price.OutputPerMTok)

	// 未知模型回退到通配条目
	price, ok = table.Lookup(domain.ProviderClaudeOAuth, "claude-99-experimental")
	require.True(t, ok)
	assert.Equal(t, float64(3), price.InputPerMTok)
}

func TestLookupUnknownProvider(t *testing.T) {
	table := NewTable()
	_, ok := table.Lookup(domain.Provider("unknown"), "model")
	assert.False(t, ok)
}

func TestOverride(t *testing.T) {
	table := NewTable()
	table.Override(domain.ProviderClaudeOAuth, "claude-3-5-sonnet*", ModelPrice{InputPerMTok: 1, OutputPerMTok: 2})

	price, ok := table.Lookup(domain.ProviderClaudeOAuth, "claude-3-5-sonnet-20241022")
	require.True(t, ok)
	assert.Equal(t, float64(1), price.InputPerMTok)
}

func TestCost(t *testing.T) {
	table := NewTable()
	usage := domain.TokenUsage{
		InputTokens:         1_000_000,
		OutputTokens:        500_000,
		CacheCreationTokens: 100_000,
		CacheReadTokens:     200_000,
	}
	cost := table.Cost(domain.ProviderClaudeOAuth, "claude-3-5-sonnet-20241022", usage)
	// 3 + 7.5 + 0.375 + 0.06
	assert.InDelta(t, 10.935, cost, 1e-9)
}

func TestCostZeroForUnknown(t *testing.T) {
	table := NewTable()
	cost := table.Cost(domain.Provider("nope"), "m", domain.TokenUsage{InputTokens: 100})
	assert.Equal(t, float64(0), cost)
}
