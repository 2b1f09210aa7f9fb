package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/domain"
	"github.com/daymade/claude-relay-service/internal/store/memory"
)

func testKey() *domain.APIKey {
	return &domain.APIKey{
		ID: "key-1",
		Quota: domain.KeyQuota{
			RequestsPerWindow: 3,
			TokensPerWindow:   100,
			WindowSeconds:     60,
		},
		DailyCostLimit: -1, // 不限制
		State:          domain.APIKeyStateActive,
	}
}

func newTestLimiter(t *testing.T) (*Limiter, *memory.Store) {
	s := memory.NewStore()
	t.Cleanup(func() { s.Close() })
	return NewLimiter(s, zap.NewNop()), s
}

func TestAdmissionRequestWindow(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	key := testKey()
	window := time.Minute

	for i := 0; i < 3; i++ {
		d, err := l.CheckAdmission(ctx, key)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be admitted", i)
		require.NoError(t, l.RecordRequest(ctx, key.ID, window))
	}

	d, err := l.CheckAdmission(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "request window exhausted", d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestAdmissionTokenWindow(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	key := testKey()
	key.Quota.RequestsPerWindow = 0 // 只看 token 维度

	require.NoError(t, l.RecordTokens(ctx, key.ID, 100, time.Minute))

	d, err := l.CheckAdmission(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "token window exhausted", d.Reason)
}

func TestWindowSlides(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	key := testKey()

	base := time.Now()
	l.now = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		require.NoError(t, l.RecordRequest(ctx, key.ID, time.Minute))
	}
	d, err := l.CheckAdmission(ctx, key)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// 窗口滑过之后恢复准入
	l.now = func() time.Time { return base.Add(61 * time.Second) }
	d, err = l.CheckAdmission(ctx, key)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestZeroDailyCostLimitBlocksAll(t *testing.T) {
	l, _ := newTestLimiter(t)
	key := testKey()
	key.DailyCostLimit = 0

	d, err := l.CheckAdmission(context.Background(), key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestDailyCostLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	key := testKey()
	key.DailyCostLimit = 1.0
	key.Quota.RequestsPerWindow = 0
	key.Quota.TokensPerWindow = 0

	_, err := l.CommitCost(ctx, key.ID, 0.6)
	require.NoError(t, err)
	d, err := l.CheckAdmission(ctx, key)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	_, err = l.CommitCost(ctx, key.ID, 0.5)
	require.NoError(t, err)
	d, err = l.CheckAdmission(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "daily cost limit reached", d.Reason)
}

func TestCreditClamp(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	require.NoError(t, l.SetCredits(ctx, "key-1", 1.0))

	overdrawn, err := l.CommitCost(ctx, "key-1", 0.4)
	require.NoError(t, err)
	assert.False(t, overdrawn)

	overdrawn, err = l.CommitCost(ctx, "key-1", 10)
	require.NoError(t, err)
	assert.True(t, overdrawn, "exceeding balance must clamp and flag")

	balance, err := l.Credits(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, float64(0), balance, "balance never goes negative")
}

func TestKeyConcurrencySlots(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	key := testKey()
	key.Quota.MaxConcurrent = 2
	key.Quota.RequestsPerWindow = 0
	key.Quota.TokensPerWindow = 0

	ok, err := l.AcquireKeySlot(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.AcquireKeySlot(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	// 额度占满：第三次占用被拒，且计数没有泄漏
	ok, err = l.AcquireKeySlot(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(2), l.KeyInflight(ctx, key.ID))

	// 占满期间准入判定同样拒绝
	d, err := l.CheckAdmission(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "concurrency limit reached", d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// 释放一个额度后恢复
	l.ReleaseKeySlot(ctx, key.ID)
	d, err = l.CheckAdmission(ctx, key)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	ok, err = l.AcquireKeySlot(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyConcurrencyUnlimited(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	key := testKey()
	key.Quota.MaxConcurrent = 0

	for i := 0; i < 50; i++ {
		ok, err := l.AcquireKeySlot(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestReleaseKeySlotNeverNegative(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	l.ReleaseKeySlot(ctx, "key-1")
	assert.Equal(t, int64(0), l.KeyInflight(ctx, "key-1"))
}

func TestCommitCostWithoutCredits(t *testing.T) {
	l, _ := newTestLimiter(t)
	overdrawn, err := l.CommitCost(context.Background(), "no-credit-key", 5)
	require.NoError(t, err)
	assert.False(t, overdrawn, "keys without a balance are not overdrawn")
}
