package apikey

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/domain"
	"github.com/daymade/claude-relay-service/internal/pool"
	"github.com/daymade/claude-relay-service/internal/ratelimit"
	"github.com/daymade/claude-relay-service/internal/store/memory"
)

func newTestService(t *testing.T) (*Service, *pool.WorkerPool) {
	s := memory.NewStore()
	t.Cleanup(func() { s.Close() })
	tasks := pool.NewWorkerPool(1, 64, zap.NewNop())
	tasks.Start(context.Background())
	t.Cleanup(func() { tasks.Drain(time.Second) })
	limiter := ratelimit.NewLimiter(s, zap.NewNop())
	return NewService(s, limiter, tasks, zap.NewNop()), tasks
}

func defaultIssue() IssueInput {
	return IssueInput{
		DisplayName: "test key",
		Quota: domain.KeyQuota{
			RequestsPerWindow: 100,
			TokensPerWindow:   100000,
			WindowSeconds:     60,
			MaxConcurrent:     5,
		},
		DailyCostLimit: -1,
	}
}

func TestIssueAndValidate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Issue(ctx, defaultIssue())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.Plaintext, "cr_"))
	assert.Len(t, res.Key.Hash, 64)

	key, err := svc.Validate(ctx, res.Plaintext)
	require.NoError(t, err)
	assert.Equal(t, res.Key.ID, key.ID)
}

func TestValidateRejectsUnknown(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Issue(ctx, defaultIssue())
	require.NoError(t, err)

	// 同样格式、不同内容的明文必须被拒绝
	other := res.Plaintext[:len(res.Plaintext)-4] + "XXXX"
	_, err = svc.Validate(ctx, other)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Validate(ctx, "cr_INVALID")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Validate(ctx, "not a key at all")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestIssueRejectsNegativeQuota(t *testing.T) {
	svc, _ := newTestService(t)
	input := defaultIssue()
	input.Quota.TokensPerWindow = -1
	_, err := svc.Issue(context.Background(), input)
	assert.ErrorIs(t, err, ErrInvalidQuota)
}

func TestValidateDisabled(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Issue(ctx, defaultIssue())
	require.NoError(t, err)
	require.NoError(t, svc.SetState(ctx, res.Key.ID, domain.APIKeyStateDisabled))

	_, err = svc.Validate(ctx, res.Plaintext)
	assert.ErrorIs(t, err, ErrKeyDisabled)
}

func TestValidateExpired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	input := defaultIssue()
	input.ExpiresIn = time.Millisecond
	res, err := svc.Issue(ctx, input)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = svc.Validate(ctx, res.Plaintext)
	assert.ErrorIs(t, err, ErrKeyExpired)
}

func TestRevokeRemovesIndex(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Issue(ctx, defaultIssue())
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, res.Key.ID))

	_, err = svc.Validate(ctx, res.Plaintext)
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = svc.Get(ctx, res.Key.ID)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestTwoKeysNeverShareHash(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		res, err := svc.Issue(ctx, defaultIssue())
		require.NoError(t, err)
		assert.False(t, seen[res.Key.Hash])
		seen[res.Key.Hash] = true
	}
}

func TestLastUsedBumpedAsync(t *testing.T) {
	svc, tasks := newTestService(t)
	ctx := context.Background()

	res, err := svc.Issue(ctx, defaultIssue())
	require.NoError(t, err)
	require.True(t, res.Key.LastUsedAt.IsZero())

	_, err = svc.Validate(ctx, res.Plaintext)
	require.NoError(t, err)

	// 等后台任务落盘
	require.True(t, tasks.Drain(time.Second))
	key, err := svc.Get(ctx, res.Key.ID)
	require.NoError(t, err)
	assert.False(t, key.LastUsedAt.IsZero(), "lastUsedAt must be written by the background task")
}

func TestMarkOverdrawn(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Issue(ctx, defaultIssue())
	require.NoError(t, err)

	require.NoError(t, svc.MarkOverdrawn(ctx, res.Key.ID, false))
	key, err := svc.Get(ctx, res.Key.ID)
	require.NoError(t, err)
	assert.True(t, key.Overdrawn)
	assert.Equal(t, domain.APIKeyStateActive, key.State)

	require.NoError(t, svc.MarkOverdrawn(ctx, res.Key.ID, true))
	key, err = svc.Get(ctx, res.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.APIKeyStateDisabled, key.State)
}
