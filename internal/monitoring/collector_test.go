package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/account"
	"github.com/daymade/claude-relay-service/internal/breaker"
	"github.com/daymade/claude-relay-service/internal/crypto"
	"github.com/daymade/claude-relay-service/internal/domain"
	"github.com/daymade/claude-relay-service/internal/ratelimit"
	"github.com/daymade/claude-relay-service/internal/store/memory"
)

// testMetrics prometheus 默认注册表全局只注册一次
var testMetrics = NewMetrics()

func TestCollectorSnapshots(t *testing.T) {
	s := memory.NewStore()
	t.Cleanup(func() { s.Close() })
	cipher, err := crypto.NewCipher("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	repo := account.NewRepository(s, cipher, zap.NewNop())

	acct, err := repo.Create(context.Background(), account.CreateInput{
		Name:     "a",
		Provider: domain.ProviderClaudeOAuth,
		Envelope: domain.OAuthEnvelope{
			AccessToken:  "at",
			RefreshToken: "rt",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	})
	require.NoError(t, err)

	tracker := ratelimit.NewInflightTracker(s, 30*time.Second, zap.NewNop())
	ok, err := tracker.TryAcquire(context.Background(), acct.ID, 0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = tracker.TryAcquire(context.Background(), acct.ID, 0)
	require.NoError(t, err)
	require.True(t, ok)

	breakers := breaker.NewRegistry()
	br := breakers.Get(acct.ID)
	for i := 0; i < 5; i++ {
		br.RecordFailure()
	}

	collector := NewCollector(testMetrics, repo, tracker, breakers, zap.NewNop())
	collector.collect(context.Background())

	assert.Equal(t, float64(2),
		testutil.ToFloat64(testMetrics.AccountInflight.WithLabelValues(acct.ID)),
		"account inflight gauge reflects the live counter")
	assert.Equal(t, float64(1),
		testutil.ToFloat64(testMetrics.BreakerOpenAccounts),
		"open breaker count reflects registry state")

	// 释放在途计数后下一轮快照回落
	tracker.Release(context.Background(), acct.ID)
	tracker.Release(context.Background(), acct.ID)
	collector.collect(context.Background())
	assert.Equal(t, float64(0),
		testutil.ToFloat64(testMetrics.AccountInflight.WithLabelValues(acct.ID)))
}
