package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/account"
	"github.com/daymade/claude-relay-service/internal/config"
	"github.com/daymade/claude-relay-service/internal/crypto"
	"github.com/daymade/claude-relay-service/internal/domain"
	"github.com/daymade/claude-relay-service/internal/store/memory"
)

type fixture struct {
	repo    *account.Repository
	manager *Manager
	acct    *domain.UpstreamAccount
}

// newFixture 创建带指定过期时间的账户与指向假端点的管理器
func newFixture(t *testing.T, tokenURL string, expiresAt time.Time) *fixture {
	s := memory.NewStore()
	t.Cleanup(func() { s.Close() })
	cipher, err := crypto.NewCipher("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	repo := account.NewRepository(s, cipher, zap.NewNop())

	acct, err := repo.Create(context.Background(), account.CreateInput{
		Name:     "test",
		Provider: domain.ProviderClaudeOAuth,
		Envelope: domain.OAuthEnvelope{
			AccessToken:  "old-access",
			RefreshToken: "refresh-1",
			ExpiresAt:    expiresAt,
		},
	})
	require.NoError(t, err)

	mgr := NewManager(repo, s, config.ProviderConfig{
		ClaudeOAuthTokenURL: tokenURL,
		ClaudeOAuthClientID: "client-id",
	}, zap.NewNop())
	mgr.lockPoll = 10 * time.Millisecond

	return &fixture{repo: repo, manager: mgr, acct: acct}
}

// refreshServer 统计调用次数的假刷新端点
func refreshServer(t *testing.T, calls *atomic.Int64, status int, body map[string]interface{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
}

func TestEnsureFreshReturnsValidToken(t *testing.T) {
	var calls atomic.Int64
	srv := refreshServer(t, &calls, 200, nil)
	defer srv.Close()

	f := newFixture(t, srv.URL, time.Now().Add(time.Hour))
	token, err := f.manager.EnsureFresh(context.Background(), f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "old-access", token)
	assert.Equal(t, int64(0), calls.Load(), "fresh token must not trigger a refresh")
}

func TestEnsureFreshRefreshesExpired(t *testing.T) {
	var calls atomic.Int64
	srv := refreshServer(t, &calls, 200, map[string]interface{}{
		"access_token": "new-access",
		"expires_in":   3600,
		"token_type":   "Bearer",
	})
	defer srv.Close()

	f := newFixture(t, srv.URL, time.Now().Add(-time.Second))
	token, err := f.manager.EnsureFresh(context.Background(), f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", token)
	assert.Equal(t, int64(1), calls.Load())

	// 轮换后的信封已持久化
	env, err := f.repo.LoadEnvelope(context.Background(), f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", env.AccessToken)
	assert.True(t, env.ExpiresAt.After(time.Now().Add(10*time.Second)))
}

func TestSkewBoundaryTriggersRefresh(t *testing.T) {
	var calls atomic.Int64
	srv := refreshServer(t, &calls, 200, map[string]interface{}{
		"access_token": "new-access",
		"expires_in":   3600,
	})
	defer srv.Close()

	// 过期时刻恰好等于 now+10s：陈旧侧取闭区间，必须触发刷新
	fixedNow := time.Now()
	f := newFixture(t, srv.URL, fixedNow.Add(expirySkew))
	f.manager.now = func() time.Time { return fixedNow }

	_, err := f.manager.EnsureFresh(context.Background(), f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestConcurrentEnsureFreshSingleRefresh(t *testing.T) {
	var calls atomic.Int64
	srv := refreshServer(t, &calls, 200, map[string]interface{}{
		"access_token": "new-access",
		"expires_in":   3600,
	})
	defer srv.Close()

	f := newFixture(t, srv.URL, time.Now().Add(-time.Second))

	const n = 16
	var wg sync.WaitGroup
	tokens := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := f.manager.EnsureFresh(context.Background(), f.acct.ID)
			require.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "N concurrent callers must trigger exactly one refresh")
	for _, token := range tokens {
		assert.Equal(t, "new-access", token, "all callers observe the same rotated token")
	}
}

func TestInvalidGrantMarksUnauthorized(t *testing.T) {
	var calls atomic.Int64
	srv := refreshServer(t, &calls, 400, map[string]interface{}{"error": "invalid_grant"})
	defer srv.Close()

	f := newFixture(t, srv.URL, time.Now().Add(-time.Second))
	_, err := f.manager.EnsureFresh(context.Background(), f.acct.ID)
	assert.ErrorIs(t, err, ErrAccountUnauthorized)

	acct, err := f.repo.Get(context.Background(), f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStateUnauthorized, acct.State)

	// 状态事件已发出
	select {
	case ev := <-f.manager.Events():
		assert.Equal(t, domain.AccountStateUnauthorized, ev.State)
	default:
		t.Fatal("expected a state-change event")
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	var calls atomic.Int64
	srv := refreshServer(t, &calls, 503, map[string]interface{}{})
	defer srv.Close()

	f := newFixture(t, srv.URL, time.Now().Add(-time.Second))
	_, err := f.manager.EnsureFresh(context.Background(), f.acct.ID)
	assert.ErrorIs(t, err, ErrRefreshTransient)

	// 临时故障不作废账户
	acct, err := f.repo.Get(context.Background(), f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStateActive, acct.State)
}

func TestRotatedRefreshTokenPersisted(t *testing.T) {
	var calls atomic.Int64
	srv := refreshServer(t, &calls, 200, map[string]interface{}{
		"access_token":  "new-access",
		"refresh_token": "refresh-2",
		"expires_in":    3600,
	})
	defer srv.Close()

	f := newFixture(t, srv.URL, time.Now().Add(-time.Second))
	_, err := f.manager.EnsureFresh(context.Background(), f.acct.ID)
	require.NoError(t, err)

	env, err := f.repo.LoadEnvelope(context.Background(), f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", env.RefreshToken, "rotated refresh token must replace the old one")
}

func TestLockHeldByPeerPollsEnvelope(t *testing.T) {
	var calls atomic.Int64
	srv := refreshServer(t, &calls, 200, map[string]interface{}{
		"access_token": "new-access",
		"expires_in":   3600,
	})
	defer srv.Close()

	f := newFixture(t, srv.URL, time.Now().Add(-time.Second))
	ctx := context.Background()

	// 模拟另一个进程持有刷新锁
	ok, err := f.manager.kv.SetNX(ctx, refreshLockPrefix+f.acct.ID, "peer", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// 对端"完成刷新"：直接写入新信封
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = f.repo.SaveEnvelope(ctx, f.acct.ID, &domain.OAuthEnvelope{
			AccessToken:  "peer-access",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.Now().Add(time.Hour),
		})
	}()

	token, err := f.manager.EnsureFresh(ctx, f.acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "peer-access", token)
	assert.Equal(t, int64(0), calls.Load(), "waiter must not call the refresh endpoint")
}
