package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/account"
	"github.com/daymade/claude-relay-service/internal/apikey"
	jwtpkg "github.com/daymade/claude-relay-service/internal/auth/jwt"
	"github.com/daymade/claude-relay-service/internal/breaker"
	"github.com/daymade/claude-relay-service/internal/config"
	"github.com/daymade/claude-relay-service/internal/crypto"
	"github.com/daymade/claude-relay-service/internal/domain"
	"github.com/daymade/claude-relay-service/internal/monitoring"
	"github.com/daymade/claude-relay-service/internal/oauth"
	"github.com/daymade/claude-relay-service/internal/pool"
	"github.com/daymade/claude-relay-service/internal/pricing"
	"github.com/daymade/claude-relay-service/internal/ratelimit"
	"github.com/daymade/claude-relay-service/internal/relay"
	"github.com/daymade/claude-relay-service/internal/scheduler"
	"github.com/daymade/claude-relay-service/internal/store/memory"
	"github.com/daymade/claude-relay-service/internal/usage"
	"github.com/daymade/claude-relay-service/internal/websocket"
)

const sampleStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","model":"claude-3-5-sonnet-20241022","usage":{"input_tokens":25,"output_tokens":1}}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}

event: message_stop
data: {"type":"message_stop"}

`

// metricsOnce prometheus 指标全局只注册一次
var metricsOnce = monitoring.NewMetrics()

type stack struct {
	router     *gin.Engine
	keys       *apikey.Service
	accounts   *account.Repository
	inflight   *ratelimit.InflightTracker
	usageQueue *pool.WorkerPool
	recorder   *usage.Recorder
	kv         *memory.Store
}

// newStack 在内存存储上搭出整条数据面，上游指向假服务
func newStack(t *testing.T, upstreamURL string) *stack {
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()

	kv := memory.NewStore()
	t.Cleanup(func() { kv.Close() })

	cipher, err := crypto.NewCipher("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	tasks := pool.NewWorkerPool(1, 64, log)
	tasks.Start(context.Background())
	t.Cleanup(func() { tasks.Drain(time.Second) })
	usageQueue := pool.NewWorkerPool(1, 128, log)
	usageQueue.Start(context.Background())

	limiter := ratelimit.NewLimiter(kv, log)
	inflight := ratelimit.NewInflightTracker(kv, 30*time.Second, log)
	accounts := account.NewRepository(kv, cipher, log)
	keys := apikey.NewService(kv, limiter, tasks, log)
	breakers := breaker.NewRegistry()

	provCfg := config.ProviderConfig{
		ClaudeBaseURL:    upstreamURL,
		AnthropicVersion: "2023-06-01",
	}
	relayCfg := config.RelayConfig{
		RequestTimeout:  5 * time.Second,
		StreamTimeout:   5 * time.Second,
		IdleReadTimeout: 5 * time.Second,
		MaxRetries:      1,
		RetryBaseDelay:  time.Millisecond,
		MaxBodySize:     10 * 1024 * 1024,
	}

	oauthMgr := oauth.NewManager(accounts, kv, provCfg, log)
	sched := scheduler.New(accounts, inflight, breakers, kv, time.Hour, log)
	engine := relay.NewEngine(relayCfg, provCfg, oauthMgr, accounts, breakers, log)
	recorder := usage.NewRecorder(kv, usageQueue, limiter, keys, pricing.NewTable(), 30, log)

	cfg := &config.Config{
		Relay: relayCfg,
		CORS:  config.CORSConfig{AllowedOrigins: []string{"*"}},
		Security: config.SecurityConfig{
			AdminUsername: "admin",
		},
	}

	router := NewRouter(RouterDependencies{
		Config:        cfg,
		Keys:          keys,
		Accounts:      accounts,
		Scheduler:     sched,
		Engine:        engine,
		Limiter:       limiter,
		Usage:         recorder,
		Metrics:       metricsOnce,
		HealthChecker: monitoring.NewHealthChecker(kv, log),
		Hub:           websocket.NewHub(log),
		JWTManager:    jwtpkg.NewManager("jwt-secret-for-tests-0123456789abcdef", "test", time.Hour),
		Logger:        log,
	})

	return &stack{
		router:     router,
		keys:       keys,
		accounts:   accounts,
		inflight:   inflight,
		usageQueue: usageQueue,
		recorder:   recorder,
		kv:         kv,
	}
}

func (s *stack) addAccount(t *testing.T) *domain.UpstreamAccount {
	acct, err := s.accounts.Create(context.Background(), account.CreateInput{
		Name:     "acct",
		Provider: domain.ProviderClaudeOAuth,
		Envelope: domain.OAuthEnvelope{
			AccessToken:  "upstream-token",
			RefreshToken: "refresh",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	})
	require.NoError(t, err)
	return acct
}

func (s *stack) issueKey(t *testing.T) string {
	result, err := s.keys.Issue(context.Background(), apikey.IssueInput{
		DisplayName: "test",
		Quota: domain.KeyQuota{
			TokensPerWindow:   100000,
			RequestsPerWindow: 100,
			WindowSeconds:     60,
			MaxConcurrent:     5,
		},
		DailyCostLimit: -1,
	})
	require.NoError(t, err)
	return result.Plaintext
}

func messagesBody() string {
	return `{"model":"claude-3-5-sonnet-20241022","stream":true,"messages":[{"role":"user","content":"hi"}]}`
}

func doMessages(s *stack, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHappyPathStreaming(t *testing.T) {
	var upstreamCalls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
		assert.Equal(t, "Bearer upstream-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sampleStream))
	}))
	defer upstream.Close()

	s := newStack(t, upstream.URL)
	acct := s.addAccount(t)
	key := s.issueKey(t)

	rec := doMessages(s, key, messagesBody())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	assert.Equal(t, acct.ID, rec.Header().Get("x-relay-account-id"))
	assert.Contains(t, rec.Body.String(), "message_delta")
	assert.Contains(t, rec.Body.String(), "message_stop")

	// 记账：日聚合按上游报告的 token 数递增
	require.True(t, s.usageQueue.Drain(time.Second))
	ctx := context.Background()
	keyRecord, err := s.keys.Validate(ctx, key)
	require.NoError(t, err)
	date := time.Now().UTC().Format("2006-01-02")
	rollups, err := s.recorder.Rollups(ctx, keyRecord.ID, date)
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	assert.Equal(t, int64(25), rollups[0].InputTokens)
	assert.Equal(t, int64(42), rollups[0].OutputTokens)

	// 在途计数归零
	assert.Equal(t, int64(0), s.inflight.Current(ctx, acct.ID))
	assert.Equal(t, int64(1), upstreamCalls.Load())
}

func TestInvalidKeyNoUpstreamCall(t *testing.T) {
	var upstreamCalls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls.Add(1)
	}))
	defer upstream.Close()

	s := newStack(t, upstream.URL)
	s.addAccount(t)

	rec := doMessages(s, "cr_INVALID", messagesBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "AuthInvalid", body["error"])
	assert.Equal(t, int64(0), upstreamCalls.Load(), "no upstream call for invalid keys")
}

func TestMissingKey(t *testing.T) {
	s := newStack(t, "http://unused")
	rec := doMessages(s, "", messagesBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "AuthMissing")
}

func TestUpstream429Passthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	s := newStack(t, upstream.URL)
	acct := s.addAccount(t)
	key := s.issueKey(t)

	rec := doMessages(s, key, messagesBody())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "120", rec.Header().Get("Retry-After"))

	// 账户进入 rate-limited，冷却 ~120s
	got, err := s.accounts.Get(context.Background(), acct.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountStateRateLimited, got.State)

	// 冷却期内再次请求：无其他账户可用 -> 503 + Retry-After
	rec = doMessages(s, key, messagesBody())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "NoAccountAvailable")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestStickySessionSameAccount(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sampleStream))
	}))
	defer upstream.Close()

	s := newStack(t, upstream.URL)
	s.addAccount(t)
	s.addAccount(t)
	key := s.issueKey(t)

	rec1 := doMessages(s, key, messagesBody())
	require.Equal(t, http.StatusOK, rec1.Code)
	rec2 := doMessages(s, key, messagesBody())
	require.Equal(t, http.StatusOK, rec2.Code)

	assert.Equal(t,
		rec1.Header().Get("x-relay-account-id"),
		rec2.Header().Get("x-relay-account-id"),
		"identical first user message must map to the same account",
	)
	assert.NotEmpty(t, rec1.Header().Get("x-relay-session"))
}

func TestMaxConcurrentPerKeyRejects(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	var calls atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(started)
			<-unblock // 第一个请求挂在上游，占住 Key 的唯一并发额度
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"usage":{"input_tokens":1,"output_tokens":1}}`))
	}))
	defer upstream.Close()

	s := newStack(t, upstream.URL)
	s.addAccount(t)

	result, err := s.keys.Issue(context.Background(), apikey.IssueInput{
		DisplayName: "single-slot",
		Quota: domain.KeyQuota{
			WindowSeconds: 60,
			MaxConcurrent: 1,
		},
		DailyCostLimit: -1,
	})
	require.NoError(t, err)
	key := result.Plaintext

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- doMessages(s, key, messagesBody())
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached upstream")
	}

	// 额度被占满：第二个并发请求必须被 Key 级并发上限拒绝
	rec := doMessages(s, key, messagesBody())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "QuotaExceeded")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, int64(1), calls.Load(), "rejected request must not reach upstream")

	close(unblock)
	select {
	case rec1 := <-first:
		assert.Equal(t, http.StatusOK, rec1.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("first request did not complete")
	}

	// 额度归还后恢复准入
	rec = doMessages(s, key, messagesBody())
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestZeroDailyCostLimitBlocked(t *testing.T) {
	s := newStack(t, "http://unused")
	s.addAccount(t)

	result, err := s.keys.Issue(context.Background(), apikey.IssueInput{
		DisplayName:    "zero",
		Quota:          domain.KeyQuota{WindowSeconds: 60},
		DailyCostLimit: 0,
	})
	require.NoError(t, err)

	rec := doMessages(s, result.Plaintext, messagesBody())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "QuotaExceeded")
}

func TestModelNotAllowed(t *testing.T) {
	s := newStack(t, "http://unused")
	s.addAccount(t)

	result, err := s.keys.Issue(context.Background(), apikey.IssueInput{
		DisplayName:    "restricted",
		Quota:          domain.KeyQuota{WindowSeconds: 60},
		DailyCostLimit: -1,
		AllowedModels:  []string{"claude-3-5-haiku*"},
	})
	require.NoError(t, err)

	rec := doMessages(s, result.Plaintext, messagesBody())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "BadRequest")
}

func TestKeyInfoEndpoint(t *testing.T) {
	s := newStack(t, "http://unused")
	key := s.issueKey(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/key-info", nil)
	req.Header.Set("Authorization", "Bearer "+key)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "test", info["display_name"])
	assert.NotNil(t, info["quota"])
}

func TestModelsEndpointFiltersByKey(t *testing.T) {
	s := newStack(t, "http://unused")

	result, err := s.keys.Issue(context.Background(), apikey.IssueInput{
		DisplayName:    "haiku-only",
		Quota:          domain.KeyQuota{WindowSeconds: 60},
		DailyCostLimit: -1,
		AllowedModels:  []string{"claude-3-5-haiku*"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/models", nil)
	req.Header.Set("x-api-key", result.Plaintext)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "claude-3-5-haiku")
	assert.NotContains(t, rec.Body.String(), "claude-3-opus")
}

func TestOpenAICompatEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 上游收到的是 Anthropic 形状
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotNil(t, body["messages"])
		assert.NotNil(t, body["max_tokens"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","model":"claude-3-5-sonnet-20241022","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":5,"output_tokens":7}}`))
	}))
	defer upstream.Close()

	s := newStack(t, upstream.URL)
	s.addAccount(t)
	key := s.issueKey(t)

	body := `{"model":"claude-3-5-sonnet-20241022","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/openai/claude/v1/messages", strings.NewReader(body))
	req.Header.Set("x-api-key", key)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp["object"], "response translated to OpenAI shape")
}

func TestHealthEndpoints(t *testing.T) {
	s := newStack(t, "http://unused")

	for _, path := range []string{"/health", "/liveness", "/readiness", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestAdminFlow(t *testing.T) {
	s := newStack(t, "http://unused")

	// 未认证访问被拒
	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
