package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/domain"
	"github.com/daymade/claude-relay-service/internal/middleware"
	"github.com/daymade/claude-relay-service/internal/oauth"
	"github.com/daymade/claude-relay-service/internal/relay"
	"github.com/daymade/claude-relay-service/internal/scheduler"
)

// messageEnvelope 请求体里调度需要的最小投影
type messageEnvelope struct {
	Model  string          `json:"model"`
	Stream bool            `json:"stream"`
	System json.RawMessage `json:"system"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

// rawToText 把 string 或内容分段数组折叠为文本
func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			sb.WriteString(p.Text)
		}
		return sb.String()
	}
	return ""
}

// sessionInputs 提取会话指纹的稳定投影：首个 system + 首条用户消息
func sessionInputs(env *messageEnvelope) (string, string) {
	system := rawToText(env.System)
	for _, msg := range env.Messages {
		if msg.Role == "user" {
			return system, rawToText(msg.Content)
		}
	}
	return system, ""
}

// handleMessages Anthropic Messages API（流式或缓冲）
//
// 不钉死供应商：claude-oauth / claude-console / bedrock 都能服务
// Anthropic 形状的请求，由模型支持判定过滤。
func (h *Handler) handleMessages(c *gin.Context) {
	h.relayRequest(c, "", "/v1/messages", nil)
}

// handleGemini Gemini 透传
func (h *Handler) handleGemini(c *gin.Context) {
	path := "/v1beta" + c.Param("path")
	h.relayRequest(c, domain.ProviderGemini, path, nil)
}

// modelFromGeminiPath 从 "/v1beta/models/<model>:<op>" 提取模型名
func modelFromGeminiPath(path string) string {
	const marker = "/models/"
	idx := strings.Index(path, marker)
	if idx < 0 {
		return ""
	}
	rest := path[idx+len(marker):]
	if colon := strings.IndexByte(rest, ':'); colon >= 0 {
		rest = rest[:colon]
	}
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

// handleOpenAIMessages OpenAI 形状信封的兼容端点
func (h *Handler) handleOpenAIMessages(c *gin.Context) {
	h.relayRequest(c, "", "/v1/messages", relay.TranslateOpenAIRequest)
}

// translateFn OpenAI 兼容层的请求翻译钩子
type translateFn func([]byte) ([]byte, string, bool, error)

// relayRequest 数据面主流程
//
// 认证 -> 配额 -> 调度 -> 凭证保鲜 -> 转发 -> 记账。
// 调度选中账户或报告无可用账户之后，不论成功、失败还是客户端取消，
// 每个请求恰好提交一条用量事件；在此之前结束的请求（请求体非法、
// 模型不允许、配额或并发超限、调度内部错误）不提交用量事件。
// 各出口都归还已占用的 Key 级并发额度与账户在途计数。
func (h *Handler) relayRequest(c *gin.Context, provider domain.Provider, upstreamPath string, translate translateFn) {
	key, ok := middleware.KeyFromContext(c)
	if !ok {
		relayError(c, http.StatusUnauthorized, "AuthMissing")
		return
	}

	started := time.Now()
	requestID := uuid.NewString()

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		relayError(c, http.StatusBadRequest, "BadRequest")
		return
	}

	openAIShim := translate != nil
	if openAIShim {
		translated, _, _, err := translate(body)
		if err != nil {
			relayError(c, http.StatusBadRequest, "BadRequest")
			return
		}
		body = translated
	}

	var env messageEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		relayError(c, http.StatusBadRequest, "BadRequest")
		return
	}
	if env.Model == "" && provider == domain.ProviderGemini {
		env.Model = modelFromGeminiPath(upstreamPath)
	}
	if env.Model == "" {
		relayError(c, http.StatusBadRequest, "BadRequest")
		return
	}

	if !key.ModelAllowed(env.Model) {
		relayError(c, http.StatusBadRequest, "BadRequest")
		return
	}

	// 配额准入
	decision, err := h.keys.CheckQuota(c.Request.Context(), key)
	if err != nil {
		h.log.Error("quota check failed", zap.Error(err))
		relayError(c, http.StatusInternalServerError, "InternalError")
		return
	}
	if !decision.Allowed {
		h.metrics.RateLimitBlocks.WithLabelValues(decision.Reason).Inc()
		c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
		relayError(c, http.StatusTooManyRequests, "QuotaExceeded")
		return
	}

	// Key 级并发额度：原子占用，任何出口都归还
	slotOK, err := h.limiter.AcquireKeySlot(c.Request.Context(), key)
	if err != nil {
		h.log.Error("failed to acquire key concurrency slot", zap.Error(err))
		relayError(c, http.StatusInternalServerError, "InternalError")
		return
	}
	if !slotOK {
		h.metrics.RateLimitBlocks.WithLabelValues("concurrency limit reached").Inc()
		c.Header("Retry-After", "1")
		relayError(c, http.StatusTooManyRequests, "QuotaExceeded")
		return
	}
	slotReleased := false
	releaseSlot := func() {
		if !slotReleased {
			slotReleased = true
			slotCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			h.limiter.ReleaseKeySlot(slotCtx, key.ID)
		}
	}
	defer releaseSlot()

	window := time.Duration(key.Quota.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	_ = h.limiter.RecordRequest(c.Request.Context(), key.ID, window)

	// 调度
	system, firstUser := sessionInputs(&env)
	fingerprint := ""
	if firstUser != "" || system != "" {
		fingerprint = scheduler.SessionFingerprint(system, firstUser)
	}
	sel, err := h.scheduler.Pick(c.Request.Context(), scheduler.Request{
		Key:                key,
		Provider:           provider,
		Model:              env.Model,
		SessionFingerprint: fingerprint,
	})
	if err != nil {
		if noAcct, ok := scheduler.IsNoAccount(err); ok {
			h.metrics.NoAccountAvailable.Inc()
			c.Header("Retry-After", strconv.Itoa(int(noAcct.RetryAfter.Seconds())))
			relayError(c, http.StatusServiceUnavailable, "NoAccountAvailable")
			h.commitUsage(domain.UsageRecord{
				RequestID: requestID, APIKeyID: key.ID, Provider: provider,
				Model: env.Model, Endpoint: c.FullPath(),
				StatusCode: http.StatusServiceUnavailable,
				StartedAt:  started, DurationMs: time.Since(started).Milliseconds(),
			})
			return
		}
		h.log.Error("scheduler failure", zap.Error(err))
		relayError(c, http.StatusInternalServerError, "InternalError")
		return
	}

	acct := sel.Account
	released := false
	release := func() {
		if !released {
			released = true
			// 客户端断连后请求上下文已取消，归还计数用独立上下文
			releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			h.scheduler.Release(releaseCtx, acct.ID)
		}
	}
	defer release()

	source := "pool"
	switch {
	case key.DedicatedAccount == acct.ID:
		source = "dedicated"
	case sel.Sticky:
		source = "sticky"
	case key.AccountGroup != "":
		source = "group"
	}
	h.metrics.SchedulerPicksTotal.WithLabelValues(source).Inc()

	// 诊断头
	c.Header("x-relay-account-id", acct.ID)
	if fingerprint != "" {
		c.Header("x-relay-session", fingerprint[:16])
	}

	var writer http.ResponseWriter = c.Writer
	wantStream := env.Stream || strings.Contains(c.GetHeader("Accept"), "text/event-stream")
	var buffered *bufferingWriter
	if openAIShim {
		if wantStream {
			writer = relay.NewStreamTranslator(c.Writer)
		} else {
			buffered = newBufferingWriter()
			writer = buffered
		}
	}

	result, err := h.engine.Forward(c.Request.Context(), writer, c.Request, acct, body, upstreamPath)
	durationMs := time.Since(started).Milliseconds()

	record := domain.UsageRecord{
		RequestID:  requestID,
		APIKeyID:   key.ID,
		AccountID:  acct.ID,
		Provider:   acct.Provider,
		Model:      env.Model,
		Endpoint:   c.FullPath(),
		StartedAt:  started,
		DurationMs: durationMs,
	}

	if err != nil {
		record.StatusCode = h.writeRelayError(c, err)
		h.metrics.RelayRequestsTotal.WithLabelValues(string(acct.Provider), "error").Inc()
		release()
		h.commitUsage(record)
		return
	}

	// 上游 429 透传
	if result.RateLimited {
		if result.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
		}
		relayError(c, http.StatusTooManyRequests, "UpstreamRateLimited")
		record.StatusCode = http.StatusTooManyRequests
		h.metrics.RelayRequestsTotal.WithLabelValues(string(acct.Provider), "rate_limited").Inc()
		release()
		h.commitUsage(record)
		return
	}

	if result.Model != "" {
		record.Model = result.Model
	}
	record.Usage = result.Usage
	record.StatusCode = result.StatusCode
	record.ClientDisconnect = result.ClientDisconnect

	if buffered != nil {
		// OpenAI 兼容层的缓冲响应：翻译后写出
		out, terr := relay.TranslateAnthropicResponse(buffered.body.Bytes())
		if terr != nil || buffered.status >= 400 {
			c.Data(buffered.status, buffered.contentType(), buffered.body.Bytes())
		} else {
			c.Data(buffered.status, "application/json", out)
		}
	}

	if result.ClientDisconnect {
		h.metrics.StreamDisconnects.Inc()
	}
	h.metrics.RelayRequestsTotal.WithLabelValues(string(acct.Provider), "ok").Inc()
	h.metrics.RelayDuration.WithLabelValues(string(acct.Provider)).Observe(time.Since(started).Seconds())
	if record.Model != "" {
		h.metrics.RelayTokensTotal.WithLabelValues(record.Model, "input").Add(float64(result.Usage.InputTokens))
		h.metrics.RelayTokensTotal.WithLabelValues(record.Model, "output").Add(float64(result.Usage.OutputTokens))
	}

	// token 窗口按实际用量记账
	_ = h.limiter.RecordTokens(c.Request.Context(), key.ID, result.Usage.Total(), window)
	_ = h.accounts.MarkUsed(c.Request.Context(), acct.ID)

	release()
	h.commitUsage(record)
}

// writeRelayError 错误翻译：引擎错误 -> 对外错误种类
func (h *Handler) writeRelayError(c *gin.Context, err error) int {
	switch {
	case errors.Is(err, relay.ErrUpstreamUnauthorized), errors.Is(err, oauth.ErrAccountUnauthorized):
		relayError(c, http.StatusBadGateway, "UpstreamUnauthorized")
		return http.StatusBadGateway
	case errors.Is(err, relay.ErrUpstreamExhausted), errors.Is(err, oauth.ErrRefreshTransient):
		relayError(c, http.StatusBadGateway, "UpstreamError")
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		// 客户端取消：连接已断，只记账
		return 499
	default:
		h.log.Error("relay failure", zap.Error(err))
		relayError(c, http.StatusBadGateway, "UpstreamError")
		return http.StatusBadGateway
	}
}

// commitUsage 提交用量事件（每请求一次）
func (h *Handler) commitUsage(record domain.UsageRecord) {
	h.usage.Commit(record)
}

// bufferingWriter 缓冲上游响应，供兼容层整体翻译
type bufferingWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferingWriter() *bufferingWriter {
	return &bufferingWriter{header: make(http.Header), status: http.StatusOK}
}

func (w *bufferingWriter) Header() http.Header { return w.header }

func (w *bufferingWriter) WriteHeader(status int) { w.status = status }

func (w *bufferingWriter) Write(p []byte) (int, error) { return w.body.Write(p) }

func (w *bufferingWriter) contentType() string {
	if ct := w.header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/json"
}
