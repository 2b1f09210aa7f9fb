package relay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/account"
	"github.com/daymade/claude-relay-service/internal/breaker"
	"github.com/daymade/claude-relay-service/internal/config"
	"github.com/daymade/claude-relay-service/internal/domain"
	"github.com/daymade/claude-relay-service/internal/oauth"
	"github.com/daymade/claude-relay-service/internal/proxyutil"
)

var (
	// ErrUpstreamUnauthorized 强制刷新一次后上游仍拒绝凭证
	ErrUpstreamUnauthorized = errors.New("upstream rejected credentials")
	// ErrUpstreamExhausted 重试预算耗尽
	ErrUpstreamExhausted = errors.New("upstream retries exhausted")
)

// Result 一次转发的结果
type Result struct {
	StatusCode       int
	Usage            domain.TokenUsage
	Model            string
	Streamed         bool
	StreamComplete   bool
	BytesSent        int64
	ClientDisconnect bool
	RateLimited      bool
	RetryAfter       time.Duration
}

// Engine 转发引擎
//
// 职责：改写凭证头、经账户出站代理拨号、双向搬运字节、
// 解析 SSE 提取用量、翻译上游错误。
type Engine struct {
	relayCfg config.RelayConfig
	provCfg  config.ProviderConfig
	oauth    *oauth.Manager
	repo     *account.Repository
	breakers *breaker.Registry
	log      *zap.Logger
	now      func() time.Time
}

// NewEngine 创建转发引擎
func NewEngine(relayCfg config.RelayConfig, provCfg config.ProviderConfig, oauthMgr *oauth.Manager, repo *account.Repository, breakers *breaker.Registry, log *zap.Logger) *Engine {
	return &Engine{
		relayCfg: relayCfg,
		provCfg:  provCfg,
		oauth:    oauthMgr,
		repo:     repo,
		breakers: breakers,
		log:      log,
		now:      time.Now,
	}
}

// hopHeaders 不向上游转发的逐跳头
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// baseURLFor 供应商的基础地址
func (e *Engine) baseURLFor(provider domain.Provider) (string, error) {
	switch provider {
	case domain.ProviderClaudeOAuth:
		return e.provCfg.ClaudeBaseURL, nil
	case domain.ProviderClaudeConsole:
		return e.provCfg.ClaudeConsoleBaseURL, nil
	case domain.ProviderGemini:
		return e.provCfg.GeminiBaseURL, nil
	case domain.ProviderBedrock:
		if e.provCfg.BedrockBaseURL == "" {
			return "", fmt.Errorf("bedrock base URL not configured")
		}
		return e.provCfg.BedrockBaseURL, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}
}

// rewriteHeaders 构造上游请求头：剥离客户端凭证，注入上游凭证
func (e *Engine) rewriteHeaders(dst http.Header, src http.Header, acct *domain.UpstreamAccount, token string) {
	for k, vv := range src {
		if strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "X-Api-Key") ||
			strings.EqualFold(k, "Host") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		skip := false
		for _, hop := range hopHeaders {
			if strings.EqualFold(k, hop) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}

	switch acct.Provider {
	case domain.ProviderClaudeOAuth:
		dst.Set("Authorization", "Bearer "+token)
		dst.Set("anthropic-version", e.provCfg.AnthropicVersion)
		if e.provCfg.AnthropicBeta != "" {
			dst.Set("anthropic-beta", e.provCfg.AnthropicBeta)
		}
	case domain.ProviderClaudeConsole:
		// Console 账户走 API Key 头
		dst.Set("x-api-key", token)
		dst.Set("anthropic-version", e.provCfg.AnthropicVersion)
	case domain.ProviderGemini:
		dst.Set("Authorization", "Bearer "+token)
	case domain.ProviderBedrock:
		dst.Set("Authorization", "Bearer "+token)
	}
}

// Forward 把请求转发到指定账户的上游并把响应搬回客户端
//
// body 是已读出的请求体（重试需要可重放）。path 是上游路径。
func (e *Engine) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, acct *domain.UpstreamAccount, body []byte, path string) (*Result, error) {
	baseURL, err := e.baseURLFor(acct.Provider)
	if err != nil {
		return nil, err
	}

	token, err := e.oauth.EnsureFresh(ctx, acct.ID)
	if err != nil {
		return nil, err
	}

	br := e.breakers.Get(acct.ID)
	wantStream := strings.Contains(r.Header.Get("Accept"), "text/event-stream") ||
		bytes.Contains(body, []byte(`"stream":true`)) || bytes.Contains(body, []byte(`"stream": true`))

	refreshed := false
	var lastErr error

	for attempt := 0; attempt <= e.relayCfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.backoff(attempt)):
			}
		}

		resp, err := e.dial(ctx, r, acct, token, baseURL+path, body, wantStream)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			br.RecordFailure()
			lastErr = err
			e.log.Warn("upstream dial failed",
				zap.String("account_id", acct.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			br.RecordFailure()
			if refreshed {
				return nil, ErrUpstreamUnauthorized
			}
			// 缓存的 token 失效：强制刷新一次后重试（此时尚未写出任何字节）
			refreshed = true
			token, err = e.oauth.ForceRefresh(ctx, acct.ID)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUpstreamUnauthorized, err)
			}
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			cooldown := retryAfter
			if cooldown < time.Minute {
				cooldown = time.Minute
			}
			_ = e.repo.SetState(ctx, acct.ID, domain.AccountStateRateLimited,
				e.now().Add(cooldown), "upstream 429")
			e.log.Warn("upstream rate limited",
				zap.String("account_id", acct.ID),
				zap.Duration("cooldown", cooldown),
			)
			return &Result{
				StatusCode:  http.StatusTooManyRequests,
				RateLimited: true,
				RetryAfter:  retryAfter,
			}, nil

		case resp.StatusCode >= 500:
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			br.RecordFailure()
			lastErr = fmt.Errorf("upstream status %d", resp.StatusCode)
			continue
		}

		br.RecordSuccess()
		return e.pipe(ctx, w, resp, wantStream)
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamExhausted, lastErr)
	}
	return nil, ErrUpstreamExhausted
}

// dial 发出一次上游请求
func (e *Engine) dial(ctx context.Context, r *http.Request, acct *domain.UpstreamAccount, token, url string, body []byte, stream bool) (*http.Response, error) {
	timeout := e.relayCfg.RequestTimeout
	if stream {
		timeout = e.relayCfg.StreamTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(reqCtx, r.Method, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	e.rewriteHeaders(req.Header, r.Header, acct, token)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	proxyCfg := acct.Proxy
	if !proxyCfg.Enabled() && e.relayCfg.DefaultProxy != "" {
		if proxyCfg, err = proxyutil.ParseProxyURL(e.relayCfg.DefaultProxy); err != nil {
			cancel()
			return nil, err
		}
	}

	client, err := proxyutil.NewClient(proxyCfg, proxyutil.Options{
		MaxConnsPerHost: e.relayCfg.MaxConnections,
		ResponseTimeout: e.relayCfg.RequestTimeout,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	// cancel 绑定到响应体生命周期
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// pipe 把上游响应搬运给客户端
func (e *Engine) pipe(ctx context.Context, w http.ResponseWriter, resp *http.Response, wantStream bool) (*Result, error) {
	defer resp.Body.Close()

	isStream := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
	if isStream {
		return e.pipeStream(ctx, w, resp)
	}
	return e.pipeBuffered(w, resp)
}

// pipeBuffered 非流式：整读、提取 usage、原样透传
func (e *Engine) pipeBuffered(w http.ResponseWriter, resp *http.Response) (*Result, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream body: %w", err)
	}

	usage, model := extractJSONUsage(body)

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, _ := w.Write(body)

	return &Result{
		StatusCode: resp.StatusCode,
		Usage:      usage,
		Model:      model,
		BytesSent:  int64(n),
	}, nil
}

// pipeStream 流式：逐行透传并解析 SSE，客户端断连时带部分用量返回
func (e *Engine) pipeStream(ctx context.Context, w http.ResponseWriter, resp *http.Response) (*Result, error) {
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	collector := NewUsageCollector()
	reader := bufio.NewReader(resp.Body)

	result := &Result{StatusCode: resp.StatusCode, Streamed: true}

	// 空闲读超时看门狗：超过 IdleReadTimeout 没有任何字节到达就中止上游读
	idle := time.AfterFunc(e.relayCfg.IdleReadTimeout, func() { resp.Body.Close() })
	defer idle.Stop()

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			idle.Reset(e.relayCfg.IdleReadTimeout)
			collector.FeedLine(line)
			n, werr := w.Write(line)
			result.BytesSent += int64(n)
			if werr != nil {
				// 客户端断开：中止上游读，带着已知用量返回
				result.ClientDisconnect = true
				break
			}
			if flusher != nil && len(bytes.TrimSpace(line)) == 0 {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				if ctx.Err() != nil {
					result.ClientDisconnect = true
				} else {
					e.log.Debug("upstream stream ended with error", zap.Error(err))
				}
			}
			break
		}
		if ctx.Err() != nil {
			result.ClientDisconnect = true
			break
		}
	}

	if flusher != nil {
		flusher.Flush()
	}

	result.Usage = collector.Usage()
	result.Model = collector.Model()
	result.StreamComplete = collector.Complete()
	return result, nil
}

// copyResponseHeaders 透传上游响应头（剥离逐跳头）
func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		skip := false
		for _, hop := range hopHeaders {
			if strings.EqualFold(k, hop) {
				skip = true
				break
			}
		}
		if skip || strings.EqualFold(k, "Content-Length") {
			continue
		}
		dst[k] = append([]string(nil), vv...)
	}
}

// backoff 指数退避 + 抖动
func (e *Engine) backoff(attempt int) time.Duration {
	base := e.relayCfg.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}
	delay := base * time.Duration(1<<(attempt-1))
	jitter := 0.5 + rand.Float64()/2
	return time.Duration(float64(delay) * jitter)
}

// parseRetryAfter 解析 Retry-After 头（秒数形式）
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
