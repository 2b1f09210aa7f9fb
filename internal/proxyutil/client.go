package proxyutil

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/daymade/claude-relay-service/internal/domain"
)

// Options 出站连接参数
type Options struct {
	Timeout         time.Duration // 整体请求超时，0 表示不限制（流式场景用 context 控制）
	MaxConnsPerHost int
	ResponseTimeout time.Duration // 等待响应头的超时
}

// NewClient 构造遵循账户出站代理配置的 HTTP 客户端
//
// http/https 代理走标准 CONNECT；socks5 通过 x/net/proxy 拨号。
// proxy 为 nil 或未启用时直连。
func NewClient(proxyCfg *domain.ProxyConfig, opts Options) (*http.Client, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: opts.ResponseTimeout,
	}

	if proxyCfg.Enabled() {
		switch proxyCfg.Scheme {
		case "http", "https":
			proxyURL := &url.URL{
				Scheme: proxyCfg.Scheme,
				Host:   fmt.Sprintf("%s:%d", proxyCfg.Host, proxyCfg.Port),
			}
			if proxyCfg.Username != "" {
				proxyURL.User = url.UserPassword(proxyCfg.Username, proxyCfg.Password)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		case "socks5":
			var auth *xproxy.Auth
			if proxyCfg.Username != "" {
				auth = &xproxy.Auth{User: proxyCfg.Username, Password: proxyCfg.Password}
			}
			dialer, err := xproxy.SOCKS5("tcp",
				fmt.Sprintf("%s:%d", proxyCfg.Host, proxyCfg.Port), auth, xproxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("failed to build socks5 dialer: %w", err)
			}
			if ctxDialer, ok := dialer.(xproxy.ContextDialer); ok {
				transport.DialContext = ctxDialer.DialContext
			}
		default:
			return nil, fmt.Errorf("unsupported proxy scheme: %s", proxyCfg.Scheme)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}, nil
}

// ParseProxyURL 解析 "scheme://[user:pass@]host:port" 形式的代理地址
func ParseProxyURL(raw string) (*domain.ProxyConfig, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	port := 0
	if p := u.Port(); p != "" {
		fmt.Sscanf(p, "%d", &port)
	}
	cfg := &domain.ProxyConfig{
		Scheme: u.Scheme,
		Host:   u.Hostname(),
		Port:   port,
	}
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	return cfg, nil
}
