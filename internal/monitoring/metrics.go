package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 转发指标
	RelayRequestsTotal *prometheus.CounterVec
	RelayDuration      *prometheus.HistogramVec
	RelayTokensTotal   *prometheus.CounterVec
	RelayCostTotal     *prometheus.CounterVec
	StreamDisconnects  prometheus.Counter

	// 调度指标
	SchedulerPicksTotal   *prometheus.CounterVec
	NoAccountAvailable    prometheus.Counter
	AccountInflight       *prometheus.GaugeVec
	BreakerOpenAccounts   prometheus.Gauge

	// OAuth 指标
	TokenRefreshTotal *prometheus.CounterVec

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec

	// 系统指标
	StoreDegraded prometheus.Gauge
	PanicsTotal   prometheus.Counter
}

// NewMetrics 创建并注册监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crs_http_requests_total",
			Help: "Total HTTP requests by endpoint, method and status",
		}, []string{"endpoint", "method", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crs_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		RelayRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crs_relay_requests_total",
			Help: "Relayed upstream requests by provider and status",
		}, []string{"provider", "status"}),
		RelayDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crs_relay_duration_seconds",
			Help:    "Upstream relay latency",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"provider"}),
		RelayTokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crs_relay_tokens_total",
			Help: "Relayed tokens by model and kind",
		}, []string{"model", "kind"}),
		RelayCostTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crs_relay_cost_dollars_total",
			Help: "Accumulated cost by model",
		}, []string{"model"}),
		StreamDisconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crs_stream_client_disconnects_total",
			Help: "Streams aborted by client disconnect",
		}),

		SchedulerPicksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crs_scheduler_picks_total",
			Help: "Scheduler selections by source",
		}, []string{"source"}),
		NoAccountAvailable: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crs_scheduler_no_account_total",
			Help: "Requests rejected because no account was available",
		}),
		AccountInflight: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crs_account_inflight",
			Help: "In-flight requests per account",
		}, []string{"account_id"}),
		BreakerOpenAccounts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crs_breaker_open_accounts",
			Help: "Accounts with an open circuit breaker",
		}),

		TokenRefreshTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crs_token_refresh_total",
			Help: "OAuth token refreshes by outcome",
		}, []string{"outcome"}),

		RateLimitBlocks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "crs_rate_limit_blocks_total",
			Help: "Requests blocked by rate limiting, by reason",
		}, []string{"reason"}),

		StoreDegraded: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "crs_store_degraded",
			Help: "1 when the primary KV store is unreachable",
		}),
		PanicsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "crs_panics_total",
			Help: "Recovered panics",
		}),
	}
}

// Handler 返回 /metrics 的 HTTP 处理器（文本抓取格式）
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
