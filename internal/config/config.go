package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 3000
}

// RedisConfig 定义 Redis 存储配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号
	Required bool   // true 时 Redis 连接失败直接启动失败；false 时降级到内存存储
}

// SecurityConfig 定义密钥与管理面认证配置
type SecurityConfig struct {
	EncryptionKey     string // 凭证信封加密密钥，至少 32 字节熵
	JWTSecret         string // 管理面 JWT 签名密钥，至少 32 字符
	AdminUsername     string // 管理员用户名
	AdminPasswordHash string // 管理员密码的 bcrypt 哈希
	JWTExpiry         time.Duration
}

// RelayConfig 定义转发引擎的超时与重试参数
type RelayConfig struct {
	RequestTimeout  time.Duration // 非流式请求总超时，默认 300s
	StreamTimeout   time.Duration // 流式请求总超时，默认 600s
	IdleReadTimeout time.Duration // 流式单次读取空闲超时，默认 60s
	MaxRetries      int           // 可重试失败的最大重试次数，默认 3
	RetryBaseDelay  time.Duration // 指数退避基数，默认 1s
	MaxBodySize     int64         // 请求体大小上限，默认 10MB
	MaxConnections  int           // 每次转发新建 Transport 的 MaxConnsPerHost，默认 1000；Transport 不跨请求复用，不构成进程级连接总数上限
	DefaultProxy    string        // 账户未配置代理时转发请求使用的默认出站代理 URL，可选；令牌刷新只走账户自身的代理
}

// ProviderConfig 定义各上游供应商的基础地址与协议头
type ProviderConfig struct {
	ClaudeBaseURL        string
	ClaudeConsoleBaseURL string
	GeminiBaseURL        string
	BedrockBaseURL       string
	AnthropicVersion     string // anthropic-version 头
	AnthropicBeta        string // anthropic-beta 头，可选
	ClaudeOAuthTokenURL  string // OAuth 刷新端点
	ClaudeOAuthClientID  string
	GeminiOAuthTokenURL  string
	GeminiOAuthClientID  string
}

// SchedulerConfig 定义调度与会话粘滞参数
type SchedulerConfig struct {
	SessionTTL      time.Duration // 粘滞会话有效期，默认 1h
	DefaultWindow   int           // Key 未指定时的滑动窗口秒数
	InflightGrace   time.Duration // 悬挂 inflight 条目的回收宽限
	CooldownDefault time.Duration // 读取 scheduler.cooldown_default；转发引擎的 429 冷却不使用此值，固定取 max(60s, Retry-After)
}

// UsageConfig 定义用量管道配置
type UsageConfig struct {
	QueueSize     int    // 事件队列长度
	Workers       int    // 消费协程数
	DrainTimeout  time.Duration
	PostgresDSN   string // 可选：下游分析用的 Postgres 落库
	RetentionDays int    // 原始事件保留天数
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 彩色控制台输出
	File        string // 日志文件路径，留空只输出 stdout
}

// Config 是系统核心配置的根结构体
type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Security  SecurityConfig
	Relay     RelayConfig
	Providers ProviderConfig
	Scheduler SchedulerConfig
	Usage     UsageConfig
	CORS      CORSConfig
	Log       LogConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 优先级（从高到低）：系统环境变量 > .env 文件 > 默认值。
// 环境变量前缀 CRS_，例如 CRS_SERVER_PORT、CRS_SECURITY_ENCRYPTION_KEY。
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("crs")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 3000)

	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.required", false)

	viper.SetDefault("security.encryption_key", "")
	viper.SetDefault("security.jwt_secret", "")
	viper.SetDefault("security.admin_username", "admin")
	viper.SetDefault("security.admin_password_hash", "")
	viper.SetDefault("security.jwt_expiry", "24h")

	viper.SetDefault("relay.request_timeout", "300s")
	viper.SetDefault("relay.stream_timeout", "600s")
	viper.SetDefault("relay.idle_read_timeout", "60s")
	viper.SetDefault("relay.max_retries", 3)
	viper.SetDefault("relay.retry_base_delay", "1s")
	viper.SetDefault("relay.max_body_size", 10*1024*1024)
	viper.SetDefault("relay.max_connections", 1000)
	viper.SetDefault("relay.default_proxy", "")

	viper.SetDefault("providers.claude_base_url", "https://api.anthropic.com")
	viper.SetDefault("providers.claude_console_base_url", "https://api.anthropic.com")
	viper.SetDefault("providers.gemini_base_url", "https://generativelanguage.googleapis.com")
	viper.SetDefault("providers.bedrock_base_url", "")
	viper.SetDefault("providers.anthropic_version", "2023-06-01")
	viper.SetDefault("providers.anthropic_beta", "")
	viper.SetDefault("providers.claude_oauth_token_url", "https://console.anthropic.com/v1/oauth/token")
	viper.SetDefault("providers.claude_oauth_client_id", "")
	viper.SetDefault("providers.gemini_oauth_token_url", "https://oauth2.googleapis.com/token")
	viper.SetDefault("providers.gemini_oauth_client_id", "")

	viper.SetDefault("scheduler.session_ttl", "1h")
	viper.SetDefault("scheduler.default_window", 60)
	viper.SetDefault("scheduler.inflight_grace", "30s")
	viper.SetDefault("scheduler.cooldown_default", "60s")

	viper.SetDefault("usage.queue_size", 4096)
	viper.SetDefault("usage.workers", 2)
	viper.SetDefault("usage.drain_timeout", "10s")
	viper.SetDefault("usage.postgres_dsn", "")
	viper.SetDefault("usage.retention_days", 30)

	viper.SetDefault("cors.allowed_origins", "*")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		Redis: RedisConfig{
			Address:  viper.GetString("redis.address"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
			Required: viper.GetBool("redis.required"),
		},
		Security: SecurityConfig{
			EncryptionKey:     viper.GetString("security.encryption_key"),
			JWTSecret:         viper.GetString("security.jwt_secret"),
			AdminUsername:     viper.GetString("security.admin_username"),
			AdminPasswordHash: viper.GetString("security.admin_password_hash"),
			JWTExpiry:         viper.GetDuration("security.jwt_expiry"),
		},
		Relay: RelayConfig{
			RequestTimeout:  viper.GetDuration("relay.request_timeout"),
			StreamTimeout:   viper.GetDuration("relay.stream_timeout"),
			IdleReadTimeout: viper.GetDuration("relay.idle_read_timeout"),
			MaxRetries:      viper.GetInt("relay.max_retries"),
			RetryBaseDelay:  viper.GetDuration("relay.retry_base_delay"),
			MaxBodySize:     viper.GetInt64("relay.max_body_size"),
			MaxConnections:  viper.GetInt("relay.max_connections"),
			DefaultProxy:    viper.GetString("relay.default_proxy"),
		},
		Providers: ProviderConfig{
			ClaudeBaseURL:        viper.GetString("providers.claude_base_url"),
			ClaudeConsoleBaseURL: viper.GetString("providers.claude_console_base_url"),
			GeminiBaseURL:        viper.GetString("providers.gemini_base_url"),
			BedrockBaseURL:       viper.GetString("providers.bedrock_base_url"),
			AnthropicVersion:     viper.GetString("providers.anthropic_version"),
			AnthropicBeta:        viper.GetString("providers.anthropic_beta"),
			ClaudeOAuthTokenURL:  viper.GetString("providers.claude_oauth_token_url"),
			ClaudeOAuthClientID:  viper.GetString("providers.claude_oauth_client_id"),
			GeminiOAuthTokenURL:  viper.GetString("providers.gemini_oauth_token_url"),
			GeminiOAuthClientID:  viper.GetString("providers.gemini_oauth_client_id"),
		},
		Scheduler: SchedulerConfig{
			SessionTTL:      viper.GetDuration("scheduler.session_ttl"),
			DefaultWindow:   viper.GetInt("scheduler.default_window"),
			InflightGrace:   viper.GetDuration("scheduler.inflight_grace"),
			CooldownDefault: viper.GetDuration("scheduler.cooldown_default"),
		},
		Usage: UsageConfig{
			QueueSize:     viper.GetInt("usage.queue_size"),
			Workers:       viper.GetInt("usage.workers"),
			DrainTimeout:  viper.GetDuration("usage.drain_timeout"),
			PostgresDSN:   viper.GetString("usage.postgres_dsn"),
			RetentionDays: viper.GetInt("usage.retention_days"),
		},
		CORS: CORSConfig{
			AllowedOrigins: parseList(viper.GetString("cors.allowed_origins")),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate 校验关键配置项
func (c *Config) validate() error {
	if len(c.Security.EncryptionKey) < 32 {
		return fmt.Errorf("security.encryption_key must be at least 32 bytes (got %d)", len(c.Security.EncryptionKey))
	}
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("security.jwt_secret must be at least 32 characters (got %d)", len(c.Security.JWTSecret))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Relay.MaxRetries < 0 {
		return fmt.Errorf("relay.max_retries must not be negative")
	}
	if c.Scheduler.DefaultWindow <= 0 {
		return fmt.Errorf("scheduler.default_window must be positive")
	}
	return nil
}

// loadEnvFile 尝试加载 .env 文件（可选，静默失败）
func loadEnvFile() {
	candidates := []string{".env"}
	if wd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(wd), ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}

// parseList 解析逗号分隔的字符串列表
func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
