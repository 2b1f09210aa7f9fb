package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/daymade/claude-relay-service/internal/account"
	"github.com/daymade/claude-relay-service/internal/apikey"
	jwtpkg "github.com/daymade/claude-relay-service/internal/auth/jwt"
	"github.com/daymade/claude-relay-service/internal/config"
	"github.com/daymade/claude-relay-service/internal/middleware"
	"github.com/daymade/claude-relay-service/internal/monitoring"
	"github.com/daymade/claude-relay-service/internal/ratelimit"
	"github.com/daymade/claude-relay-service/internal/relay"
	"github.com/daymade/claude-relay-service/internal/scheduler"
	"github.com/daymade/claude-relay-service/internal/usage"
	"github.com/daymade/claude-relay-service/internal/websocket"
)

// Handler 聚合所有 HTTP 处理逻辑
type Handler struct {
	keys      *apikey.Service
	accounts  *account.Repository
	scheduler *scheduler.Scheduler
	engine    *relay.Engine
	limiter   *ratelimit.Limiter
	usage     *usage.Recorder
	metrics   *monitoring.Metrics
	health    *monitoring.HealthChecker
	hub       *websocket.Hub
	jwt       *jwtpkg.Manager
	log       *zap.Logger

	adminUser     string
	adminPassHash string
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config        *config.Config
	Keys          *apikey.Service
	Accounts      *account.Repository
	Scheduler     *scheduler.Scheduler
	Engine        *relay.Engine
	Limiter       *ratelimit.Limiter
	Usage         *usage.Recorder
	Metrics       *monitoring.Metrics
	HealthChecker *monitoring.HealthChecker
	Hub           *websocket.Hub
	JWTManager    *jwtpkg.Manager
	Logger        *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例
func NewRouter(deps RouterDependencies) *gin.Engine {
	handler := &Handler{
		keys:          deps.Keys,
		accounts:      deps.Accounts,
		scheduler:     deps.Scheduler,
		engine:        deps.Engine,
		limiter:       deps.Limiter,
		usage:         deps.Usage,
		metrics:       deps.Metrics,
		health:        deps.HealthChecker,
		hub:           deps.Hub,
		jwt:           deps.JWTManager,
		log:           deps.Logger,
		adminUser:     deps.Config.Security.AdminUsername,
		adminPassHash: deps.Config.Security.AdminPasswordHash,
	}

	router := gin.New()
	router.Use(middleware.RecoveryHandler(deps.Logger, deps.Metrics))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Monitoring(deps.Metrics))
	router.Use(middleware.BodySizeLimit(deps.Config.Relay.MaxBodySize))

	corsConfig := gincors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "x-api-key", "anthropic-version", "anthropic-beta"},
		ExposeHeaders:    []string{"x-relay-account-id", "x-relay-session", "Retry-After"},
		MaxAge: 12 * time.Hour,
	}
	if len(deps.Config.CORS.AllowedOrigins) == 1 && deps.Config.CORS.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = deps.Config.CORS.AllowedOrigins
	}
	router.Use(gincors.New(corsConfig))

	keyAuth := middleware.NewAPIKeyAuth(deps.Keys)
	adminAuth := middleware.NewAdminAuth(deps.JWTManager)

	// 探针与指标（免认证）
	router.GET("/health", handler.handleHealth)
	router.GET("/liveness", gin.WrapF(deps.HealthChecker.LiveHandler()))
	router.GET("/readiness", gin.WrapF(deps.HealthChecker.ReadyHandler()))
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	// 数据面
	api := router.Group("/api/v1", keyAuth.Require())
	{
		api.POST("/messages", handler.handleMessages)
		api.GET("/models", handler.handleModels)
		api.GET("/key-info", handler.handleKeyInfo)
		api.GET("/usage", handler.handleUsage)
	}

	// 原生 Anthropic 路径别名
	claude := router.Group("/claude/v1", keyAuth.Require())
	{
		claude.POST("/messages", handler.handleMessages)
	}

	// OpenAI 兼容信封
	openai := router.Group("/openai/claude/v1", keyAuth.Require())
	{
		openai.POST("/messages", handler.handleOpenAIMessages)
	}

	// Gemini 透传
	gemini := router.Group("/gemini", keyAuth.Require())
	{
		gemini.POST("/v1beta/*path", handler.handleGemini)
	}

	// 管理面
	admin := router.Group("/admin")
	{
		admin.POST("/login", handler.handleAdminLogin)

		authed := admin.Group("", adminAuth.Require())
		{
			authed.POST("/keys", handler.handleCreateKey)
			authed.GET("/keys", handler.handleListKeys)
			authed.GET("/keys/:id", handler.handleGetKey)
			authed.PUT("/keys/:id/state", handler.handleSetKeyState)
			authed.DELETE("/keys/:id", handler.handleRevokeKey)

			authed.POST("/accounts", handler.handleCreateAccount)
			authed.GET("/accounts", handler.handleListAccounts)
			authed.GET("/accounts/:id", handler.handleGetAccount)
			authed.PUT("/accounts/:id/state", handler.handleSetAccountState)
			authed.DELETE("/accounts/:id", handler.handleDeleteAccount)

			authed.POST("/groups", handler.handleSaveGroup)
			authed.GET("/groups", handler.handleListGroups)
			authed.DELETE("/groups/:id", handler.handleDeleteGroup)

			authed.GET("/ws/usage", handler.handleUsageFeed)
		}
	}

	return router
}
