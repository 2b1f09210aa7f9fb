package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/daymade/claude-relay-service/internal/apikey"
	jwtpkg "github.com/daymade/claude-relay-service/internal/auth/jwt"
	"github.com/daymade/claude-relay-service/internal/domain"
)

// ContextKeyAPIKey gin 上下文里已校验 Key 的存放键
const ContextKeyAPIKey = "relay_api_key"

// extractCredential 从 x-api-key 或 Authorization: Bearer 取出明文
func extractCredential(c *gin.Context) string {
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// APIKeyAuth 数据面认证中间件
//
// 客户端用 x-api-key（优先）或 Authorization: Bearer 携带自签发 Key。
type APIKeyAuth struct {
	service *apikey.Service
	// guard 入站令牌桶，抵御认证打穿（对未认证流量的全局闸门）
	guard *rate.Limiter
}

// NewAPIKeyAuth 创建认证中间件
func NewAPIKeyAuth(service *apikey.Service) *APIKeyAuth {
	return &APIKeyAuth{
		service: service,
		guard:   rate.NewLimiter(rate.Limit(500), 1000),
	}
}

// Require 要求合法的 API Key
func (m *APIKeyAuth) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		plaintext := extractCredential(c)
		if plaintext == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "AuthMissing"})
			return
		}

		if !m.guard.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "QuotaExceeded"})
			return
		}

		key, err := m.service.Validate(c.Request.Context(), plaintext)
		if err != nil {
			switch {
			case errors.Is(err, apikey.ErrKeyDisabled):
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "KeyDisabled"})
			case errors.Is(err, apikey.ErrKeyExpired):
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "KeyExpired"})
			default:
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "AuthInvalid"})
			}
			return
		}

		c.Set(ContextKeyAPIKey, key)
		c.Next()
	}
}

// KeyFromContext 取出已校验的 Key
func KeyFromContext(c *gin.Context) (*domain.APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*domain.APIKey)
	return key, ok
}

// AdminAuth 管理面 JWT 认证中间件
type AdminAuth struct {
	jwt *jwtpkg.Manager
}

// NewAdminAuth 创建管理面认证中间件
func NewAdminAuth(jwt *jwtpkg.Manager) *AdminAuth {
	return &AdminAuth{jwt: jwt}
}

// Require 要求合法的管理面令牌
func (m *AdminAuth) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing admin token"})
			return
		}

		claims, err := m.jwt.Verify(strings.TrimSpace(parts[1]))
		if err != nil {
			status := http.StatusUnauthorized
			msg := "invalid admin token"
			if errors.Is(err, jwtpkg.ErrTokenExpired) {
				msg = "admin token expired"
			}
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}

		c.Set("admin_username", claims.Username)
		c.Next()
	}
}
