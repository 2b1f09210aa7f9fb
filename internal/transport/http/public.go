package httptransport

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/daymade/claude-relay-service/internal/middleware"
)

// claudeModels 对外公布的模型目录（按 Key 的允许列表过滤）
var claudeModels = []string{
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
	"claude-3-opus-20240229",
}

// handleModels 返回该 Key 允许使用的模型列表
func (h *Handler) handleModels(c *gin.Context) {
	key, ok := middleware.KeyFromContext(c)
	if !ok {
		relayError(c, http.StatusUnauthorized, "AuthMissing")
		return
	}

	allowed := make([]gin.H, 0, len(claudeModels))
	for _, model := range claudeModels {
		if key.ModelAllowed(model) {
			allowed = append(allowed, gin.H{
				"id":     model,
				"object": "model",
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": allowed})
}

// handleKeyInfo 返回 Key 的配额、当日用量与过期信息
func (h *Handler) handleKeyInfo(c *gin.Context) {
	key, ok := middleware.KeyFromContext(c)
	if !ok {
		relayError(c, http.StatusUnauthorized, "AuthMissing")
		return
	}

	spent, err := h.limiter.DailyCost(c.Request.Context(), key.ID, time.Now())
	if err != nil {
		relayError(c, http.StatusInternalServerError, "InternalError")
		return
	}
	balance, _ := h.limiter.Credits(c.Request.Context(), key.ID)

	info := gin.H{
		"id":               key.ID,
		"display_name":     key.DisplayName,
		"state":            key.State,
		"quota":            key.Quota,
		"daily_cost_limit": key.DailyCostLimit,
		"daily_cost_used":  spent,
		"credit_balance":   balance,
		"overdrawn":        key.Overdrawn,
		"allowed_models":   key.AllowedModels,
		"created_at":       key.CreatedAt,
	}
	if !key.ExpiresAt.IsZero() {
		info["expires_at"] = key.ExpiresAt
	}
	c.JSON(http.StatusOK, info)
}

// handleUsage 返回日/月聚合
func (h *Handler) handleUsage(c *gin.Context) {
	key, ok := middleware.KeyFromContext(c)
	if !ok {
		relayError(c, http.StatusUnauthorized, "AuthMissing")
		return
	}

	days := 1
	if c.Query("period") == "month" {
		days = 30
	}
	rollups, err := h.usage.RangeRollups(c.Request.Context(), key.ID, days, time.Now())
	if err != nil {
		relayError(c, http.StatusInternalServerError, "InternalError")
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": rollups})
}

// handleHealth 聚合健康状态
func (h *Handler) handleHealth(c *gin.Context) {
	results := h.health.Check(c.Request.Context())
	status := http.StatusOK
	if results["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, results)
}
