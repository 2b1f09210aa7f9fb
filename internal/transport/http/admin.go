package httptransport

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/daymade/claude-relay-service/internal/account"
	"github.com/daymade/claude-relay-service/internal/apikey"
	"github.com/daymade/claude-relay-service/internal/domain"
)

// ========== 登录 ==========

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// handleAdminLogin 管理员登录，签发 JWT
func (h *Handler) handleAdminLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Username != h.adminUser ||
		bcrypt.CompareHashAndPassword([]byte(h.adminPassHash), []byte(req.Password)) != nil {
		Fail(c, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.jwt.Generate(req.Username)
	if err != nil {
		Fail(c, http.StatusInternalServerError, "failed to sign token")
		return
	}
	Success(c, gin.H{"token": token})
}

// ========== API Key 管理 ==========

type createKeyRequest struct {
	DisplayName      string          `json:"display_name" binding:"required"`
	OwnerRef         string          `json:"owner_ref"`
	Prefix           string          `json:"prefix"`
	Quota            domain.KeyQuota `json:"quota"`
	DailyCostLimit   *float64        `json:"daily_cost_limit"`
	CreditBalance    float64         `json:"credit_balance"`
	AllowedModels    []string        `json:"allowed_models"`
	DedicatedAccount string          `json:"dedicated_account"`
	AccountGroup     string          `json:"account_group"`
	ExpiresInHours   int             `json:"expires_in_hours"`
}

func (h *Handler) handleCreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	dailyLimit := -1.0
	if req.DailyCostLimit != nil {
		dailyLimit = *req.DailyCostLimit
	}
	result, err := h.keys.Issue(c.Request.Context(), apikey.IssueInput{
		DisplayName:      req.DisplayName,
		OwnerRef:         req.OwnerRef,
		Prefix:           req.Prefix,
		Quota:            req.Quota,
		DailyCostLimit:   dailyLimit,
		CreditBalance:    req.CreditBalance,
		AllowedModels:    req.AllowedModels,
		DedicatedAccount: req.DedicatedAccount,
		AccountGroup:     req.AccountGroup,
		ExpiresIn:        time.Duration(req.ExpiresInHours) * time.Hour,
	})
	if err != nil {
		if errors.Is(err, apikey.ErrInvalidQuota) {
			Fail(c, http.StatusBadRequest, "quota values must not be negative")
			return
		}
		Fail(c, http.StatusInternalServerError, "failed to issue key")
		return
	}

	// 明文只在这一次响应里出现
	Created(c, gin.H{"key": result.Key, "plaintext": result.Plaintext})
}

func (h *Handler) handleListKeys(c *gin.Context) {
	keys, err := h.keys.List(c.Request.Context())
	if err != nil {
		Fail(c, http.StatusInternalServerError, "failed to list keys")
		return
	}
	Success(c, keys)
}

func (h *Handler) handleGetKey(c *gin.Context) {
	key, err := h.keys.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, http.StatusNotFound, "key not found")
		return
	}
	Success(c, key)
}

func (h *Handler) handleRevokeKey(c *gin.Context) {
	if err := h.keys.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		Fail(c, http.StatusNotFound, "key not found")
		return
	}
	Success(c, nil)
}

type setKeyStateRequest struct {
	State domain.APIKeyState `json:"state" binding:"required"`
}

func (h *Handler) handleSetKeyState(c *gin.Context) {
	var req setKeyStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.keys.SetState(c.Request.Context(), c.Param("id"), req.State); err != nil {
		Fail(c, http.StatusNotFound, "key not found")
		return
	}
	Success(c, nil)
}

// ========== 上游账户管理 ==========

type createAccountRequest struct {
	Name          string              `json:"name" binding:"required"`
	Provider      domain.Provider     `json:"provider" binding:"required"`
	AccessToken   string              `json:"access_token" binding:"required"`
	RefreshToken  string              `json:"refresh_token"`
	ExpiresAt     time.Time           `json:"expires_at"`
	Proxy         *domain.ProxyConfig `json:"proxy"`
	Priority      int                 `json:"priority"`
	GroupID       string              `json:"group_id"`
	MaxConcurrent int64               `json:"max_concurrent"`
}

func (h *Handler) handleCreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, "invalid request body")
		return
	}

	acct, err := h.accounts.Create(c.Request.Context(), account.CreateInput{
		Name:     req.Name,
		Provider: req.Provider,
		Envelope: domain.OAuthEnvelope{
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresAt:    req.ExpiresAt,
		},
		Proxy:         req.Proxy,
		Priority:      req.Priority,
		GroupID:       req.GroupID,
		MaxConcurrent: req.MaxConcurrent,
	})
	if err != nil {
		Fail(c, http.StatusInternalServerError, "failed to create account")
		return
	}
	Created(c, acct)
}

func (h *Handler) handleListAccounts(c *gin.Context) {
	accounts, err := h.accounts.List(c.Request.Context())
	if err != nil {
		Fail(c, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	Success(c, accounts)
}

func (h *Handler) handleGetAccount(c *gin.Context) {
	acct, err := h.accounts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, http.StatusNotFound, "account not found")
		return
	}
	Success(c, acct)
}

type setAccountStateRequest struct {
	State         domain.AccountState `json:"state" binding:"required"`
	CooldownUntil time.Time           `json:"cooldown_until"`
}

func (h *Handler) handleSetAccountState(c *gin.Context) {
	var req setAccountStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.accounts.SetState(c.Request.Context(), c.Param("id"), req.State, req.CooldownUntil, "set by admin"); err != nil {
		Fail(c, http.StatusNotFound, "account not found")
		return
	}
	Success(c, nil)
}

func (h *Handler) handleDeleteAccount(c *gin.Context) {
	if err := h.accounts.Delete(c.Request.Context(), c.Param("id")); err != nil {
		Fail(c, http.StatusNotFound, "account not found")
		return
	}
	Success(c, nil)
}

// ========== 分组管理 ==========

func (h *Handler) handleSaveGroup(c *gin.Context) {
	var group domain.AccountGroup
	if err := c.ShouldBindJSON(&group); err != nil {
		Fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.accounts.SaveGroup(c.Request.Context(), &group); err != nil {
		Fail(c, http.StatusInternalServerError, "failed to save group")
		return
	}
	Created(c, group)
}

func (h *Handler) handleListGroups(c *gin.Context) {
	groups, err := h.accounts.ListGroups(c.Request.Context())
	if err != nil {
		Fail(c, http.StatusInternalServerError, "failed to list groups")
		return
	}
	Success(c, groups)
}

func (h *Handler) handleDeleteGroup(c *gin.Context) {
	if err := h.accounts.DeleteGroup(c.Request.Context(), c.Param("id")); err != nil {
		Fail(c, http.StatusNotFound, "group not found")
		return
	}
	Success(c, nil)
}

// handleUsageFeed 实时用量事件的 WebSocket 订阅
func (h *Handler) handleUsageFeed(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}
