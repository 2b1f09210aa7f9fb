package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 管理面统一响应结构
type Response struct {
	Code int         `json:"code"`           // 业务状态码
	Msg  string      `json:"msg"`            // 提示信息
	Data interface{} `json:"data,omitempty"` // 数据载荷
}

// Success 成功响应（200）
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Code: http.StatusOK, Msg: "ok", Data: data})
}

// Created 创建成功响应（201）
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Code: http.StatusCreated, Msg: "created", Data: data})
}

// Fail 失败响应
func Fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Response{Code: status, Msg: msg})
}

// relayError 数据面错误响应（对齐对外错误种类命名）
func relayError(c *gin.Context, status int, kind string) {
	c.JSON(status, gin.H{"error": kind})
}
