package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"attachsync/backend/internal/middleware"
)

// Response 统一响应结构
//
// Code 与 HTTP 状态码一致，RequestID 便于和服务端日志对照
type Response struct {
	Code      int         `json:"code"`
	Msg       string      `json:"msg"`
	Data      interface{} `json:"data,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

func respond(c *gin.Context, status int, msg string, data interface{}) {
	c.JSON(status, Response{
		Code:      status,
		Msg:       msg,
		Data:      data,
		RequestID: c.GetString(middleware.RequestIDKey),
	})
}

// Success 成功响应（200）
func Success(c *gin.Context, data interface{}) {
	respond(c, http.StatusOK, "成功", data)
}

// Accepted 已接受（202），文件已暂存，传播在后台进行
func Accepted(c *gin.Context, msg string, data interface{}) {
	respond(c, http.StatusAccepted, msg, data)
}

// NoContent 无内容响应（204）
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest 请求参数错误（400）
func BadRequest(c *gin.Context, msg string) {
	respond(c, http.StatusBadRequest, msg, nil)
}

// Error 错误响应，不携带数据
func Error(c *gin.Context, status int, msg string) {
	respond(c, status, msg, nil)
}
