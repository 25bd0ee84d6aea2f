package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// multipartOverhead multipart 表单边界和字段头的余量
const multipartOverhead = 1 << 20

// BodySizeLimit 拒绝声明长度超限的请求，并限制实际读取的字节数
//
// 未声明长度（分块传输）的请求由 MaxBytesReader 在读取时截断
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	limit := strconv.FormatInt(maxBytes, 10)
	return func(c *gin.Context) {
		c.Header("X-Max-Body-Size", limit)
		if c.Request.ContentLength > maxBytes {
			abortTooLarge(c, maxBytes)
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// UploadSizeLimit 上传接口的限制，在文件上限基础上加 multipart 余量
func UploadSizeLimit(maxFileBytes int64) gin.HandlerFunc {
	return BodySizeLimit(maxFileBytes + multipartOverhead)
}

func abortTooLarge(c *gin.Context, maxBytes int64) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
		"error": gin.H{
			"code":    "payload_too_large",
			"message": fmt.Sprintf("request body exceeds %d bytes", maxBytes),
		},
	})
}
