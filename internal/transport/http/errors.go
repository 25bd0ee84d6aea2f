package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"attachsync/backend/internal/domain"
	"attachsync/backend/internal/service"
	"attachsync/backend/internal/storage"
)

// 错误映射表（业务错误 -> HTTP 状态码 + 中文消息），按顺序匹配
var errorMappings = []struct {
	err    error
	status int
	msg    string
}{
	{service.ErrUnknownAttachment, http.StatusNotFound, MsgUnknownAttachment},
	{domain.ErrRecordNotFound, http.StatusNotFound, MsgRecordNotFound},
	{service.ErrNoFile, http.StatusNotFound, MsgNoFile},
	{storage.ErrNotFound, http.StatusNotFound, MsgFileNotFound},
	{domain.ErrInvalidUpload, http.StatusBadRequest, MsgInvalidUpload},
	{domain.ErrNotSynced, http.StatusConflict, MsgNotSynced},
	{domain.ErrMissingFiles, http.StatusConflict, MsgMissingFiles},
	{domain.ErrConfiguration, http.StatusUnprocessableEntity, MsgConfiguration},
}

// 通用错误消息
const (
	MsgInvalidRequest    = "请求参数格式错误"
	MsgFileRequired      = "缺少上传文件字段 file"
	MsgFileTooLarge      = "上传文件超过大小限制"
	MsgUnknownAttachment = "附件类型未声明"
	MsgRecordNotFound    = "附件记录不存在"
	MsgNoFile            = "附件没有文件"
	MsgFileNotFound      = "文件不存在"
	MsgInvalidUpload     = "上传内容无效"
	MsgNotSynced         = "附件尚未同步到所有存储"
	MsgMissingFiles      = "暂存文件缺失，无法同步"
	MsgConfiguration     = "附件或存储配置错误"
	MsgUploadAccepted    = "文件已暂存，正在同步"
	MsgDeleted           = "附件已删除"
	MsgInternalError     = "服务器内部错误，请稍后重试"
)

// GetErrorStatus 返回错误对应的状态码和中文消息
func GetErrorStatus(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.msg
		}
	}
	if storage.IsNotFound(err) {
		return http.StatusNotFound, MsgFileNotFound
	}
	return http.StatusInternalServerError, MsgInternalError
}

// respondError 写入错误响应，服务端错误附加到 gin 上下文供日志记录
func respondError(c *gin.Context, err error) {
	status, msg := GetErrorStatus(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	Error(c, status, msg)
}
