package httptransport

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attachsync/backend/internal/domain"
)

// AttachmentHandler 附件接口处理器
type AttachmentHandler struct {
	attachments AttachmentService
	logger      *zap.Logger
}

// NewAttachmentHandler 创建附件处理器
func NewAttachmentHandler(attachments AttachmentService, logger *zap.Logger) *AttachmentHandler {
	return &AttachmentHandler{attachments: attachments, logger: logger}
}

func refFromPath(c *gin.Context) domain.Ref {
	return domain.Ref{
		RecordType: c.Param("type"),
		RecordID:   c.Param("id"),
		Name:       c.Param("name"),
	}
}

// upload 接收 multipart 表单的 file 字段
func (h *AttachmentHandler) upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(c, http.StatusRequestEntityTooLarge, MsgFileTooLarge)
			return
		}
		BadRequest(c, MsgFileRequired)
		return
	}

	data, err := readFormFile(header)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(c, http.StatusRequestEntityTooLarge, MsgFileTooLarge)
			return
		}
		BadRequest(c, MsgInvalidUpload)
		return
	}

	upload := &domain.Upload{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	if upload.ContentType == "application/octet-stream" {
		// 让引擎按内容识别
		upload.ContentType = ""
	}

	status, err := h.attachments.Upload(c.Request.Context(), refFromPath(c), upload)
	if err != nil {
		respondError(c, err)
		return
	}
	if status.AllSynced {
		Success(c, status)
		return
	}
	Accepted(c, MsgUploadAccepted, status)
}

func readFormFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// status 返回附件状态
func (h *AttachmentHandler) status(c *gin.Context) {
	status, err := h.attachments.Get(c.Request.Context(), refFromPath(c))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, status)
}

// content 返回样式内容，不使用统一响应格式
func (h *AttachmentHandler) content(c *gin.Context) {
	content, err := h.attachments.Content(c.Request.Context(), refFromPath(c), c.Query("style"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", content.FileName))
	c.Header("Content-Length", strconv.Itoa(len(content.Data)))
	c.Data(http.StatusOK, content.ContentType, content.Data)
}

// url 返回公开地址
func (h *AttachmentHandler) url(c *gin.Context) {
	versioned, _ := strconv.ParseBool(c.DefaultQuery("versioned", "false"))
	url, err := h.attachments.URL(c.Request.Context(), refFromPath(c), c.Query("style"), versioned)
	if err != nil {
		respondError(c, err)
		return
	}
	if redirect, _ := strconv.ParseBool(c.Query("redirect")); redirect {
		c.Redirect(http.StatusFound, url)
		return
	}
	Success(c, gin.H{"url": url})
}

// delete 删除附件
func (h *AttachmentHandler) delete(c *gin.Context) {
	ref := refFromPath(c)
	if err := h.attachments.Delete(c.Request.Context(), ref); err != nil {
		respondError(c, err)
		return
	}
	NoContent(c)
}

// reprocess 重新生成样式
func (h *AttachmentHandler) reprocess(c *gin.Context) {
	status, err := h.attachments.Reprocess(c.Request.Context(), refFromPath(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if status.AllSynced {
		Success(c, status)
		return
	}
	Accepted(c, MsgUploadAccepted, status)
}

// sync 立即同步到指定存储
func (h *AttachmentHandler) sync(c *gin.Context) {
	store := domain.StoreID(c.Param("store"))
	status, err := h.attachments.Sync(c.Request.Context(), refFromPath(c), store)
	if err != nil {
		h.logger.Warn("Manual sync failed",
			zap.String("ref", refFromPath(c).String()),
			zap.String("store", string(store)),
			zap.Error(err),
		)
		respondError(c, err)
		return
	}
	Success(c, status)
}
