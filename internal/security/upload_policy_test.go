package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attachsync/backend/internal/domain"
)

func TestUploadPolicy_Check(t *testing.T) {
	policy, err := NewUploadPolicy(UploadRules{
		AllowedContentTypes: []string{"image/*", "application/pdf"},
		MaxFileSize:         8,
	})
	require.NoError(t, err)

	tests := []struct {
		name        string
		fileName    string
		contentType string
		data        string
		wantErr     bool
	}{
		{"通配类型", "a.png", "image/png", "png", false},
		{"精确类型带参数", "a.pdf", "application/pdf; charset=binary", "pdf", false},
		{"类型不允许", "a.txt", "text/plain", "txt", true},
		{"类型无法解析", "a.png", "image/", "png", true},
		{"超过大小限制", "a.png", "image/png", "123456789", true},
		{"危险扩展名", "a.exe", "image/png", "png", true},
		{"可执行内容", "a.png", "image/png", "MZ\x90\x00", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := policy.Check(tt.fileName, tt.contentType, []byte(tt.data))
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidUpload)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUploadPolicy_Defaults(t *testing.T) {
	t.Run("空规则只拦截可执行文件", func(t *testing.T) {
		policy, err := NewUploadPolicy(UploadRules{})
		require.NoError(t, err)
		assert.NoError(t, policy.Check("a.txt", "", []byte("qwe")))
		assert.ErrorIs(t, policy.Check("run.bat", "text/plain", []byte("qwe")), domain.ErrInvalidUpload)
	})

	t.Run("允许可执行文件", func(t *testing.T) {
		policy, err := NewUploadPolicy(UploadRules{AllowExecutables: true})
		require.NoError(t, err)
		assert.NoError(t, policy.Check("tool.exe", "application/octet-stream", []byte("MZ")))
	})

	t.Run("nil 检查器不限制", func(t *testing.T) {
		var policy *UploadPolicy
		assert.NoError(t, policy.Check("tool.exe", "", nil))
	})

	t.Run("非法类型模式", func(t *testing.T) {
		_, err := NewUploadPolicy(UploadRules{AllowedContentTypes: []string{"images"}})
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})
}
