package security

import (
	"bytes"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"attachsync/backend/internal/domain"
)

// UploadRules 附件上传校验规则
type UploadRules struct {
	AllowedContentTypes []string `mapstructure:"allowed_content_types"` // 支持 image/* 通配，空表示不限制
	MaxFileSize         int64    `mapstructure:"max_file_size"`         // 字节，<=0 表示不限制
	AllowExecutables    bool     `mapstructure:"allow_executables"`
}

// UploadPolicy 附件上传安全检查器
type UploadPolicy struct {
	exact               map[string]bool
	prefixes            []string
	maxFileSize         int64
	allowExecutables    bool
	dangerousExtensions map[string]bool
}

// 可执行文件魔数
var executableSignatures = [][]byte{
	{0x4D, 0x5A},             // PE executable
	{0x7F, 0x45, 0x4C, 0x46}, // ELF executable
	{0xFE, 0xED, 0xFA, 0xCE}, // Mach-O executable
	{0xCE, 0xFA, 0xED, 0xFE}, // Mach-O executable (reverse)
	{0xCF, 0xFA, 0xED, 0xFE}, // Mach-O 64-bit
}

// NewUploadPolicy 按规则创建检查器
func NewUploadPolicy(rules UploadRules) (*UploadPolicy, error) {
	p := &UploadPolicy{
		exact:            make(map[string]bool),
		maxFileSize:      rules.MaxFileSize,
		allowExecutables: rules.AllowExecutables,
		dangerousExtensions: map[string]bool{
			".exe": true,
			".bat": true,
			".cmd": true,
			".scr": true,
			".pif": true,
			".com": true,
			".vbs": true,
			".jar": true,
			".msi": true,
		},
	}
	for _, ct := range rules.AllowedContentTypes {
		ct = strings.ToLower(strings.TrimSpace(ct))
		switch {
		case ct == "":
			continue
		case strings.HasSuffix(ct, "/*"):
			p.prefixes = append(p.prefixes, strings.TrimSuffix(ct, "*"))
		case strings.Contains(ct, "/"):
			p.exact[ct] = true
		default:
			return nil, domain.ConfigError("invalid content type pattern %q", ct)
		}
	}
	return p, nil
}

// Check 检查上传内容，不通过时返回 ErrInvalidUpload
func (p *UploadPolicy) Check(fileName, contentType string, data []byte) error {
	if p == nil {
		return nil
	}

	if p.maxFileSize > 0 && int64(len(data)) > p.maxFileSize {
		return fmt.Errorf("%w: file size %d exceeds %d bytes", domain.ErrInvalidUpload, len(data), p.maxFileSize)
	}

	if !p.contentTypeAllowed(contentType) {
		return fmt.Errorf("%w: content type %q is not allowed", domain.ErrInvalidUpload, contentType)
	}

	if p.allowExecutables {
		return nil
	}
	ext := strings.ToLower(filepath.Ext(fileName))
	if p.dangerousExtensions[ext] {
		return fmt.Errorf("%w: dangerous file extension %s", domain.ErrInvalidUpload, ext)
	}
	for _, sig := range executableSignatures {
		if bytes.HasPrefix(data, sig) {
			return fmt.Errorf("%w: executable content detected", domain.ErrInvalidUpload)
		}
	}
	return nil
}

func (p *UploadPolicy) contentTypeAllowed(contentType string) bool {
	if len(p.exact) == 0 && len(p.prefixes) == 0 {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	if p.exact[mediaType] {
		return true
	}
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(mediaType, prefix) {
			return true
		}
	}
	return false
}
