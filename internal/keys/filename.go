package keys

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// MaxFilenameLength 清理后文件名的最大长度（含扩展名）
const MaxFilenameLength = 100

var restrictedChars = regexp.MustCompile(`[&$+,/:;=?@<>\[\]{}|\\^~%# ]`)

// SanitizeFilename 清理文件名，保证可以安全地作为存储键的一部分
//
// 受限字符替换为 "_"，去掉控制字符，超长时截断但保留扩展名
func SanitizeFilename(name string) string {
	// 移除客户端带来的路径
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		name = ""
	}

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = restrictedChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, ".")
	name = limitLength(name, MaxFilenameLength)

	if name == "" {
		name = "unnamed"
	}
	return name
}

func limitLength(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	ext := filepath.Ext(s)
	base := strings.TrimSuffix(s, ext)
	available := maxLen - len(ext)
	if available <= 0 {
		return truncateRunes(s, maxLen)
	}
	return truncateRunes(base, available) + ext
}

// truncateRunes 按字节上限截断，不拆开多字节字符
func truncateRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := 0
	for i := range s {
		if i > maxBytes {
			break
		}
		cut = i
	}
	return s[:cut]
}
