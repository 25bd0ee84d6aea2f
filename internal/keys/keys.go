package keys

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var tokenPattern = regexp.MustCompile(`:[a-z_]+`)

// Context 插值所需的附件身份信息
type Context struct {
	Class      string // 宿主记录类型
	ID         string // 宿主记录ID
	Attachment string // 附件名
	FileName   string // 已清理的文件名
	Generation int64  // 内容代数
	Style      string // 样式名
	Format     string // 样式输出格式，为空时沿用原扩展名
}

// Resolver 按模板生成存储键
//
// 暂存层与永久存储共用同一个键，只是落在不同存储中
type Resolver struct {
	template string
}

// NewResolver 创建键解析器
func NewResolver(template string) (*Resolver, error) {
	if strings.TrimSpace(template) == "" {
		return nil, fmt.Errorf("key template must not be empty")
	}
	return &Resolver{template: template}, nil
}

// Template 返回原始模板
func (r *Resolver) Template() string {
	return r.template
}

// Key 生成指定样式的存储键，结果不带前导 "/"
func (r *Resolver) Key(ctx Context, style string) string {
	ctx.Style = style
	return strings.TrimLeft(Interpolate(r.template, ctx), "/")
}

// Interpolate 替换模板中的 :token
//
// 未知 token 原样保留，配置错误会直接体现在键上
func Interpolate(template string, ctx Context) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		switch token {
		case ":filename":
			return filename(ctx)
		case ":basename":
			return basename(ctx.FileName)
		case ":extension":
			return extension(ctx)
		case ":id":
			return ctx.ID
		case ":id_partition":
			return IDPartition(ctx.ID)
		case ":style":
			return ctx.Style
		case ":attachment":
			return plural(ctx.Attachment)
		case ":class":
			return plural(underscore(ctx.Class))
		case ":generation":
			return strconv.FormatInt(ctx.Generation, 10)
		default:
			return token
		}
	})
}

// SubstituteKey 在配置阶段把 URL 模板中的 :key 换成键模板
func SubstituteKey(urlTemplate, keyTemplate string) string {
	return strings.ReplaceAll(urlTemplate, ":key", strings.TrimLeft(keyTemplate, "/"))
}

// IDPartition 把ID拆成三级目录
//
// 数字ID补齐到9位后每3位一段，其余ID取前9个字符
func IDPartition(id string) string {
	if id == "" {
		return ""
	}
	var s string
	if n, err := strconv.ParseUint(id, 10, 64); err == nil {
		s = fmt.Sprintf("%09d", n)
	} else {
		s = id
		if len(s) > 9 {
			s = s[:9]
		}
	}
	parts := make([]string, 0, 3)
	for len(s) > 3 {
		parts = append(parts, s[:3])
		s = s[3:]
	}
	parts = append(parts, s)
	return strings.Join(parts, "/")
}

func filename(ctx Context) string {
	if ctx.Format == "" {
		return ctx.FileName
	}
	return basename(ctx.FileName) + "." + ctx.Format
}

func basename(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func extension(ctx Context) string {
	if ctx.Format != "" {
		return ctx.Format
	}
	return strings.TrimPrefix(filepath.Ext(ctx.FileName), ".")
}

func underscore(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		if r == ':' || r == '/' || r == '-' || r == ' ' {
			r = '_'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func plural(s string) string {
	switch {
	case s == "":
		return s
	case strings.HasSuffix(s, "s"):
		return s
	case strings.HasSuffix(s, "y") && len(s) > 1 && !strings.ContainsRune("aeiou", rune(s[len(s)-2])):
		return s[:len(s)-1] + "ies"
	default:
		return s + "s"
	}
}
