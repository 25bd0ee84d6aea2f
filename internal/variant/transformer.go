package variant

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"mime"
	"strings"

	"github.com/disintegration/imaging"
)

// Transformer 根据样式把输入字节转换成变体字节
type Transformer interface {
	Transform(ctx context.Context, style Style, input []byte) ([]byte, error)
}

// PassthroughTransformer 原样返回输入，用于不需要处理的部署和测试
type PassthroughTransformer struct{}

// Transform 复制输入
func (PassthroughTransformer) Transform(ctx context.Context, _ Style, input []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]byte, len(input))
	copy(out, input)
	return out, nil
}

// ImagingTransformer 基于 disintegration/imaging 的缩略图生成
type ImagingTransformer struct {
	DefaultQuality int
}

// NewImagingTransformer 创建图片转换器
func NewImagingTransformer(defaultQuality int) *ImagingTransformer {
	if defaultQuality <= 0 || defaultQuality > 100 {
		defaultQuality = 85
	}
	return &ImagingTransformer{DefaultQuality: defaultQuality}
}

// Transform 解码、缩放并按样式格式重新编码
func (t *ImagingTransformer) Transform(ctx context.Context, style Style, input []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	geometry, err := ParseGeometry(style.Geometry)
	if err != nil {
		return nil, err
	}

	_, srcFormat, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("decode image config: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	img = resize(img, geometry)

	formatName := style.Format
	if formatName == "" {
		formatName = srcFormat
	}
	format, err := imaging.FormatFromExtension(formatName)
	if err != nil {
		return nil, fmt.Errorf("unsupported output format %q: %w", formatName, err)
	}

	quality := style.Quality
	if quality <= 0 {
		quality = t.DefaultQuality
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, format, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func resize(img image.Image, g Geometry) image.Image {
	if g.Empty() {
		return img
	}

	b := img.Bounds()
	switch g.Mode {
	case ModeFill:
		return imaging.Fill(img, g.Width, g.Height, imaging.Center, imaging.Lanczos)
	case ModeShrink:
		if (g.Width == 0 || b.Dx() <= g.Width) && (g.Height == 0 || b.Dy() <= g.Height) {
			return img
		}
	}

	if g.Width == 0 || g.Height == 0 {
		// 单边约束，另一边按比例
		return imaging.Resize(img, g.Width, g.Height, imaging.Lanczos)
	}

	// 保持比例缩放到框内
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return img
	}
	if w*g.Height > h*g.Width {
		return imaging.Resize(img, g.Width, 0, imaging.Lanczos)
	}
	return imaging.Resize(img, 0, g.Height, imaging.Lanczos)
}

// Processable 是否需要生成样式：除 SVG 外的图片
func Processable(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	return strings.HasPrefix(mediaType, "image/") && mediaType != "image/svg+xml"
}

// ContentTypeFor 返回样式输出的内容类型
func ContentTypeFor(style Style, originalType string) string {
	if style.Format == "" {
		return originalType
	}
	if t := mime.TypeByExtension("." + strings.ToLower(style.Format)); t != "" {
		return t
	}
	return originalType
}
