package variant

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"strings"
	"sync"
	"testing"

	"attachsync/backend/internal/domain"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewStyles(t *testing.T) {
	t.Run("依赖顺序", func(t *testing.T) {
		styles, err := NewStyles([]Style{
			{Name: "micro", Geometry: "16x16#", Source: "thumb"},
			{Name: "thumb", Geometry: "64x64#", Source: "compact"},
			{Name: "compact", Geometry: "640x640>"},
		})
		require.NoError(t, err)

		var names []string
		for _, s := range styles.Ordered() {
			names = append(names, s.Name)
		}
		assert.Equal(t, []string{"compact", "thumb", "micro"}, names)
		assert.Equal(t, []string{"original", "compact", "thumb", "micro"}, styles.Names())
	})

	t.Run("循环依赖", func(t *testing.T) {
		_, err := NewStyles([]Style{
			{Name: "a", Geometry: "10x10", Source: "b"},
			{Name: "b", Geometry: "10x10", Source: "a"},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrConfiguration)
		assert.Contains(t, err.Error(), "cycle")
	})

	t.Run("未知来源", func(t *testing.T) {
		_, err := NewStyles([]Style{{Name: "a", Geometry: "10x10", Source: "nope"}})
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})

	t.Run("重复和保留名", func(t *testing.T) {
		_, err := NewStyles([]Style{{Name: "a", Geometry: "1x1"}, {Name: "a", Geometry: "1x1"}})
		assert.ErrorIs(t, err, domain.ErrConfiguration)

		_, err = NewStyles([]Style{{Name: "original", Geometry: "1x1"}})
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})

	t.Run("非法几何尺寸", func(t *testing.T) {
		_, err := NewStyles([]Style{{Name: "a", Geometry: "big"}})
		assert.ErrorIs(t, err, domain.ErrConfiguration)
	})

	t.Run("显式 original 来源", func(t *testing.T) {
		styles, err := NewStyles([]Style{{Name: "a", Geometry: "1x1", Source: "original"}})
		require.NoError(t, err)
		assert.Equal(t, 1, styles.Len())
	})
}

func TestParseGeometry(t *testing.T) {
	tests := []struct {
		in      string
		want    Geometry
		wantErr bool
	}{
		{"", Geometry{}, false},
		{"100x50", Geometry{Width: 100, Height: 50, Mode: ModeResize}, false},
		{"100x100#", Geometry{Width: 100, Height: 100, Mode: ModeFill}, false},
		{"640x480>", Geometry{Width: 640, Height: 480, Mode: ModeShrink}, false},
		{"200x", Geometry{Width: 200, Mode: ModeResize}, false},
		{"x200", Geometry{Height: 200, Mode: ModeResize}, false},
		{"100", Geometry{}, true},
		{"x", Geometry{}, true},
		{"100x#", Geometry{}, true},
		{"axb", Geometry{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseGeometry(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// recordingTransformer 记录每个样式收到的输入
type recordingTransformer struct {
	mu     sync.Mutex
	inputs map[string]string
	fail   map[string]bool
}

func newRecordingTransformer() *recordingTransformer {
	return &recordingTransformer{inputs: map[string]string{}, fail: map[string]bool{}}
}

func (r *recordingTransformer) Transform(_ context.Context, style Style, input []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[style.Name] = string(input)
	if r.fail[style.Name] {
		return nil, errors.New("boom")
	}
	return []byte(style.Name + "(" + string(input) + ")"), nil
}

// trackedReader 记录是否被关闭
type trackedReader struct {
	io.Reader
	closed bool
}

func (t *trackedReader) Close() error {
	t.closed = true
	return nil
}

func chainStyles(t *testing.T) *Styles {
	t.Helper()
	styles, err := NewStyles([]Style{
		{Name: "compact", Geometry: "640x640>"},
		{Name: "thumb", Geometry: "64x64#", Source: "compact"},
		{Name: "micro", Geometry: "16x16#", Source: "thumb"},
	})
	require.NoError(t, err)
	return styles
}

func TestPipelineRun(t *testing.T) {
	ctx := context.Background()

	t.Run("使用本次生成的来源", func(t *testing.T) {
		tr := newRecordingTransformer()
		p := NewPipeline(chainStyles(t), tr, zap.NewNop())

		res := p.Run(ctx, []byte("o"), nil)
		assert.False(t, res.Failed())
		assert.Equal(t, "o", tr.inputs["compact"])
		assert.Equal(t, "compact(o)", tr.inputs["thumb"])
		assert.Equal(t, "thumb(compact(o))", tr.inputs["micro"])
		assert.Equal(t, []byte("o"), res.Outputs[domain.OriginalStyle])
	})

	t.Run("依赖失败时读取已持久化的样式并关闭", func(t *testing.T) {
		tr := newRecordingTransformer()
		tr.fail["compact"] = true
		p := NewPipeline(chainStyles(t), tr, zap.NewNop())

		var fetched []*trackedReader
		fetch := func(_ context.Context, style string) (io.ReadCloser, error) {
			r := &trackedReader{Reader: strings.NewReader("persisted-" + style)}
			fetched = append(fetched, r)
			return r, nil
		}

		res := p.Run(ctx, []byte("o"), fetch)
		assert.True(t, res.Failed())
		assert.Contains(t, res.Errors, "compact")
		assert.Equal(t, "persisted-compact", tr.inputs["thumb"])
		assert.Equal(t, "thumb(persisted-compact)", tr.inputs["micro"])

		require.Len(t, fetched, 1)
		assert.True(t, fetched[0].closed)
	})

	t.Run("依赖缺失且读取失败时退回原图", func(t *testing.T) {
		tr := newRecordingTransformer()
		tr.fail["compact"] = true
		p := NewPipeline(chainStyles(t), tr, zap.NewNop())

		fetch := func(context.Context, string) (io.ReadCloser, error) {
			return nil, errors.New("not synced")
		}

		res := p.Run(ctx, []byte("o"), fetch)
		assert.Equal(t, "o", tr.inputs["thumb"])
		assert.Contains(t, res.Outputs, "thumb")
		assert.Contains(t, res.Outputs, "micro")
	})

	t.Run("读取中途失败也退回原图并关闭", func(t *testing.T) {
		tr := newRecordingTransformer()
		tr.fail["compact"] = true
		p := NewPipeline(chainStyles(t), tr, zap.NewNop())

		broken := &trackedReader{Reader: &failingReader{}}
		fetch := func(context.Context, string) (io.ReadCloser, error) {
			return broken, nil
		}

		p.Run(ctx, []byte("o"), fetch)
		assert.Equal(t, "o", tr.inputs["thumb"])
		assert.True(t, broken.closed)
	})
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("stale file handle")
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.NRGBA{R: 200, G: 10, B: 10, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func decodedSize(t *testing.T, data []byte) (int, int, string) {
	t.Helper()
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height, format
}

func TestImagingTransformer(t *testing.T) {
	ctx := context.Background()
	tr := NewImagingTransformer(0)
	input := pngBytes(t, 200, 100)

	t.Run("fill", func(t *testing.T) {
		out, err := tr.Transform(ctx, Style{Name: "thumb", Geometry: "50x50#"}, input)
		require.NoError(t, err)
		w, h, format := decodedSize(t, out)
		assert.Equal(t, 50, w)
		assert.Equal(t, 50, h)
		assert.Equal(t, "png", format)
	})

	t.Run("resize keeps aspect", func(t *testing.T) {
		out, err := tr.Transform(ctx, Style{Name: "medium", Geometry: "100x100"}, input)
		require.NoError(t, err)
		w, h, _ := decodedSize(t, out)
		assert.Equal(t, 100, w)
		assert.Equal(t, 50, h)
	})

	t.Run("shrink only", func(t *testing.T) {
		out, err := tr.Transform(ctx, Style{Name: "large", Geometry: "400x400>"}, input)
		require.NoError(t, err)
		w, h, _ := decodedSize(t, out)
		assert.Equal(t, 200, w)
		assert.Equal(t, 100, h)
	})

	t.Run("format conversion", func(t *testing.T) {
		out, err := tr.Transform(ctx, Style{Name: "jpg", Geometry: "20x", Format: "jpg", Quality: 70}, input)
		require.NoError(t, err)
		w, h, format := decodedSize(t, out)
		assert.Equal(t, 20, w)
		assert.Equal(t, 10, h)
		assert.Equal(t, "jpeg", format)
	})

	t.Run("not an image", func(t *testing.T) {
		_, err := tr.Transform(ctx, Style{Name: "thumb", Geometry: "10x10"}, []byte("qwe"))
		assert.Error(t, err)
	})
}

func TestProcessable(t *testing.T) {
	assert.True(t, Processable("image/png"))
	assert.True(t, Processable("image/jpeg; charset=binary"))
	assert.False(t, Processable("image/svg+xml"))
	assert.False(t, Processable("text/plain"))
	assert.False(t, Processable(""))
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "image/png", ContentTypeFor(Style{Name: "a"}, "image/png"))
	assert.Equal(t, "image/jpeg", ContentTypeFor(Style{Name: "a", Format: "jpg"}, "image/png"))
}
