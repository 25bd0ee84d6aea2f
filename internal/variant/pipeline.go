package variant

import (
	"context"
	"fmt"
	"io"

	"attachsync/backend/internal/domain"

	"go.uber.org/zap"
)

// Fetcher 尽力读取已持久化的样式，读取方负责关闭
type Fetcher func(ctx context.Context, style string) (io.ReadCloser, error)

// Result 一次处理的产出
type Result struct {
	Outputs map[string][]byte // 含 original
	Errors  map[string]error  // 生成失败的样式
}

// Failed 是否有样式生成失败
func (r Result) Failed() bool {
	return len(r.Errors) > 0
}

// Pipeline 样式处理流水线
type Pipeline struct {
	styles      *Styles
	transformer Transformer
	logger      *zap.Logger
}

// NewPipeline 创建流水线
func NewPipeline(styles *Styles, transformer Transformer, logger *zap.Logger) *Pipeline {
	if transformer == nil {
		transformer = PassthroughTransformer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{styles: styles, transformer: transformer, logger: logger}
}

// Styles 返回样式集合
func (p *Pipeline) Styles() *Styles {
	return p.styles
}

// Produce 生成单个样式
func (p *Pipeline) Produce(ctx context.Context, style Style, input []byte) ([]byte, error) {
	out, err := p.transformer.Transform(ctx, style, input)
	if err != nil {
		return nil, fmt.Errorf("produce style %s: %w", style.Name, err)
	}
	return out, nil
}

// Run 按依赖顺序生成全部样式
//
// 来源样式的选择顺序：本次已生成的内存结果 → fetch 到的已持久化样式 → 原图。
// 来源不可用从不报错，只会退回原图。
func (p *Pipeline) Run(ctx context.Context, original []byte, fetch Fetcher) Result {
	res := Result{
		Outputs: map[string][]byte{domain.OriginalStyle: original},
		Errors:  make(map[string]error),
	}

	for _, style := range p.styles.Ordered() {
		if err := ctx.Err(); err != nil {
			res.Errors[style.Name] = err
			continue
		}

		input := p.source(ctx, style, res.Outputs, original, fetch)
		out, err := p.Produce(ctx, style, input)
		if err != nil {
			p.logger.Warn("Style processing failed",
				zap.String("style", style.Name),
				zap.Error(err),
			)
			res.Errors[style.Name] = err
			continue
		}
		res.Outputs[style.Name] = out
	}
	return res
}

// source 选择样式的输入
func (p *Pipeline) source(ctx context.Context, style Style, produced map[string][]byte, original []byte, fetch Fetcher) []byte {
	name := style.SourceStyle()
	if name == domain.OriginalStyle {
		return original
	}
	if data, ok := produced[name]; ok {
		return data
	}
	if fetch == nil {
		return original
	}

	rc, err := fetch(ctx, name)
	if err != nil || rc == nil {
		p.logger.Debug("Source style unavailable, using original",
			zap.String("style", style.Name),
			zap.String("source", name),
			zap.Error(err),
		)
		return original
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		p.logger.Debug("Failed to read source style, using original",
			zap.String("style", style.Name),
			zap.String("source", name),
			zap.Error(err),
		)
		return original
	}
	return data
}
