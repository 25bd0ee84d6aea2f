package variant

import (
	"fmt"
	"strconv"
	"strings"

	"attachsync/backend/internal/domain"
)

// Style 样式定义：几何尺寸 + 输出格式 + 可选的来源样式
type Style struct {
	Name     string `mapstructure:"name" json:"name"`
	Geometry string `mapstructure:"geometry" json:"geometry"`
	Format   string `mapstructure:"format" json:"format,omitempty"`
	Source   string `mapstructure:"source" json:"source,omitempty"` // 为空表示从原图生成
	Quality  int    `mapstructure:"quality" json:"quality,omitempty"`
}

// SourceStyle 返回实际的来源样式名
func (s Style) SourceStyle() string {
	if s.Source == "" {
		return domain.OriginalStyle
	}
	return s.Source
}

// Styles 经过校验并按依赖排序的样式集合（不含 original）
type Styles struct {
	ordered []Style
	byName  map[string]Style
}

// NewStyles 校验样式定义：名字唯一、来源存在、依赖无环
func NewStyles(defs []Style) (*Styles, error) {
	byName := make(map[string]Style, len(defs))
	for _, s := range defs {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, domain.ConfigError("style name is required")
		}
		if name == domain.OriginalStyle {
			return nil, domain.ConfigError("style %q is reserved", name)
		}
		if _, dup := byName[name]; dup {
			return nil, domain.ConfigError("duplicate style %q", name)
		}
		if _, err := ParseGeometry(s.Geometry); err != nil {
			return nil, domain.ConfigError("style %q: %v", name, err)
		}
		s.Name = name
		byName[name] = s
	}

	for _, s := range byName {
		src := s.SourceStyle()
		if src == domain.OriginalStyle {
			continue
		}
		if _, ok := byName[src]; !ok {
			return nil, domain.ConfigError("style %q derives from unknown style %q", s.Name, src)
		}
	}

	ordered, err := topoSort(defs, byName)
	if err != nil {
		return nil, err
	}
	return &Styles{ordered: ordered, byName: byName}, nil
}

// topoSort 保持声明顺序的拓扑排序
func topoSort(defs []Style, byName map[string]Style) ([]Style, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(byName))
	ordered := make([]Style, 0, len(byName))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return domain.ConfigError("style dependency cycle: %s", strings.Join(append(path, name), " -> "))
		}
		state[name] = visiting
		s := byName[name]
		if src := s.SourceStyle(); src != domain.OriginalStyle {
			if err := visit(src, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		ordered = append(ordered, s)
		return nil
	}

	for _, d := range defs {
		if err := visit(strings.TrimSpace(d.Name), nil); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

// Ordered 按依赖顺序返回样式
func (s *Styles) Ordered() []Style {
	if s == nil {
		return nil
	}
	out := make([]Style, len(s.ordered))
	copy(out, s.ordered)
	return out
}

// Get 查找样式
func (s *Styles) Get(name string) (Style, bool) {
	if s == nil {
		return Style{}, false
	}
	st, ok := s.byName[name]
	return st, ok
}

// Names 返回全部样式名，original 在最前
func (s *Styles) Names() []string {
	names := []string{domain.OriginalStyle}
	if s == nil {
		return names
	}
	for _, st := range s.ordered {
		names = append(names, st.Name)
	}
	return names
}

// Len 返回样式数量（不含 original）
func (s *Styles) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ordered)
}

// Mode 缩放模式
type Mode int

const (
	ModeResize Mode = iota // WxH：保持比例缩放到框内，可放大
	ModeFill               // WxH#：裁剪填满
	ModeShrink             // WxH>：只缩小不放大
)

// Geometry 解析后的几何尺寸
type Geometry struct {
	Width  int
	Height int
	Mode   Mode
}

// Empty 没有尺寸要求
func (g Geometry) Empty() bool {
	return g.Width == 0 && g.Height == 0
}

// ParseGeometry 解析 "100x100"、"100x100#"、"100x100>"、"100x" 形式的尺寸
func ParseGeometry(s string) (Geometry, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Geometry{}, nil
	}

	g := Geometry{Mode: ModeResize}
	switch {
	case strings.HasSuffix(s, "#"):
		g.Mode = ModeFill
		s = strings.TrimSuffix(s, "#")
	case strings.HasSuffix(s, ">"):
		g.Mode = ModeShrink
		s = strings.TrimSuffix(s, ">")
	}

	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return Geometry{}, fmt.Errorf("invalid geometry %q", s)
	}

	var err error
	if w != "" {
		if g.Width, err = strconv.Atoi(w); err != nil || g.Width < 0 {
			return Geometry{}, fmt.Errorf("invalid geometry width %q", w)
		}
	}
	if h != "" {
		if g.Height, err = strconv.Atoi(h); err != nil || g.Height < 0 {
			return Geometry{}, fmt.Errorf("invalid geometry height %q", h)
		}
	}
	if g.Empty() {
		return Geometry{}, fmt.Errorf("invalid geometry %q", s)
	}
	if g.Mode == ModeFill && (g.Width == 0 || g.Height == 0) {
		return Geometry{}, fmt.Errorf("fill geometry needs both width and height")
	}
	return g, nil
}
