package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"agent-core/pkg/logger"
)

type catalogFile struct {
	Tools map[string]*ToolPolicy `yaml:"tools"`
}

// Catalog 是加载后只读的工具策略集合，可被并发读取。
type Catalog struct {
	tools map[ToolName]*ToolPolicy
	names []ToolName
}

// NewCatalog 使用给定策略构造目录，主要用于测试与嵌入式场景。
func NewCatalog(policies ...*ToolPolicy) (*Catalog, error) {
	c := &Catalog{tools: make(map[ToolName]*ToolPolicy, len(policies))}
	for _, p := range policies {
		if p == nil {
			continue
		}
		if !p.Name.Valid() {
			return nil, fmt.Errorf("未知的工具名称: %q", p.Name)
		}
		if err := compile(p); err != nil {
			return nil, err
		}
		c.tools[p.Name] = p
		c.names = append(c.names, p.Name)
	}
	sort.Slice(c.names, func(i, j int) bool { return c.names[i] < c.names[j] })
	return c, nil
}

// LoadCatalog 读取 YAML 工具目录。文件不存在时返回空目录，不允许任何工具。
func LoadCatalog(path string) (*Catalog, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Named("policy").Warn("工具目录不存在，禁止所有工具", slog.String("path", path))
			return &Catalog{tools: map[ToolName]*ToolPolicy{}}, nil
		}
		return nil, fmt.Errorf("读取工具目录失败: %w", err)
	}
	return ParseCatalog(content)
}

// ParseCatalog 解析 YAML 格式的工具目录。
func ParseCatalog(content []byte) (*Catalog, error) {
	var file catalogFile
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("解析工具目录失败: %w", err)
	}

	policies := make([]*ToolPolicy, 0, len(file.Tools))
	for rawName, p := range file.Tools {
		if p == nil {
			continue
		}
		name := ParseToolName(rawName)
		if name == ToolUnknown {
			logger.Named("policy").Warn("忽略未知工具", slog.String("tool", rawName))
			continue
		}
		p.Name = name
		if p.Confirmation == "" {
			p.Confirmation = ConfirmNone
		}
		policies = append(policies, p)
	}
	return NewCatalog(policies...)
}

func compile(p *ToolPolicy) error {
	for i := range p.Parameters {
		spec := &p.Parameters[i]
		if spec.Name == "" {
			return fmt.Errorf("工具 %s 存在未命名参数", p.Name)
		}
		if spec.Type == "" {
			spec.Type = TypeString
		}
		if spec.Pattern != "" {
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return fmt.Errorf("工具 %s 参数 %s 的正则非法: %w", p.Name, spec.Name, err)
			}
			spec.pattern = re
		}
	}
	if p.RateLimit != "" {
		if _, err := ParseRateLimit(p.RateLimit); err != nil {
			// 非法限流配置按不限流处理，与计数器故障时的降级一致。
			logger.Named("policy").Warn("工具限流配置无效，忽略",
				slog.String("tool", string(p.Name)),
				slog.String("rate_limit", p.RateLimit),
				slog.Any("error", err))
		}
	}
	return nil
}

// Tool 返回指定工具的策略。
func (c *Catalog) Tool(name ToolName) (*ToolPolicy, bool) {
	if c == nil {
		return nil, false
	}
	p, ok := c.tools[name]
	return p, ok
}

// Names 返回目录中全部工具名称（有序）。
func (c *Catalog) Names() []ToolName {
	if c == nil {
		return nil
	}
	return append([]ToolName(nil), c.names...)
}

// Enabled 返回已启用的工具策略（有序）。
func (c *Catalog) Enabled() []*ToolPolicy {
	if c == nil {
		return nil
	}
	out := make([]*ToolPolicy, 0, len(c.names))
	for _, name := range c.names {
		if p := c.tools[name]; p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Len 返回目录中的工具数量。
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.tools)
}
