package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"agent-core/pkg/logger"
)

// EntityRule 通过正则从输入中抽取实体，存在捕获组时取第一个捕获组。
type EntityRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`

	re *regexp.Regexp
}

// Regexp 返回编译后的实体正则（大小写不敏感）。
func (e EntityRule) Regexp() *regexp.Regexp { return e.re }

// IntentRule 描述一个意图的匹配规则。
type IntentRule struct {
	Name       string       `yaml:"name"`
	Patterns   []string     `yaml:"patterns"`
	Confidence float64      `yaml:"confidence"`
	Entities   []EntityRule `yaml:"entities"`

	compiled []*regexp.Regexp
}

// Compiled 返回编译后的匹配正则，顺序与 Patterns 一致。
func (r IntentRule) Compiled() []*regexp.Regexp { return r.compiled }

// IntentRules 是意图分类器使用的规则集。
type IntentRules struct {
	Intents             []IntentRule `yaml:"intents"`
	AmbiguityIndicators []string     `yaml:"ambiguity_indicators"`

	ambiguity []*regexp.Regexp
}

// Ambiguity 返回编译后的歧义指示正则。
func (r *IntentRules) Ambiguity() []*regexp.Regexp {
	if r == nil {
		return nil
	}
	return r.ambiguity
}

// LoadIntentRules 读取意图规则文件；文件不存在时返回空规则集。
func LoadIntentRules(path string) (*IntentRules, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Named("policy").Warn("意图规则文件不存在，全部交由大模型分类", slog.String("path", path))
			return &IntentRules{}, nil
		}
		return nil, fmt.Errorf("读取意图规则失败: %w", err)
	}
	return ParseIntentRules(content)
}

// ParseIntentRules 解析并编译 YAML 意图规则。
func ParseIntentRules(content []byte) (*IntentRules, error) {
	var rules IntentRules
	if err := yaml.Unmarshal(content, &rules); err != nil {
		return nil, fmt.Errorf("解析意图规则失败: %w", err)
	}
	for i := range rules.Intents {
		rule := &rules.Intents[i]
		if rule.Confidence <= 0 {
			rule.Confidence = 0.8
		}
		for _, pattern := range rule.Patterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("意图 %s 的正则非法: %w", rule.Name, err)
			}
			rule.compiled = append(rule.compiled, re)
		}
		for j := range rule.Entities {
			entity := &rule.Entities[j]
			if entity.Pattern == "" {
				continue
			}
			re, err := regexp.Compile("(?i)" + entity.Pattern)
			if err != nil {
				return nil, fmt.Errorf("实体 %s 的正则非法: %w", entity.Name, err)
			}
			entity.re = re
		}
	}
	for _, pattern := range rules.AmbiguityIndicators {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("歧义规则非法: %w", err)
		}
		rules.ambiguity = append(rules.ambiguity, re)
	}
	return &rules, nil
}
