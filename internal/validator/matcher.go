package validator

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// matcher 判断参数值是否命中 allow/block 规则。
type matcher struct {
	home string
	cwd  string
}

func newMatcher(home, cwd string) matcher {
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	return matcher{home: filepath.ToSlash(home), cwd: filepath.ToSlash(cwd)}
}

func (m matcher) anyMatch(value string, patterns []string) bool {
	for _, pattern := range patterns {
		if m.match(value, pattern) {
			return true
		}
	}
	return false
}

// anyPathMatch 先把路径折叠为绝对路径，.. 无法绕过通配或前缀规则。
func (m matcher) anyPathMatch(value string, patterns []string) bool {
	cleaned := m.abs(m.normalize(value))
	for _, pattern := range patterns {
		pattern = m.normalize(pattern)
		if pattern == "" {
			continue
		}
		// 以 * 开头的模式不锚定目录。
		if !strings.HasPrefix(pattern, "*") {
			pattern = m.abs(pattern)
		}
		if m.match(cleaned, pattern) {
			return true
		}
	}
	return false
}

// match 依次尝试：精确匹配、* 通配、以 / 结尾的前缀、目录包含。
func (m matcher) match(value, pattern string) bool {
	value = m.normalize(value)
	pattern = m.normalize(pattern)
	if pattern == "" {
		return false
	}

	if value == pattern {
		return true
	}
	if strings.Contains(pattern, "*") && globRegexp(pattern).MatchString(value) {
		return true
	}
	if strings.HasSuffix(pattern, "/") && strings.HasPrefix(value, pattern) {
		return true
	}

	base := strings.TrimRight(pattern, "*")
	if base == "" {
		return false
	}
	return within(m.abs(value), m.abs(base))
}

func (m matcher) normalize(raw string) string {
	s := strings.ReplaceAll(strings.TrimSpace(raw), `\`, "/")
	if m.home != "" && (s == "~" || strings.HasPrefix(s, "~/")) {
		s = m.home + s[1:]
	}
	return s
}

func (m matcher) abs(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = m.cwd + "/" + p
	}
	return filepath.ToSlash(filepath.Clean(p))
}

func within(child, parent string) bool {
	if child == parent {
		return true
	}
	if parent == "/" {
		return strings.HasPrefix(child, "/")
	}
	return strings.HasPrefix(child, parent+"/")
}

func globRegexp(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}

// commandSeparators 是 shell 中能开启新命令的控制字符。
const commandSeparators = ";&|\n\r`()"

// commandHeads 按控制符切分命令，返回每一段的可执行文件名。
// "ls && rm -rf /" 与 "echo $(rm x)" 都会暴露出 rm。
func commandHeads(command string) []string {
	segments := strings.FieldsFunc(command, func(r rune) bool {
		return strings.ContainsRune(commandSeparators, r)
	})
	heads := make([]string, 0, len(segments))
	for _, segment := range segments {
		// $( 中的 $ 留在上一段末尾。
		segment = strings.TrimSuffix(strings.TrimSpace(segment), "$")
		if fields := strings.Fields(segment); len(fields) > 0 {
			heads = append(heads, fields[0])
		}
	}
	if len(heads) == 0 {
		return []string{""}
	}
	return heads
}
