package route

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Matcher 路由匹配器：URL glob 模式或任意谓词二选一
type Matcher struct {
	pattern string
	g       glob.Glob
	pred    func(url string) bool
}

// CompilePattern 编译 glob 模式匹配器，如 "*.png"、"https://example.com/*"
func CompilePattern(pattern string) (Matcher, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return Matcher{}, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	return Matcher{pattern: pattern, g: g}, nil
}

// Predicate 用任意谓词构造匹配器，谓词匹配器没有模式串，
// 只能通过 RemoveAll 注销
func Predicate(fn func(url string) bool) Matcher {
	return Matcher{pred: fn}
}

// Match 判断 URL 是否命中
func (m Matcher) Match(url string) bool {
	if m.pred != nil {
		return m.pred(url)
	}
	if m.g != nil {
		return m.g.Match(url)
	}
	return false
}

// Pattern 返回模式串原文，谓词匹配器返回空串
func (m Matcher) Pattern() string {
	return m.pattern
}
