package rewrite

import (
	"regexp"
	"strings"
)

var (
	// cssURL matches url(...) with a double-quoted, single-quoted or bare
	// argument. Groups 1, 2 and 3 hold the respective forms.
	cssURL = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^\s"')]*))\s*\)`)

	// cssImport matches the string form of @import. Group 2 is the URL.
	cssImport = regexp.MustCompile(`(?i)@import\s+(["'])([^"']*)["']`)
)

// RewriteCSS proxies every url(...) and @import "..." reference in css.
// Only the URL token is replaced; quotes and spacing are kept as they were.
func RewriteCSS(rc *Context, css string) string {
	css = replaceGroups(css, cssURL, []int{1, 2, 3}, rc.resolve)
	css = replaceGroups(css, cssImport, []int{2}, rc.resolve)
	return css
}

// replaceGroups rewrites the first participating group of every match of re.
func replaceGroups(s string, re *regexp.Regexp, groups []int, fn func(string) (string, bool)) string {
	matches := re.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, m := range matches {
		for _, g := range groups {
			start, end := m[2*g], m[2*g+1]
			if start < 0 {
				continue
			}
			if out, ok := fn(s[start:end]); ok {
				b.WriteString(s[last:start])
				b.WriteString(out)
				last = end
			}
			break
		}
	}
	b.WriteString(s[last:])
	return b.String()
}
