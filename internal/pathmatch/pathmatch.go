// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pathmatch implements the path glob matcher (component C3):
// "*" matches one path segment, "**" matches any number of segments
// including zero, "?" matches a single character. Matching is
// case-insensitive; each glob is compiled to a regular expression once.
package pathmatch

import (
	"regexp"
	"strings"
)

// Matcher is a single compiled path glob.
type Matcher struct {
	re *regexp.Regexp
}

// Compile translates glob into an anchored, case-insensitive regular
// expression and compiles it.
func Compile(glob string) (*Matcher, error) {
	re, err := regexp.Compile("(?i)^" + globToRegex(glob) + "$")
	if err != nil {
		return nil, err
	}
	return &Matcher{re: re}, nil
}

// Match reports whether path satisfies the compiled glob.
func (m *Matcher) Match(path string) bool {
	return m.re.MatchString(path)
}

// MatchAny compiles each pattern in globs and reports whether path
// matches any of them. Prefer compiling once per rule for repeated use.
func MatchAny(globs []string, path string) (bool, error) {
	for _, g := range globs {
		m, err := Compile(g)
		if err != nil {
			return false, err
		}
		if m.Match(path) {
			return true, nil
		}
	}
	return false, nil
}

const midMarker = "\x00**\x00"

// globToRegex converts a shell-style path glob to a regex body (without
// anchors). "**" spans any number of segments including zero, so it and
// its neighboring slashes are handled as a unit: "/**/" between two
// literals becomes an optional "any segments" group, and a leading or
// trailing "**/" / "/**" is an optional prefix or suffix. A lone "**"
// matches the whole path. Remaining "*" becomes "[^/]*" (one segment),
// "?" becomes "[^/]" (one character), everything else is escaped.
func globToRegex(glob string) string {
	if glob == "**" {
		return ".*"
	}

	s := glob
	leading := strings.HasPrefix(s, "**/")
	if leading {
		s = strings.TrimPrefix(s, "**/")
	}
	trailing := strings.HasSuffix(s, "/**")
	if trailing {
		s = strings.TrimSuffix(s, "/**")
	}
	s = strings.ReplaceAll(s, "/**/", midMarker)

	var b strings.Builder
	if leading {
		b.WriteString("(?:.*/)?")
	}
	parts := strings.Split(s, midMarker)
	for i, part := range parts {
		if i > 0 {
			b.WriteString("(?:.*/)?")
		}
		b.WriteString(convertLiteral(part))
	}
	if trailing {
		b.WriteString("(?:/.*)?")
	}
	return b.String()
}

// convertLiteral handles single "*" and "?" wildcards within a glob
// segment that has already had its "**" components extracted.
func convertLiteral(part string) string {
	var b strings.Builder
	for _, c := range part {
		switch c {
		case '*':
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}
