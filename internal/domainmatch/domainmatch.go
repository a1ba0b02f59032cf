// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package domainmatch implements the domain pattern matcher (component
// C1): exact hosts, single-label wildcards (*.example.com) and
// multi-label wildcards (**.example.com), always compared
// case-insensitively, IDNA-folded, with any trailing dot stripped.
package domainmatch

import (
	"strings"

	"golang.org/x/net/idna"
)

// Kind identifies the shape of a compiled pattern.
type Kind int

const (
	KindExact Kind = iota
	KindSingleWildcard
	KindMultiWildcard
)

// Matcher is a single compiled domain pattern.
type Matcher struct {
	kind   Kind
	labels []string // literal labels, lowercased, left-to-right; for wildcard kinds this is the suffix only
}

// Compile parses a domain pattern as described in the design:
//   - "host.example.com"   -> exact equality
//   - "*.example.com"      -> exactly one extra left label
//   - "**.example.com"     -> one or more extra left labels
//
// Wildcards are only meaningful as the leftmost label; a "*" or "**"
// elsewhere in the pattern is treated as a literal label (it will simply
// never match, since literal hostnames can't contain "*").
func Compile(pattern string) *Matcher {
	p := normalize(pattern)
	labels := strings.Split(p, ".")

	if len(labels) > 0 {
		switch labels[0] {
		case "**":
			return &Matcher{kind: KindMultiWildcard, labels: labels[1:]}
		case "*":
			return &Matcher{kind: KindSingleWildcard, labels: labels[1:]}
		}
	}
	return &Matcher{kind: KindExact, labels: labels}
}

// Match reports whether host satisfies the compiled pattern.
func (m *Matcher) Match(host string) bool {
	h := normalize(host)
	if h == "" {
		return false
	}
	hostLabels := strings.Split(h, ".")

	switch m.kind {
	case KindExact:
		return equalLabels(hostLabels, m.labels)
	case KindSingleWildcard:
		// exactly one extra left label beyond the literal suffix
		if len(hostLabels) != len(m.labels)+1 {
			return false
		}
		return equalLabels(hostLabels[1:], m.labels)
	case KindMultiWildcard:
		// one or more extra left labels beyond the literal suffix
		if len(hostLabels) < len(m.labels)+1 {
			return false
		}
		return equalLabels(hostLabels[len(hostLabels)-len(m.labels):], m.labels)
	default:
		return false
	}
}

// Match is a convenience one-shot matcher that compiles pattern and tests
// host in a single call. Prefer Compile for repeated matching (e.g. one
// Matcher per rule, held alongside the compiled snapshot).
func Match(pattern, host string) bool {
	return Compile(pattern).Match(host)
}

// normalize lowercases host, strips a trailing root-zone dot, and folds it
// to IDNA ASCII (Punycode) so a rule written in ASCII matches a Unicode
// hostname and vice versa. Patterns containing wildcard labels ("*", "**")
// aren't valid IDNA input; ToASCII errors on those and normalize falls
// back to a plain lowercase of the original.
func normalize(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(host, ".")
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return strings.ToLower(host)
}

func equalLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
