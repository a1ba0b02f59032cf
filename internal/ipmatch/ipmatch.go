// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ipmatch implements the IP/CIDR matcher (component C2): each
// pattern is parsed once into (address, mask, family); a query compares
// only patterns of the same family.
package ipmatch

import (
	"fmt"
	"net"
	"strings"
)

// Matcher is a single compiled IP or CIDR literal.
type Matcher struct {
	ip   net.IP
	mask net.IPMask
	v4   bool
}

// Compile parses pattern, which may be a bare address ("1.2.3.4", "::1")
// or a CIDR ("10.0.0.0/8", "2001:db8::/32"). An IPv4-mapped IPv6 literal
// ("::ffff:1.2.3.4") is normalized to its v4 form.
func Compile(pattern string) (*Matcher, error) {
	pattern = strings.TrimSpace(pattern)

	if idx := strings.IndexByte(pattern, '/'); idx >= 0 {
		_, ipnet, err := net.ParseCIDR(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", pattern, err)
		}
		ip := ipnet.IP
		v4 := ip.To4() != nil
		return &Matcher{ip: ip, mask: ipnet.Mask, v4: v4}, nil
	}

	ip := net.ParseIP(pattern)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP literal %q", pattern)
	}
	if v4 := ip.To4(); v4 != nil {
		return &Matcher{ip: v4, mask: net.CIDRMask(32, 32), v4: true}, nil
	}
	return &Matcher{ip: ip, mask: net.CIDRMask(128, 128), v4: false}, nil
}

// Match reports whether addr falls within the compiled pattern. Patterns
// and queries of different address families never match.
func (m *Matcher) Match(addr net.IP) bool {
	if addr == nil {
		return false
	}

	if m.v4 {
		a4 := addr.To4()
		if a4 == nil {
			return false
		}
		return maskedEqual(a4, m.ip, m.mask)
	}

	// family is v6; reject addresses that are actually v4 (including
	// v4-mapped forms, which To4() still resolves) to keep families distinct
	// per spec, but allow a genuine 16-byte v6 address through.
	if addr.To4() != nil {
		return false
	}
	a16 := addr.To16()
	if a16 == nil {
		return false
	}
	return maskedEqual(a16, m.ip, m.mask)
}

func maskedEqual(addr, pattern net.IP, mask net.IPMask) bool {
	if len(addr) != len(mask) || len(pattern) != len(mask) {
		return false
	}
	for i := range mask {
		if addr[i]&mask[i] != pattern[i]&mask[i] {
			return false
		}
	}
	return true
}

// MatchString compiles pattern and matches addrStr in one call. Prefer
// Compile for repeated matching against a list of rules.
func MatchString(pattern, addrStr string) (bool, error) {
	m, err := Compile(pattern)
	if err != nil {
		return false, err
	}
	addr := net.ParseIP(addrStr)
	if addr == nil {
		return false, fmt.Errorf("invalid IP literal %q", addrStr)
	}
	return m.Match(addr), nil
}

// List is an ordered set of compiled matchers, e.g. a rule's clientIps or
// excludeClientIps.
type List []*Matcher

// CompileList compiles every pattern in patterns, returning the first
// compile error encountered.
func CompileList(patterns []string) (List, error) {
	out := make(List, 0, len(patterns))
	for _, p := range patterns {
		m, err := Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Any reports whether addr matches any matcher in the list. An empty list
// matches nothing.
func (l List) Any(addr net.IP) bool {
	for _, m := range l {
		if m.Match(addr) {
			return true
		}
	}
	return false
}

// Allowed implements the rule-level precedence from the design: a rule
// matches addr iff (a) no excludeClientIps pattern matches, and (b) if
// clientIps is non-empty, at least one of its patterns matches.
// Exclusion takes precedence over an empty-allow-list default of "match".
func Allowed(clientIPs, excludeClientIPs List, addr net.IP) bool {
	if excludeClientIPs.Any(addr) {
		return false
	}
	if len(clientIPs) == 0 {
		return true
	}
	return clientIPs.Any(addr)
}
