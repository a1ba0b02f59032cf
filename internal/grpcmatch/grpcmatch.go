// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package grpcmatch implements the gRPC sub-policy matcher (component
// C20 / design §4.5): parsing a gRPC path into (service, method) and
// applying the reflection/health special cases before falling back to
// method- then service-pattern matching.
package grpcmatch

import "strings"

const (
	// ReflectionServiceV1Alpha is the legacy server reflection service name.
	ReflectionServiceV1Alpha = "grpc.reflection.v1alpha.ServerReflection"
	// ReflectionServiceV1 is the stable server reflection service name.
	ReflectionServiceV1 = "grpc.reflection.v1.ServerReflection"
	// HealthService is the standard gRPC health-checking service name.
	HealthService = "grpc.health.v1.Health"
)

// Policy is the "grpc" sub-policy block a Rule may carry.
type Policy struct {
	AllowReflection bool // default false
	// AllowHealthCheck defaults to true; a pointer lets the zero value of
	// Policy (no grpc block configured) mean "not configured" rather than
	// "explicitly disallow health checks" when Policy is used directly.
	AllowHealthCheck *bool
	Methods          []string // "pkg.Service/Method", "pkg.Service/*", "pkg.*/Method", "**"
	Services         []string // "pkg.Service", "pkg.*", "**"
}

// allowHealthCheck returns the effective health-check admission, default
// true when unset.
func (p Policy) allowHealthCheck() bool {
	if p.AllowHealthCheck == nil {
		return true
	}
	return *p.AllowHealthCheck
}

// ParsePath splits a gRPC request path of the form
// "/package.Service/Method" into its fully-qualified service and method.
// Returns ok=false if path doesn't have the expected two-segment shape.
func ParsePath(path string) (service, method string, ok bool) {
	p := strings.TrimPrefix(path, "/")
	idx := strings.LastIndex(p, "/")
	if idx <= 0 || idx == len(p)-1 {
		return "", "", false
	}
	return p[:idx], p[idx+1:], true
}

// Match reports whether a request for (service, method) is admitted by p,
// following the precedence in design §4.5: reflection and health are
// special-cased first; otherwise method patterns are tried before service
// patterns, and configuring only one of the two lists means the other is
// not consulted as a fallback.
func Match(p Policy, service, method string) bool {
	switch service {
	case ReflectionServiceV1Alpha, ReflectionServiceV1:
		return p.AllowReflection
	case HealthService:
		return p.allowHealthCheck()
	}

	if len(p.Methods) > 0 {
		return matchMethodPatterns(p.Methods, service, method)
	}
	if len(p.Services) > 0 {
		return matchServicePatterns(p.Services, service)
	}
	return false
}

func matchMethodPatterns(patterns []string, service, method string) bool {
	for _, pat := range patterns {
		if pat == "**" {
			return true
		}
		svcPat, methPat, ok := ParsePath("/" + pat)
		if !ok {
			continue
		}
		if matchSegment(svcPat, service) && matchSegment(methPat, method) {
			return true
		}
	}
	return false
}

func matchServicePatterns(patterns []string, service string) bool {
	for _, pat := range patterns {
		if pat == "**" {
			return true
		}
		if matchSegment(pat, service) {
			return true
		}
	}
	return false
}

// matchSegment compares a pattern segment to a value. A bare "*" matches
// the whole value. A trailing "*" after a dot (e.g. "pkg.*") matches any
// single final dotted component, so "pkg.*" matches "pkg.Service" but not
// "pkg.sub.Service".
func matchSegment(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		if !strings.HasPrefix(value, prefix) {
			return false
		}
		rest := value[len(prefix):]
		return rest != "" && !strings.Contains(rest, ".")
	}
	return pattern == value
}
