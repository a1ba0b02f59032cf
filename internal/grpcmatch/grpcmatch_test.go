// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package grpcmatch

import "testing"

func TestParsePath(t *testing.T) {
	svc, method, ok := ParsePath("/my.pkg.Service/DoThing")
	if !ok || svc != "my.pkg.Service" || method != "DoThing" {
		t.Errorf("got (%q, %q, %v)", svc, method, ok)
	}

	if _, _, ok := ParsePath("/not-a-grpc-path"); ok {
		t.Error("expected ok=false for a path without two segments")
	}
}

func TestReflectionRequiresOptIn(t *testing.T) {
	p := Policy{}
	if Match(p, ReflectionServiceV1, "ServerReflectionInfo") {
		t.Error("reflection should be denied by default")
	}
	p.AllowReflection = true
	if !Match(p, ReflectionServiceV1Alpha, "ServerReflectionInfo") {
		t.Error("reflection should be admitted once AllowReflection is set")
	}
}

func TestHealthDefaultsToAllowed(t *testing.T) {
	p := Policy{}
	if !Match(p, HealthService, "Check") {
		t.Error("health checks should be allowed by default")
	}
	deny := false
	p.AllowHealthCheck = &deny
	if Match(p, HealthService, "Check") {
		t.Error("health checks should be denied when AllowHealthCheck=false")
	}
}

func TestMethodPatternsTakePrecedenceOverServices(t *testing.T) {
	p := Policy{
		Methods:  []string{"my.pkg.Service/Allowed"},
		Services: []string{"my.pkg.Service"},
	}
	if !Match(p, "my.pkg.Service", "Allowed") {
		t.Error("expected explicit method match to be admitted")
	}
	if Match(p, "my.pkg.Service", "Other") {
		t.Error("method list configured: must not fall through to the service list")
	}
}

func TestServiceWildcard(t *testing.T) {
	p := Policy{Services: []string{"my.pkg.*"}}
	if !Match(p, "my.pkg.Service", "Anything") {
		t.Error("expected my.pkg.* to admit my.pkg.Service")
	}
	if Match(p, "my.pkg.sub.Service", "Anything") {
		t.Error("my.pkg.* must not match a deeper nested service")
	}
}

func TestMethodWildcardMethod(t *testing.T) {
	p := Policy{Methods: []string{"my.pkg.Service/*"}}
	if !Match(p, "my.pkg.Service", "AnyMethod") {
		t.Error("expected my.pkg.Service/* to admit any method on that service")
	}
	if Match(p, "other.Service", "AnyMethod") {
		t.Error("unrelated service must be denied")
	}
}

func TestCatchAll(t *testing.T) {
	p := Policy{Methods: []string{"**"}}
	if !Match(p, "anything.Service", "AnyMethod") {
		t.Error("** must admit everything")
	}
}
