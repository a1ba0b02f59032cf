// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package domainmatch

import "testing"

func TestExactMatch(t *testing.T) {
	m := Compile("api.openai.com")
	if !m.Match("API.OpenAI.com.") {
		t.Error("expected case-insensitive, trailing-dot-stripped match")
	}
	if m.Match("sub.api.openai.com") {
		t.Error("exact pattern should not match a host with extra labels")
	}
}

func TestSingleWildcard(t *testing.T) {
	m := Compile("*.example.com")
	if !m.Match("a.example.com") {
		t.Error("expected a.example.com to match *.example.com")
	}
	if m.Match("a.b.example.com") {
		t.Error("single wildcard must not match two extra labels")
	}
	if m.Match("example.com") {
		t.Error("single wildcard must not match zero extra labels")
	}
}

func TestMultiWildcard(t *testing.T) {
	m := Compile("**.example.com")
	if !m.Match("x.y.example.com") {
		t.Error("expected x.y.example.com to match **.example.com")
	}
	if !m.Match("a.example.com") {
		t.Error("multi wildcard must match a single extra label too")
	}
	if m.Match("example.com") {
		t.Error("multi wildcard must not match zero extra labels")
	}
}

func TestIDNAFoldingMatchesPunycodeEquivalent(t *testing.T) {
	m := Compile("xn--mller-kva.de") // Punycode for müller.de
	if !m.Match("müller.de") {
		t.Error("expected Unicode hostname to fold to its Punycode equivalent")
	}
	if !m.Match("MÜLLER.de.") {
		t.Error("expected case-insensitive, trailing-dot-stripped IDNA match")
	}
}

func TestFirstMatchWildcardDepthScenario(t *testing.T) {
	single := Compile("*.example.com")
	multi := Compile("**.example.com")

	if !multi.Match("x.y.example.com") || single.Match("x.y.example.com") {
		t.Error("x.y.example.com should match only the multi-label wildcard")
	}
	if !single.Match("x.example.com") {
		t.Error("x.example.com should match the single-label wildcard")
	}
}
