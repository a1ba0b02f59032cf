// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policyconfig

import "testing"

const sampleJSON = `{
  "defaultAction": "deny",
  "rules": [
    {
      "id": "openai",
      "domain": "api.openai.com",
      "paths": ["/v1/**"],
      "methods": ["GET", "POST"],
      "rateLimit": {"requestsPerMinute": 60, "burst": 10}
    }
  ]
}`

func TestParseJSONRejectsUnknownField(t *testing.T) {
	bad := `{"defaultAction": "deny", "rules": [], "unknownTopLevelField": true}`
	if _, err := parseJSON([]byte(bad)); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestParseAndCompileJSON(t *testing.T) {
	f, err := parseJSON([]byte(sampleJSON))
	if err != nil {
		t.Fatal(err)
	}
	snap, err := f.Compile()
	if err != nil {
		t.Fatal(err)
	}
	if snap.DefaultAction() != "deny" {
		t.Errorf("expected deny default, got %q", snap.DefaultAction())
	}
}

const sampleYAML = `
defaultAction: deny
rules:
  - id: openai
    domain: api.openai.com
`

func TestParseYAML(t *testing.T) {
	f, err := parseYAML([]byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Rules) != 1 || f.Rules[0].ID != "openai" {
		t.Errorf("unexpected rules: %+v", f.Rules)
	}
}

func TestValidateAllowsZeroBurst(t *testing.T) {
	f := &File{DefaultAction: "deny", Rules: []RuleSpec{
		{ID: "a", Domain: "example.com", RateLimit: &RateLimitSpec{RequestsPerMinute: 2, Burst: 0}},
	}}
	errs := f.Validate()
	if errs.HasErrors() {
		t.Fatalf("expected burst:0 to be valid, got %v", errs)
	}
}

func TestValidateCatchesNegativeBurst(t *testing.T) {
	f := &File{DefaultAction: "deny", Rules: []RuleSpec{
		{ID: "a", Domain: "example.com", RateLimit: &RateLimitSpec{RequestsPerMinute: 2, Burst: -1}},
	}}
	errs := f.Validate()
	if !errs.HasErrors() {
		t.Fatal("expected negative burst to be flagged")
	}
}

func TestValidateCatchesDuplicateIDs(t *testing.T) {
	f := &File{DefaultAction: "deny", Rules: []RuleSpec{
		{ID: "a", Domain: "example.com"},
		{ID: "a", Domain: "other.com"},
	}}
	errs := f.Validate()
	if !errs.HasErrors() {
		t.Fatal("expected duplicate id to be flagged")
	}
}

func TestValidateCatchesBadDefaultAction(t *testing.T) {
	f := &File{DefaultAction: "maybe"}
	errs := f.Validate()
	if !errs.HasErrors() {
		t.Fatal("expected invalid defaultAction to be flagged")
	}
}

func TestValidateCatchesWildcardPublicSuffix(t *testing.T) {
	f := &File{DefaultAction: "deny", Rules: []RuleSpec{
		{ID: "a", Domain: "*.com"},
	}}
	errs := f.Validate()
	if !errs.HasErrors() {
		t.Fatal("expected wildcard over a bare public suffix to be flagged")
	}
}

func TestValidateAllowsWildcardOnRegisteredDomain(t *testing.T) {
	f := &File{DefaultAction: "deny", Rules: []RuleSpec{
		{ID: "a", Domain: "*.example.com"},
	}}
	errs := f.Validate()
	if errs.HasErrors() {
		t.Fatalf("expected no errors for a normal wildcard, got %v", errs)
	}
}

func TestParseUnsupportedExtension(t *testing.T) {
	if _, err := Parse("rules.txt", []byte("x")); err == nil {
		t.Fatal("expected unsupported extension to error")
	}
}
