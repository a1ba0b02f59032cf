// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policyconfig loads an allowlist policy file (component C4's
// on-disk format) and compiles it into a *policy.Snapshot. JSON is the
// primary format; YAML and HCL are accepted based on file extension.
// Unknown fields are rejected in every format so a typo in a rule key
// fails loudly at load time rather than silently matching nothing.
// Validation also rejects wildcard domain patterns that resolve to a
// bare public suffix (e.g. "*.com"), which would allowlist far more
// than an operator intended.
package policyconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"golang.org/x/net/publicsuffix"
	"gopkg.in/yaml.v3"

	"grimm.is/warden/internal/grpcmatch"
	"grimm.is/warden/internal/headertransform"
	"grimm.is/warden/internal/policy"
)

// ValidationError is a single problem found while loading or compiling a
// policy file.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every problem found in one pass over a file,
// rather than failing on the first one.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors reports whether any validation error was recorded.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// RateLimitSpec is the on-disk shape of a rule's rate-limit block.
type RateLimitSpec struct {
	RequestsPerMinute float64 `json:"requestsPerMinute" yaml:"requestsPerMinute" hcl:"requests_per_minute"`
	Burst             float64 `json:"burst" yaml:"burst" hcl:"burst"`
}

// HeaderTransformSpec is the on-disk shape of a header rewrite block.
type HeaderTransformSpec struct {
	Rename map[string]string `json:"rename,omitempty" yaml:"rename,omitempty" hcl:"rename,optional"`
	Remove []string          `json:"remove,omitempty" yaml:"remove,omitempty" hcl:"remove,optional"`
	Set    map[string]string `json:"set,omitempty" yaml:"set,omitempty" hcl:"set,optional"`
}

func (h *HeaderTransformSpec) compile() *headertransform.Transform {
	if h == nil {
		return nil
	}
	return &headertransform.Transform{Rename: h.Rename, Remove: h.Remove, Set: h.Set}
}

// GRPCSpec is the on-disk shape of a rule's gRPC sub-policy block.
type GRPCSpec struct {
	AllowReflection  bool     `json:"allowReflection,omitempty" yaml:"allowReflection,omitempty" hcl:"allow_reflection,optional"`
	AllowHealthCheck *bool    `json:"allowHealthCheck,omitempty" yaml:"allowHealthCheck,omitempty" hcl:"allow_health_check,optional"`
	Methods          []string `json:"methods,omitempty" yaml:"methods,omitempty" hcl:"methods,optional"`
	Services         []string `json:"services,omitempty" yaml:"services,omitempty" hcl:"services,optional"`
}

func (g *GRPCSpec) compile() *grpcmatch.Policy {
	if g == nil {
		return nil
	}
	return &grpcmatch.Policy{
		AllowReflection:  g.AllowReflection,
		AllowHealthCheck: g.AllowHealthCheck,
		Methods:          g.Methods,
		Services:         g.Services,
	}
}

// RuleSpec is the on-disk shape of one rule.
type RuleSpec struct {
	ID               string               `json:"id" yaml:"id" hcl:"id,label"`
	Domain           string               `json:"domain" yaml:"domain" hcl:"domain"`
	Paths            []string             `json:"paths,omitempty" yaml:"paths,omitempty" hcl:"paths,optional"`
	Methods          []string             `json:"methods,omitempty" yaml:"methods,omitempty" hcl:"methods,optional"`
	ClientIPs        []string             `json:"clientIps,omitempty" yaml:"clientIps,omitempty" hcl:"client_ips,optional"`
	ExcludeClientIPs []string             `json:"excludeClientIps,omitempty" yaml:"excludeClientIps,omitempty" hcl:"exclude_client_ips,optional"`
	RateLimit        *RateLimitSpec       `json:"rateLimit,omitempty" yaml:"rateLimit,omitempty" hcl:"rate_limit,block"`
	RequestHeaders   *HeaderTransformSpec `json:"requestHeaders,omitempty" yaml:"requestHeaders,omitempty" hcl:"request_headers,block"`
	ResponseHeaders  *HeaderTransformSpec `json:"responseHeaders,omitempty" yaml:"responseHeaders,omitempty" hcl:"response_headers,block"`
	GRPC             *GRPCSpec            `json:"grpc,omitempty" yaml:"grpc,omitempty" hcl:"grpc,block"`
	Enabled          *bool                `json:"enabled,omitempty" yaml:"enabled,omitempty" hcl:"enabled,optional"`
}

// File is the root shape of an allowlist policy file.
type File struct {
	DefaultAction string     `json:"defaultAction" yaml:"defaultAction" hcl:"default_action"`
	Rules         []RuleSpec `json:"rules" yaml:"rules" hcl:"rule,block"`
}

// Parse decodes data according to the format implied by filename's
// extension (.json, .yaml/.yml, .hcl), rejecting unknown fields.
func Parse(filename string, data []byte) (*File, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case "", ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	case ".hcl":
		return parseHCL(filename, data)
	default:
		return nil, fmt.Errorf("unsupported policy file extension %q", ext)
	}
}

// Load reads and parses the policy file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(path, data)
}

func parseJSON(data []byte) (*File, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse JSON policy file: %w", err)
	}
	return &f, nil
}

func parseYAML(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse YAML policy file: %w", err)
	}
	return &f, nil
}

func parseHCL(filename string, data []byte) (*File, error) {
	var f File
	if err := hclsimple.Decode(filename, data, nil, &f); err != nil {
		return nil, fmt.Errorf("parse HCL policy file: %w", err)
	}
	return &f, nil
}

// Validate checks the file's static shape, collecting every problem
// rather than stopping at the first.
func (f *File) Validate() ValidationErrors {
	var errs ValidationErrors

	if f.DefaultAction != "allow" && f.DefaultAction != "deny" {
		errs = append(errs, ValidationError{Field: "defaultAction", Message: fmt.Sprintf("must be \"allow\" or \"deny\", got %q", f.DefaultAction)})
	}

	seen := make(map[string]bool, len(f.Rules))
	for i, r := range f.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if r.ID == "" {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "id is required"})
		} else if seen[r.ID] {
			errs = append(errs, ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate rule id %q", r.ID)})
		}
		seen[r.ID] = true

		if r.Domain == "" {
			errs = append(errs, ValidationError{Field: field + ".domain", Message: "domain is required"})
		} else if base, isWildcard := wildcardBase(r.Domain); isWildcard {
			if suffix, icann := publicsuffix.PublicSuffix(base); icann && suffix == base {
				errs = append(errs, ValidationError{
					Field:   field + ".domain",
					Message: fmt.Sprintf("wildcard pattern %q would allowlist the entire public suffix %q", r.Domain, base),
				})
			}
		}
		if r.RateLimit != nil && r.RateLimit.Burst < 0 {
			errs = append(errs, ValidationError{Field: field + ".rateLimit.burst", Message: "burst must be >= 0"})
		}
	}

	return errs
}

// wildcardBase strips a leading "*." or "**." from pattern and reports
// whether it was present.
func wildcardBase(pattern string) (string, bool) {
	if base := strings.TrimPrefix(pattern, "**."); base != pattern {
		return base, true
	}
	if base := strings.TrimPrefix(pattern, "*."); base != pattern {
		return base, true
	}
	return pattern, false
}

// Compile validates f and, if valid, builds a *policy.Snapshot from it.
func (f *File) Compile() (*policy.Snapshot, error) {
	if errs := f.Validate(); errs.HasErrors() {
		return nil, errs
	}

	rules := make([]policy.Rule, 0, len(f.Rules))
	for _, r := range f.Rules {
		rules = append(rules, policy.Rule{
			ID:               r.ID,
			Domain:           r.Domain,
			Paths:            r.Paths,
			Methods:          r.Methods,
			ClientIPs:        r.ClientIPs,
			ExcludeClientIPs: r.ExcludeClientIPs,
			RateLimit:        compileRateLimit(r.RateLimit),
			RequestHeaders:   r.RequestHeaders.compile(),
			ResponseHeaders:  r.ResponseHeaders.compile(),
			GRPC:             r.GRPC.compile(),
			Enabled:          r.Enabled,
		})
	}

	return policy.Compile(rules, f.DefaultAction)
}

func compileRateLimit(r *RateLimitSpec) *policy.RateLimitConfig {
	if r == nil {
		return nil
	}
	return &policy.RateLimitConfig{RequestsPerMinute: r.RequestsPerMinute, Burst: r.Burst}
}

// LoadSnapshot is the convenience path from a file on disk straight to a
// compiled snapshot, used both at startup and on every reload.
func LoadSnapshot(path string) (*policy.Snapshot, error) {
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	return f.Compile()
}
