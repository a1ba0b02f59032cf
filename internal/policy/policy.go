// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package policy holds the rule data model and the compiled, immutable
// policy snapshot (component C4) that the request pipeline matches every
// request against. A snapshot is built once by Compile and never mutated;
// reloads build a new one and swap it in atomically (see
// internal/reload).
package policy

import (
	"fmt"
	"net"
	"regexp"

	"grimm.is/warden/internal/domainmatch"
	"grimm.is/warden/internal/grpcmatch"
	"grimm.is/warden/internal/headertransform"
	"grimm.is/warden/internal/ipmatch"
	"grimm.is/warden/internal/pathmatch"
)

var ruleIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RateLimitConfig is a rule's optional rate-limit block.
type RateLimitConfig struct {
	RequestsPerMinute float64
	Burst             float64
}

// Rule is a single named policy atom, as described in the design's data
// model section.
type Rule struct {
	ID               string
	Domain           string
	Paths            []string
	Methods          []string
	ClientIPs        []string
	ExcludeClientIPs []string
	RateLimit        *RateLimitConfig
	RequestHeaders   *headertransform.Transform
	ResponseHeaders  *headertransform.Transform
	GRPC             *grpcmatch.Policy
	Enabled          *bool // nil means true (the default)
}

// enabled returns the effective enabled flag, defaulting to true.
func (r Rule) enabled() bool {
	if r.Enabled == nil {
		return true
	}
	return *r.Enabled
}

// Validate checks the static shape of a rule in isolation (not
// cross-rule invariants like duplicate ids, which Compile checks across
// the whole set).
func (r Rule) Validate() error {
	if !ruleIDPattern.MatchString(r.ID) {
		return fmt.Errorf("rule id %q must match %s", r.ID, ruleIDPattern.String())
	}
	if r.Domain == "" {
		return fmt.Errorf("rule %q: domain is required", r.ID)
	}
	for _, m := range r.Methods {
		if m == "" {
			return fmt.Errorf("rule %q: empty method in methods list", r.ID)
		}
	}
	return nil
}

// Request is the normalized shape of an in-flight request the pipeline
// matches against a Snapshot.
type Request struct {
	Host        string
	Port        int
	Path        string // empty if not yet known (tunnel CONNECT domain-only check)
	Method      string // empty if not yet known
	SourceIP    net.IP
	IsGRPC      bool
	GRPCService string
	GRPCMethod  string
}

// Decision is the outcome of evaluating a Request against a Snapshot.
type Decision struct {
	Allowed       bool
	MatchedRuleID string
	Reason        string
}

type compiledRule struct {
	rule             Rule
	domain           *domainmatch.Matcher
	paths            []*pathmatch.Matcher
	clientIPs        ipmatch.List
	excludeClientIPs ipmatch.List
}

// Snapshot is the immutable, compiled product of a rule list (component
// C4). It is safe for concurrent read access from any number of
// goroutines; building a new Snapshot never mutates an existing one.
type Snapshot struct {
	rules         []*compiledRule
	defaultAction string // "allow" or "deny"
}

// Compile builds a Snapshot from rules in their configured order,
// skipping disabled rules (first-match-wins is evaluated over the
// resulting compiled list in the same order). defaultAction must be
// "allow" or "deny".
func Compile(rules []Rule, defaultAction string) (*Snapshot, error) {
	if defaultAction != "allow" && defaultAction != "deny" {
		return nil, fmt.Errorf("defaultAction must be \"allow\" or \"deny\", got %q", defaultAction)
	}

	seen := make(map[string]bool, len(rules))
	compiled := make([]*compiledRule, 0, len(rules))

	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true

		if !r.enabled() {
			continue
		}

		cr := &compiledRule{rule: r, domain: domainmatch.Compile(r.Domain)}

		for _, g := range r.Paths {
			m, err := pathmatch.Compile(g)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid path glob %q: %w", r.ID, g, err)
			}
			cr.paths = append(cr.paths, m)
		}

		clientIPs, err := ipmatch.CompileList(r.ClientIPs)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.ID, err)
		}
		cr.clientIPs = clientIPs

		excludeIPs, err := ipmatch.CompileList(r.ExcludeClientIPs)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.ID, err)
		}
		cr.excludeClientIPs = excludeIPs

		compiled = append(compiled, cr)
	}

	return &Snapshot{rules: compiled, defaultAction: defaultAction}, nil
}

// DefaultAction reports the snapshot's fallback disposition.
func (s *Snapshot) DefaultAction() string {
	return s.defaultAction
}

// Rule returns the configured rule for id and whether it was found (and
// enabled) in this snapshot. Used by the pipeline to look up a matched
// rule's RateLimit block and header transforms by id.
func (s *Snapshot) Rule(id string) (Rule, bool) {
	for _, cr := range s.rules {
		if cr.rule.ID == id {
			return cr.rule, true
		}
	}
	return Rule{}, false
}

// Match evaluates req against the snapshot in configured order,
// short-circuiting per rule in the order: source-IP exclude, source-IP
// allow, domain, path, method, gRPC. The first rule whose every
// applicable check passes wins. If no rule matches, the snapshot's
// defaultAction decides.
func (s *Snapshot) Match(req Request) Decision {
	for _, cr := range s.rules {
		if matchRule(cr, req) {
			return Decision{Allowed: true, MatchedRuleID: cr.rule.ID}
		}
	}
	return Decision{Allowed: s.defaultAction == "allow", Reason: "default"}
}

func matchRule(cr *compiledRule, req Request) bool {
	if req.SourceIP != nil {
		if !ipmatch.Allowed(cr.clientIPs, cr.excludeClientIPs, req.SourceIP) {
			return false
		}
	} else if len(cr.clientIPs) > 0 {
		// A rule that restricts clientIps cannot match a request with no
		// known source IP.
		return false
	}

	if !cr.domain.Match(req.Host) {
		return false
	}

	if len(cr.paths) > 0 && req.Path != "" {
		matched := false
		for _, p := range cr.paths {
			if p.Match(req.Path) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(cr.rule.Methods) > 0 && req.Method != "" {
		matched := false
		for _, m := range cr.rule.Methods {
			if m == req.Method {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if req.IsGRPC && cr.rule.GRPC != nil {
		if !grpcmatch.Match(*cr.rule.GRPC, req.GRPCService, req.GRPCMethod) {
			return false
		}
	}

	return true
}
