// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pipeline implements the canonical request-evaluation sequence
// (component C11, design §4.12) shared by the tunnel, MITM, and
// forward-proxy front ends: load the current policy snapshot, match the
// request, consume a rate-limit token on a match, emit an audit record,
// and report the header transforms the caller should apply.
package pipeline

import (
	"net/http"

	"grimm.is/warden/internal/audit"
	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/headertransform"
	"grimm.is/warden/internal/perr"
	"grimm.is/warden/internal/policy"
	"grimm.is/warden/internal/ratelimit"
)

// SnapshotSource supplies the currently active policy snapshot. It is
// satisfied by an atomic.Pointer[policy.Snapshot]-backed reload manager
// (internal/reload) as well as by a fixed Snapshot for tests.
type SnapshotSource interface {
	Current() *policy.Snapshot
}

// Pipeline wires a snapshot source to a rate limiter and an audit sink.
type Pipeline struct {
	Snapshots SnapshotSource
	Limiter   *ratelimit.Limiter
	Audit     audit.Sink
	RequestID func() string // optional; defaults to "" if nil
}

// Outcome is the result of evaluating a request: whether it is admitted,
// the error to surface if not, the matched rule id (if any), and the
// header transforms to apply on each side of the forwarded request.
type Outcome struct {
	Allowed         bool
	Err             error
	MatchedRuleID   string
	RequestHeaders  *headertransform.Transform
	ResponseHeaders *headertransform.Transform
	Vars            headertransform.Vars
}

// Evaluate runs req through the pipeline: match, then (if matched and
// rate-limited) consume a token, emitting one audit Decision regardless
// of outcome.
func (p *Pipeline) Evaluate(req policy.Request) Outcome {
	snap := p.Snapshots.Current()
	decision := snap.Match(req)

	vars := headertransform.Vars{
		Host:      req.Host,
		Path:      req.Path,
		Method:    req.Method,
		Timestamp: clock.Now(),
	}
	if req.SourceIP != nil {
		vars.ClientIP = req.SourceIP.String()
	}
	if p.RequestID != nil {
		vars.RequestID = p.RequestID()
	}
	vars.RuleID = decision.MatchedRuleID

	out := Outcome{Allowed: decision.Allowed, MatchedRuleID: decision.MatchedRuleID, Vars: vars}

	if !decision.Allowed {
		out.Err = denyError(req, decision)
		p.auditDecision(req, decision, out.Err)
		return out
	}

	rule, ok := snap.Rule(decision.MatchedRuleID)
	if ok {
		out.RequestHeaders = rule.RequestHeaders
		out.ResponseHeaders = rule.ResponseHeaders

		if rule.RateLimit != nil && p.Limiter != nil {
			clientIP := ""
			if req.SourceIP != nil {
				clientIP = req.SourceIP.String()
			}
			res := p.Limiter.Consume(rule.ID, clientIP, ratelimit.Config{
				RequestsPerMinute: rule.RateLimit.RequestsPerMinute,
				Burst:             rule.RateLimit.Burst,
			})
			if !res.Allowed {
				out.Allowed = false
				out.Err = perr.Attr(
					perr.Errorf(perr.KindRateLimited, "rate limit exceeded for rule %q", rule.ID),
					"retryAfterMs", res.RetryAfterMs,
				)
				p.auditRateLimited(req, rule.ID, res.RetryAfterMs)
				return out
			}
		}
	}

	p.auditDecision(req, decision, nil)
	return out
}

func denyError(req policy.Request, d policy.Decision) error {
	switch {
	case req.Path != "" && d.Reason == "":
		return perr.Errorf(perr.KindPathDenied, "path %q on host %q denied", req.Path, req.Host)
	default:
		return perr.Errorf(perr.KindDomainDenied, "host %q denied", req.Host)
	}
}

func (p *Pipeline) auditDecision(req policy.Request, d policy.Decision, err error) {
	if p.Audit == nil {
		return
	}
	reason := d.Reason
	if err != nil {
		reason = err.Error()
	}
	clientIP := ""
	if req.SourceIP != nil {
		clientIP = req.SourceIP.String()
	}
	p.Audit.Audit(audit.Decision{
		Timestamp:     clock.Now(),
		Allowed:       d.Allowed,
		MatchedRuleID: d.MatchedRuleID,
		Reason:        reason,
		Host:          req.Host,
		Path:          req.Path,
		Method:        req.Method,
		SourceIP:      clientIP,
	})
	// Audit already counts the allow/deny; only the error kind is added here.
	if !d.Allowed && err != nil {
		p.Audit.RecordError(perr.GetKind(err).String())
	}
}

func (p *Pipeline) auditRateLimited(req policy.Request, ruleID string, retryAfterMs int64) {
	if p.Audit == nil {
		return
	}
	clientIP := ""
	if req.SourceIP != nil {
		clientIP = req.SourceIP.String()
	}
	retry := retryAfterMs
	p.Audit.Audit(audit.Decision{
		Timestamp:          clock.Now(),
		Allowed:            false,
		MatchedRuleID:      ruleID,
		Reason:             "rate limited",
		Host:               req.Host,
		Path:               req.Path,
		Method:             req.Method,
		SourceIP:           clientIP,
		RetryAfterMs:       &retry,
	})
	p.Audit.RecordRateLimitHit(ruleID)
}

// ApplyRequestHeaders applies the matched rule's request-side header
// transform, a no-op if out carries none.
func (out Outcome) ApplyRequestHeaders(h http.Header) {
	headertransform.Apply(h, out.RequestHeaders, out.Vars)
}

// ApplyResponseHeaders applies the matched rule's response-side header
// transform, a no-op if out carries none.
func (out Outcome) ApplyResponseHeaders(h http.Header) {
	headertransform.Apply(h, out.ResponseHeaders, out.Vars)
}

// FixedSnapshot adapts a single, unchanging *policy.Snapshot to the
// SnapshotSource interface, for tests and for callers that don't need
// hot reload.
type FixedSnapshot struct {
	Snapshot *policy.Snapshot
}

// Current returns the fixed snapshot.
func (f FixedSnapshot) Current() *policy.Snapshot {
	return f.Snapshot
}
