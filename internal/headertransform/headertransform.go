// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package headertransform implements the request/response header
// transform described in design §4.12: rename, remove, then set, applied
// in that order, with a small fixed set of "${...}" substitutions. This is
// a hand-rolled string builder rather than a general template engine,
// since the token set is closed and known ahead of time.
package headertransform

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Transform is a single rule's header rewrite instructions, applied in
// the fixed order rename -> remove -> set.
type Transform struct {
	Rename map[string]string // case-insensitive source key -> destination key
	Remove []string          // case-insensitive keys to delete
	Set    map[string]string // key -> value template, evaluated after rename/remove
}

// Vars holds the substitution values available to "set" templates.
type Vars struct {
	ClientIP  string
	RuleID    string
	Host      string
	Path      string
	Method    string
	RequestID string
	Timestamp time.Time
}

// Apply mutates h in place according to t, in rename -> remove -> set
// order. A nil Transform is a no-op.
func Apply(h http.Header, t *Transform, vars Vars) {
	if t == nil {
		return
	}

	for from, to := range t.Rename {
		values, ok := lookupAndDelete(h, from)
		if !ok {
			continue
		}
		// Adding during rename preserves any existing value under the
		// destination key rather than overwriting it.
		for _, v := range values {
			h.Add(to, v)
		}
	}

	for _, key := range t.Remove {
		deleteCaseInsensitive(h, key)
	}

	for key, tmpl := range t.Set {
		h.Set(key, substitute(tmpl, vars))
	}
}

func lookupAndDelete(h http.Header, key string) ([]string, bool) {
	canon := http.CanonicalHeaderKey(key)
	if v, ok := h[canon]; ok {
		delete(h, canon)
		return v, true
	}
	// http.Header values are usually already canonical, but a transform
	// may be authored with an unusual case; fall back to a scan.
	for k, v := range h {
		if strings.EqualFold(k, key) {
			delete(h, k)
			return v, true
		}
	}
	return nil, false
}

func deleteCaseInsensitive(h http.Header, key string) {
	canon := http.CanonicalHeaderKey(key)
	if _, ok := h[canon]; ok {
		delete(h, canon)
		return
	}
	for k := range h {
		if strings.EqualFold(k, key) {
			delete(h, k)
		}
	}
}

func substitute(tmpl string, v Vars) string {
	r := strings.NewReplacer(
		"${clientIp}", v.ClientIP,
		"${ruleId}", v.RuleID,
		"${timestamp}", strconv.FormatInt(v.Timestamp.UnixMilli(), 10),
		"${host}", v.Host,
		"${path}", v.Path,
		"${method}", v.Method,
		"${requestId}", v.RequestID,
	)
	return r.Replace(tmpl)
}
