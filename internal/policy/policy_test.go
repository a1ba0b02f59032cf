// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package policy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileRejectsDuplicateIDs(t *testing.T) {
	_, err := Compile([]Rule{
		{ID: "a", Domain: "example.com"},
		{ID: "a", Domain: "other.com"},
	}, "deny")
	require.Error(t, err)
}

func TestCompileRejectsBadDefaultAction(t *testing.T) {
	_, err := Compile(nil, "sometimes")
	require.Error(t, err)
}

func TestFirstMatchWins(t *testing.T) {
	snap, err := Compile([]Rule{
		{ID: "specific", Domain: "api.example.com"},
		{ID: "wildcard", Domain: "*.example.com"},
	}, "deny")
	require.NoError(t, err)

	d := snap.Match(Request{Host: "api.example.com"})
	require.True(t, d.Allowed)
	require.Equal(t, "specific", d.MatchedRuleID)
}

func TestDefaultActionFallback(t *testing.T) {
	snap, err := Compile([]Rule{{ID: "a", Domain: "example.com"}}, "deny")
	require.NoError(t, err)

	d := snap.Match(Request{Host: "unrelated.com"})
	require.False(t, d.Allowed)
}

func TestDisabledRuleNeverMatches(t *testing.T) {
	no := false
	snap, err := Compile([]Rule{{ID: "a", Domain: "example.com", Enabled: &no}}, "deny")
	require.NoError(t, err)

	d := snap.Match(Request{Host: "example.com"})
	require.False(t, d.Allowed)
}

func TestPathAndMethodRestriction(t *testing.T) {
	snap, err := Compile([]Rule{
		{ID: "a", Domain: "example.com", Paths: []string{"/v1/**"}, Methods: []string{"GET"}},
	}, "deny")
	require.NoError(t, err)

	require.True(t, snap.Match(Request{Host: "example.com", Path: "/v1/models", Method: "GET"}).Allowed)
	require.False(t, snap.Match(Request{Host: "example.com", Path: "/v2/models", Method: "GET"}).Allowed)
	require.False(t, snap.Match(Request{Host: "example.com", Path: "/v1/models", Method: "POST"}).Allowed)
}

func TestClientIPRestrictionAndExclude(t *testing.T) {
	snap, err := Compile([]Rule{
		{ID: "a", Domain: "example.com", ClientIPs: []string{"10.0.0.0/8"}, ExcludeClientIPs: []string{"10.0.0.5/32"}},
	}, "deny")
	require.NoError(t, err)

	require.True(t, snap.Match(Request{Host: "example.com", SourceIP: net.ParseIP("10.0.0.1")}).Allowed)
	require.False(t, snap.Match(Request{Host: "example.com", SourceIP: net.ParseIP("10.0.0.5")}).Allowed)
	require.False(t, snap.Match(Request{Host: "example.com", SourceIP: net.ParseIP("192.168.1.1")}).Allowed)
}

func TestRuleWithClientIPsDoesNotMatchUnknownSource(t *testing.T) {
	snap, err := Compile([]Rule{
		{ID: "a", Domain: "example.com", ClientIPs: []string{"10.0.0.0/8"}},
	}, "deny")
	require.NoError(t, err)

	require.False(t, snap.Match(Request{Host: "example.com"}).Allowed)
}
