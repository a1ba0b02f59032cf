// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pathmatch

import "testing"

func mustMatch(t *testing.T, glob, path string, want bool) {
	t.Helper()
	m, err := Compile(glob)
	if err != nil {
		t.Fatalf("Compile(%q): %v", glob, err)
	}
	if got := m.Match(path); got != want {
		t.Errorf("Compile(%q).Match(%q) = %v, want %v", glob, path, got, want)
	}
}

func TestSingleSegmentStar(t *testing.T) {
	mustMatch(t, "/v1/*", "/v1/models", true)
	mustMatch(t, "/v1/*", "/v1/models/extra", false)
}

func TestDoubleStarAnySegments(t *testing.T) {
	mustMatch(t, "/v1/**", "/v1", true)
	mustMatch(t, "/v1/**", "/v1/a", true)
	mustMatch(t, "/v1/**", "/v1/a/b", true)
	mustMatch(t, "**/admin", "/admin", true)
	mustMatch(t, "**/admin", "/x/y/admin", true)
	mustMatch(t, "/a/**/b", "/a/b", true)
	mustMatch(t, "/a/**/b", "/a/x/b", true)
	mustMatch(t, "/a/**/b", "/a/x/y/b", true)
	mustMatch(t, "**", "/anything/at/all", true)
}

func TestQuestionMark(t *testing.T) {
	mustMatch(t, "/v?/models", "/v1/models", true)
	mustMatch(t, "/v?/models", "/v12/models", false)
}

func TestCaseInsensitive(t *testing.T) {
	mustMatch(t, "/V1/Models", "/v1/models", true)
}

func TestLeadingSlashSignificant(t *testing.T) {
	mustMatch(t, "/v1/models", "v1/models", false)
}
