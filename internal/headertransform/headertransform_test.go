// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package headertransform

import (
	"net/http"
	"testing"
	"time"
)

func TestRenamePreservesDestinationValue(t *testing.T) {
	h := http.Header{}
	h.Add("X-Old", "v1")
	h.Add("X-New", "existing")

	Apply(h, &Transform{Rename: map[string]string{"X-Old": "X-New"}}, Vars{})

	got := h.Values("X-New")
	if len(got) != 2 {
		t.Fatalf("expected rename to add to X-New, got %v", got)
	}
}

func TestRemove(t *testing.T) {
	h := http.Header{}
	h.Set("X-Secret", "shh")

	Apply(h, &Transform{Remove: []string{"x-secret"}}, Vars{})

	if h.Get("X-Secret") != "" {
		t.Error("expected X-Secret to be removed case-insensitively")
	}
}

func TestSetOverwritesAndSubstitutes(t *testing.T) {
	h := http.Header{}
	h.Set("X-Forwarded-For", "stale")

	ts := time.UnixMilli(1700000000000)
	Apply(h, &Transform{
		Set: map[string]string{"X-Forwarded-For": "${clientIp}", "X-Rule": "${ruleId}"},
	}, Vars{ClientIP: "1.2.3.4", RuleID: "openai", Timestamp: ts})

	if h.Get("X-Forwarded-For") != "1.2.3.4" {
		t.Errorf("expected overwrite, got %q", h.Get("X-Forwarded-For"))
	}
	if h.Get("X-Rule") != "openai" {
		t.Errorf("expected openai, got %q", h.Get("X-Rule"))
	}
}

func TestOrderRenameThenRemoveThenSet(t *testing.T) {
	h := http.Header{}
	h.Set("X-A", "1")

	Apply(h, &Transform{
		Rename: map[string]string{"X-A": "X-B"},
		Remove: []string{"X-B"},
		Set:    map[string]string{"X-B": "final"},
	}, Vars{})

	if h.Get("X-B") != "final" {
		t.Errorf("expected set to win after rename+remove, got %q", h.Get("X-B"))
	}
	if h.Get("X-A") != "" {
		t.Error("expected X-A to be gone after rename")
	}
}
