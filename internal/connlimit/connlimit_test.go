// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package connlimit

import "testing"

func TestPerIPCapEnforced(t *testing.T) {
	g := New(Config{MaxPerIP: 2})

	tok1, ok := g.Acquire("1.1.1.1")
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}
	tok2, ok := g.Acquire("1.1.1.1")
	if !ok {
		t.Fatal("expected second acquire to succeed")
	}
	if _, ok := g.Acquire("1.1.1.1"); ok {
		t.Fatal("expected third acquire to be denied by per-IP cap")
	}

	tok1.Release()
	if _, ok := g.Acquire("1.1.1.1"); !ok {
		t.Fatal("expected acquire to succeed after a release")
	}
	tok2.Release()
}

func TestGlobalCapEnforced(t *testing.T) {
	g := New(Config{MaxGlobal: 1})

	if _, ok := g.Acquire("1.1.1.1"); !ok {
		t.Fatal("expected first acquire to succeed")
	}
	if _, ok := g.Acquire("2.2.2.2"); ok {
		t.Fatal("expected second acquire to be denied by global cap despite different IP")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := New(Config{MaxPerIP: 1})
	tok, ok := g.Acquire("1.1.1.1")
	if !ok {
		t.Fatal("expected acquire to succeed")
	}
	tok.Release()
	tok.Release()

	stats := g.Snapshot()
	if stats.Global != 0 || len(stats.PerIP) != 0 {
		t.Errorf("expected counts to settle at zero, got %+v", stats)
	}
}

func TestZeroCapMeansUnlimited(t *testing.T) {
	g := New(Config{})
	for i := 0; i < 100; i++ {
		if _, ok := g.Acquire("1.1.1.1"); !ok {
			t.Fatalf("expected unlimited acquires, failed at %d", i)
		}
	}
}
