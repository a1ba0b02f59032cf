// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package reload

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const v1 = `{"defaultAction": "deny", "rules": [{"id": "a", "domain": "a.example.com"}]}`
const v2 = `{"defaultAction": "deny", "rules": [{"id": "b", "domain": "b.example.com"}]}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNewLoadsInitialSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.json")
	writeFile(t, path, v1)

	m, err := New(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Current().Rule("a"); !ok {
		t.Error("expected initial snapshot to contain rule a")
	}
}

func TestForceReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.json")
	writeFile(t, path, v1)

	m, err := New(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, v2)
	if err := m.ForceReload(); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Current().Rule("b"); !ok {
		t.Error("expected force-reloaded snapshot to contain rule b")
	}
}

func TestForceReloadKeepsOldSnapshotOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.json")
	writeFile(t, path, v1)

	m, err := New(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	writeFile(t, path, "{not valid json")
	if err := m.ForceReload(); err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
	if _, ok := m.Current().Rule("a"); !ok {
		t.Error("expected previous snapshot to remain active after a failed reload")
	}
}

func TestWatchDebouncesAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.json")
	writeFile(t, path, v1)

	m, err := New(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Watch(); err != nil {
		t.Skipf("fsnotify unavailable in this environment: %v", err)
	}
	defer m.Close()

	writeFile(t, path, v2)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Current().Rule("b"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Error("expected watched reload to pick up rule b within the deadline")
}
