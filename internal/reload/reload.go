// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reload watches a policy file for changes and republishes a
// freshly compiled *policy.Snapshot behind an atomic pointer (component
// C12, design §4.13). Writes to the file are debounced by 300ms so an
// editor's multi-event save sequence produces one reload, not several.
package reload

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"grimm.is/warden/internal/logging"
	"grimm.is/warden/internal/policy"
	"grimm.is/warden/internal/policyconfig"
)

const debounce = 300 * time.Millisecond

// Manager owns the current snapshot pointer and, when watching, the
// filesystem watcher and debounce timer driving its replacement.
type Manager struct {
	path string
	snap atomic.Pointer[policy.Snapshot]

	logger *logging.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	timer   *time.Timer
	done    chan struct{}
}

// New loads path once and returns a Manager serving that initial
// snapshot. Call Watch to start reacting to file changes.
func New(path string, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Manager{path: path, logger: logger.WithComponent("reload")}
	snap, err := policyconfig.LoadSnapshot(path)
	if err != nil {
		return nil, err
	}
	m.snap.Store(snap)
	return m, nil
}

// Current returns the currently active snapshot. Safe for concurrent use
// from any number of goroutines; satisfies pipeline.SnapshotSource.
func (m *Manager) Current() *policy.Snapshot {
	return m.snap.Load()
}

// Watch starts an fsnotify watch on the policy file's directory (files
// are watched by directory since editors commonly replace a file via
// rename rather than in-place write). Each write/create/rename event
// resets a 300ms debounce timer; ForceReload cancels any pending timer
// and reloads immediately.
func (m *Manager) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := dirOf(m.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	m.mu.Lock()
	m.watcher = w
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.watchLoop(w)
	return nil
}

func (m *Manager) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !sameFile(ev.Name, m.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			m.scheduleReload()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Warn("watch error", "error", err)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) scheduleReload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(debounce, m.reload)
}

func (m *Manager) reload() {
	snap, err := policyconfig.LoadSnapshot(m.path)
	if err != nil {
		m.logger.Error("reload failed, keeping previous snapshot", "error", err)
		return
	}
	m.snap.Store(snap)
	m.logger.Info("policy reloaded")
}

// ForceReload cancels any pending debounce timer and reloads
// synchronously, reporting the error if the load failed (the previous
// snapshot remains active in that case).
func (m *Manager) ForceReload() error {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()

	snap, err := policyconfig.LoadSnapshot(m.path)
	if err != nil {
		m.logger.Error("force reload failed, keeping previous snapshot", "error", err)
		return err
	}
	m.snap.Store(snap)
	m.logger.Info("policy force-reloaded")
	return nil
}

// Close stops the watcher and any pending debounce timer.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.watcher != nil {
		close(m.done)
		return m.watcher.Close()
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func sameFile(a, b string) bool {
	return baseOf(a) == baseOf(b)
}

func baseOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
