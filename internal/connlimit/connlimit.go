// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package connlimit implements the per-IP and global connection gate
// (component C6, design §4.7): a request is admitted only if both the
// global count and the requesting IP's own count are under their
// configured caps. Release is idempotent so a double-close can never
// under-count.
package connlimit

import "sync"

// Config holds the gate's caps. A zero value for either field means "no
// cap" on that dimension.
type Config struct {
	MaxGlobal   int
	MaxPerIP    int
}

// Gate tracks active connection counts per client IP and overall.
type Gate struct {
	mu     sync.Mutex
	cfg    Config
	byIP   map[string]int
	global int
}

// New constructs a Gate from cfg.
func New(cfg Config) *Gate {
	return &Gate{cfg: cfg, byIP: make(map[string]int)}
}

// Token represents one admitted connection slot. Release must be called
// exactly once; calling it more than once is a safe no-op.
type Token struct {
	gate     *Gate
	ip       string
	released bool
}

// Acquire attempts to admit a new connection from ip. ok is false if
// either the global or per-IP cap would be exceeded; in that case the
// returned Token is nil and must not be released.
func (g *Gate) Acquire(ip string) (tok *Token, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.MaxGlobal > 0 && g.global >= g.cfg.MaxGlobal {
		return nil, false
	}
	if g.cfg.MaxPerIP > 0 && g.byIP[ip] >= g.cfg.MaxPerIP {
		return nil, false
	}

	g.global++
	g.byIP[ip]++
	return &Token{gate: g, ip: ip}, true
}

// Release frees the connection slot held by tok. Safe to call multiple
// times or on a nil Token.
func (t *Token) Release() {
	if t == nil || t.released {
		return
	}
	t.released = true

	g := t.gate
	g.mu.Lock()
	defer g.mu.Unlock()

	g.global--
	g.byIP[t.ip]--
	if g.byIP[t.ip] <= 0 {
		delete(g.byIP, t.ip)
	}
}

// Stats is a snapshot of the gate's current occupancy, for /stats.
type Stats struct {
	Global int
	PerIP  map[string]int
}

// Snapshot returns a copy of the gate's current counts.
func (g *Gate) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	byIP := make(map[string]int, len(g.byIP))
	for k, v := range g.byIP {
		byIP[k] = v
	}
	return Stats{Global: g.global, PerIP: byIP}
}
