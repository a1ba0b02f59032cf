// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package audit implements the decision-record and counter sink the
// request pipeline emits to (component C13 in the design). It always logs
// through the structured logger, and optionally appends JSON-lines
// records to a file when one is configured.
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"grimm.is/warden/internal/logging"
)

// Decision is the outcome of a single pipeline evaluation.
type Decision struct {
	Timestamp          time.Time `json:"timestamp"`
	Allowed            bool      `json:"allowed"`
	MatchedRuleID      string    `json:"matched_rule_id,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	Host               string    `json:"host,omitempty"`
	Path               string    `json:"path,omitempty"`
	Method             string    `json:"method,omitempty"`
	SourceIP           string    `json:"source_ip,omitempty"`
	RateLimitRemaining *float64  `json:"rate_limit_remaining,omitempty"`
	RetryAfterMs       *int64    `json:"retry_after_ms,omitempty"`
}

// Sink is the contract the pipeline (C11) and the connection handlers
// (C8/C9/C10) push observability events through. A sink is free to buffer,
// batch, or drop oldest under pressure; it must never block the hot path
// beyond a bounded enqueue.
type Sink interface {
	Audit(d Decision)
	RecordRequest(allowed bool, ruleID string)
	RecordBytes(direction string, n int64)
	RecordRateLimitHit(ruleID string)
	RecordError(kind string)
	IncActiveConnections(kind string)
	DecActiveConnections(kind string)
}

// Counters is a snapshot of the sink's running totals, used by the admin
// /stats endpoint.
type Counters struct {
	Allowed           int64            `json:"allowed"`
	Denied            int64            `json:"denied"`
	RateLimited       int64            `json:"rate_limited"`
	Errors            map[string]int64 `json:"errors"`
	BytesUp           int64            `json:"bytes_up"`
	BytesDown         int64            `json:"bytes_down"`
	ActiveConnections map[string]int64 `json:"active_connections"`
}

// Logger is the default Sink implementation: it logs every event through
// the structured logger, keeps in-memory counters, and optionally appends
// JSON-lines records to a file.
type Logger struct {
	logger *logging.Logger

	mu       sync.Mutex
	file     *os.File
	counters Counters
}

// NewLogger creates a Logger. filePath may be empty, in which case no
// file destination is written and only structured log lines are emitted.
func NewLogger(logger *logging.Logger, filePath string) (*Logger, error) {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	l := &Logger{
		logger: logger.WithComponent("audit"),
		counters: Counters{
			Errors:            make(map[string]int64),
			ActiveConnections: make(map[string]int64),
		},
	}
	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		l.file = f
	}
	return l, nil
}

// Close releases the underlying file handle, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Audit records a pipeline decision.
func (l *Logger) Audit(d Decision) {
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}

	if d.Allowed {
		l.logger.Info("decision",
			"allowed", true,
			"rule", d.MatchedRuleID,
			"host", d.Host,
			"path", d.Path,
			"method", d.Method,
			"source_ip", d.SourceIP,
		)
	} else {
		l.logger.Warn("decision",
			"allowed", false,
			"reason", d.Reason,
			"host", d.Host,
			"path", d.Path,
			"method", d.Method,
			"source_ip", d.SourceIP,
		)
	}

	l.mu.Lock()
	if d.Allowed {
		l.counters.Allowed++
	} else {
		l.counters.Denied++
	}
	l.mu.Unlock()

	l.writeLine(d)
}

func (l *Logger) writeLine(d Decision) {
	l.mu.Lock()
	f := l.file
	l.mu.Unlock()
	if f == nil {
		return
	}
	data, err := json.Marshal(d)
	if err != nil {
		l.logger.Error("failed to marshal audit record", "error", err)
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		l.logger.Error("failed to write audit record", "error", err)
	}
}

// RecordRequest increments the allow/deny counters independent of Audit,
// used by callers (like the rate limiter) that don't have a full Decision.
func (l *Logger) RecordRequest(allowed bool, ruleID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if allowed {
		l.counters.Allowed++
	} else {
		l.counters.Denied++
	}
}

// RecordBytes adds n bytes transferred in the given direction ("up" or
// "down") to the running total.
func (l *Logger) RecordBytes(direction string, n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch direction {
	case "up":
		l.counters.BytesUp += n
	case "down":
		l.counters.BytesDown += n
	}
}

// RecordRateLimitHit records a 429 for ruleID.
func (l *Logger) RecordRateLimitHit(ruleID string) {
	l.logger.Warn("rate limited", "rule", ruleID)
	l.mu.Lock()
	l.counters.RateLimited++
	l.mu.Unlock()
}

// RecordError increments the error counter for kind (one of perr.Kind's
// String() values).
func (l *Logger) RecordError(kind string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters.Errors[kind]++
}

// IncActiveConnections increments the active-connection gauge for kind
// ("tunnel", "mitm", "forward").
func (l *Logger) IncActiveConnections(kind string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters.ActiveConnections[kind]++
}

// DecActiveConnections decrements the active-connection gauge for kind.
func (l *Logger) DecActiveConnections(kind string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters.ActiveConnections[kind]--
}

// Snapshot returns a copy of the current counters for /stats.
func (l *Logger) Snapshot() Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	errs := make(map[string]int64, len(l.counters.Errors))
	for k, v := range l.counters.Errors {
		errs[k] = v
	}
	conns := make(map[string]int64, len(l.counters.ActiveConnections))
	for k, v := range l.counters.ActiveConnections {
		conns[k] = v
	}
	return Counters{
		Allowed:           l.counters.Allowed,
		Denied:            l.counters.Denied,
		RateLimited:       l.counters.RateLimited,
		Errors:            errs,
		BytesUp:           l.counters.BytesUp,
		BytesDown:         l.counters.BytesDown,
		ActiveConnections: conns,
	}
}

var _ Sink = (*Logger)(nil)
