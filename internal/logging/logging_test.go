// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestWithComponentPrefixesLines(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	l := New(cfg).WithComponent("tunnel")

	l.Info("connect accepted", "host", "api.openai.com")

	out := buf.String()
	if !strings.Contains(out, "tunnel") {
		t.Errorf("expected component prefix in output, got %q", out)
	}
	if !strings.Contains(out, "api.openai.com") {
		t.Errorf("expected key/value in output, got %q", out)
	}
}

func TestSetDefaultIsObservedByPackageFuncs(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	SetDefault(New(cfg).WithComponent("pipeline"))
	defer SetDefault(New(DefaultConfig()))

	Info("decision", "allowed", true)

	if !strings.Contains(buf.String(), "decision") {
		t.Errorf("expected package-level Info to use the default logger, got %q", buf.String())
	}
}
