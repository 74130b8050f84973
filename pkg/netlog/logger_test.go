package netlog

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WithWriter(&buf), WithLevel(LevelWarn), WithoutTimestamp())

	l.Debug("hidden %d", 1)
	l.Info("also hidden")
	l.Warn("shown %s", "warn")
	l.Error("shown error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("expected debug/info to be suppressed, got: %s", out)
	}
	if !strings.Contains(out, "shown warn") || !strings.Contains(out, "shown error") {
		t.Errorf("expected warn/error to be emitted, got: %s", out)
	}
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	l := Nop()
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x")
	l.Success("x")
}
