package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":           slog.LevelInfo,
		"info":       slog.LevelInfo,
		"debug":      slog.LevelDebug,
		"dev":        slog.LevelDebug,
		"warn":       slog.LevelWarn,
		"production": slog.LevelError,
		"nonsense":   slog.LevelInfo,
	}
	for name, want := range tests {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", name, got, want)
		}
	}
}

func TestPionFactory(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	l := PionFactory{Logger: log}.NewLogger("ice")
	l.Debugf("hidden %d", 1)
	l.Tracef("hidden %d", 2)
	l.Warnf("candidate %s failed", "host")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("levels below info were logged: %s", out)
	}
	if !strings.Contains(out, "candidate host failed") || !strings.Contains(out, "pion=ice") || !strings.Contains(out, "level=WARN") {
		t.Errorf("output = %s", out)
	}
}
