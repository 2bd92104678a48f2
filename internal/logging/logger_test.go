package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  LogLevel
	}{
		{"debug", "debug", LevelDebug},
		{"info", "info", LevelInfo},
		{"warn", "warn", LevelWarn},
		{"warning alias", "warning", LevelWarn},
		{"error", "error", LevelError},
		{"mixed case", "DeBuG", LevelDebug},
		{"whitespace", "  warn ", LevelWarn},
		{"unknown defaults to info", "loud", LevelInfo},
		{"empty defaults to info", "", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLevel(tt.value); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should be dropped")
	logger.Info("should be dropped")
	logger.Warn("should appear")
	logger.Error("should also appear")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("low-severity message leaked through: %q", out)
	}
	if !strings.Contains(out, "[WARN] should appear") {
		t.Errorf("warn message missing from output: %q", out)
	}
	if !strings.Contains(out, "[ERROR] should also appear") {
		t.Errorf("error message missing from output: %q", out)
	}
}

func TestKeyValueFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("queued", "direct", true, "io_id", 42)

	out := buf.String()
	if !strings.Contains(out, "queued direct=true io_id=42") {
		t.Errorf("key=value formatting wrong: %q", out)
	}
}

func TestFormatArgsOddCount(t *testing.T) {
	// A trailing key without a value is dropped rather than panicking.
	got := formatArgs([]any{"a", 1, "dangling"})
	if got != " a=1" {
		t.Errorf("formatArgs = %q, want \" a=1\"", got)
	}
}

func TestPrintfVariants(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Warnf("slow poll: %dms", 25)

	if !strings.Contains(buf.String(), "[WARN] slow poll: 25ms") {
		t.Errorf("printf formatting wrong: %q", buf.String())
	}
}

func TestSetDefault(t *testing.T) {
	old := Default()
	defer SetDefault(old)

	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("through the default")
	if !strings.Contains(buf.String(), "through the default") {
		t.Errorf("default logger did not receive message: %q", buf.String())
	}
}
