package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestComponentLoggerAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&buf, "info", "json")
	NewComponentLogger(base, "tenant_cache").Info("tenant_cache_refreshed")

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if line["component"] != "tenant_cache" {
		t.Fatalf("expected component attr, got %v", line["component"])
	}
}

func TestTextFormatIsDefault(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, "info", "yaml").Info("hello")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Fatalf("expected text handler output, got %q", buf.String())
	}
}
