package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		input     string
		want      slog.Level
		expectErr bool
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "INFO", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "warning", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "verbose", want: slog.LevelInfo, expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseLevel(tc.input)
			if tc.expectErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestNew_AutoFormatUsesJSONForBuffers(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(DefaultConfig(), &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Info("起動しました", "port", 8080)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "起動しました" {
		t.Errorf("Unexpected msg: %v", entry["msg"])
	}
}

func TestNew_TextAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "warn", Format: FormatText}, &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Info("表示されない")
	logger.Warn("警告")

	out := buf.String()
	if strings.Contains(out, "表示されない") {
		t.Error("Info should be filtered at warn level")
	}
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("Expected text output, got %q", out)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	var buf bytes.Buffer
	if _, err := New(Config{Level: "info", Format: "xml"}, &buf); err == nil {
		t.Error("Expected error for invalid format")
	}
	if _, err := New(Config{Level: "loud"}, &buf); err == nil {
		t.Error("Expected error for invalid level")
	}
}
