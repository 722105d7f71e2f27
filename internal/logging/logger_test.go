// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type logLine struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context"`
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []logLine {
	t.Helper()
	var out []logLine
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var line logLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			t.Fatalf("Output is not valid JSON: %v (%s)", err, raw)
		}
		out = append(out, line)
	}
	return out
}

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	SetGlobal(nil)
	once = *new(sync.Once)

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()

	Init(&buf2, LevelDebug)
	if Get() != first {
		t.Error("Second Init() should be ignored, different logger returned")
	}
	if first.out != &buf1 {
		t.Error("Init() did not set output writer correctly")
	}
}

// TestGet_default verifies default logger creation.
func TestGet_default(t *testing.T) {
	SetGlobal(nil)
	once = *new(sync.Once)

	logger := Get()
	if logger == nil {
		t.Fatal("Get() returned nil without Init()")
	}
	if logger.out != os.Stdout {
		t.Error("Get() should default to os.Stdout")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("minLevel = %v, want LevelInfo", logger.minLevel)
	}
}

// TestParseLevel verifies config string parsing.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{" warn ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// TestLogLevel_shouldLog verifies log level filtering.
func TestLogLevel_shouldLog(t *testing.T) {
	tests := []struct {
		name     string
		minLevel LogLevel
		logLevel LogLevel
		expected bool
	}{
		{"debug logs at debug", LevelDebug, LevelDebug, true},
		{"debug logs at info", LevelInfo, LevelDebug, false},
		{"info logs at warn", LevelWarn, LevelInfo, false},
		{"error logs at error", LevelError, LevelError, true},
		{"error logs at debug", LevelDebug, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(io.Discard, tt.minLevel)
			if got := logger.shouldLog(tt.logLevel); got != tt.expected {
				t.Errorf("shouldLog(%v) at minLevel %v = %v, want %v",
					tt.logLevel, tt.minLevel, got, tt.expected)
			}
		})
	}
}

// TestLogger_Info verifies the JSON envelope.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("record synced", map[string]interface{}{"collection": "attendance"})

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if lines[0].Level != "info" {
		t.Errorf("Level = %q, want 'info'", lines[0].Level)
	}
	if lines[0].Message != "record synced" {
		t.Errorf("Message = %q", lines[0].Message)
	}
	if lines[0].Timestamp == "" {
		t.Error("Timestamp should be set")
	}
	if lines[0].Context["collection"] != "attendance" {
		t.Errorf("Context['collection'] = %v", lines[0].Context["collection"])
	}
}

// TestLogger_Error verifies error logging.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Error("push failed", io.ErrUnexpectedEOF)

	lines := decodeLines(t, &buf)
	if lines[0].Level != "error" {
		t.Errorf("Level = %q, want 'error'", lines[0].Level)
	}
	if !strings.Contains(lines[0].Context["error"].(string), io.ErrUnexpectedEOF.Error()) {
		t.Errorf("error field should contain error details, got %v", lines[0].Context["error"])
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("validation failed", "VALIDATION_ERROR", io.ErrUnexpectedEOF,
		map[string]interface{}{"field": "student_id"})

	lines := decodeLines(t, &buf)
	if lines[0].Context["error_code"] != "VALIDATION_ERROR" {
		t.Errorf("error_code = %v", lines[0].Context["error_code"])
	}
	if lines[0].Context["field"] != "student_id" {
		t.Errorf("field = %v", lines[0].Context["field"])
	}
}

// TestLogger_filtering verifies minimum level filtering.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message", nil)

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d", len(lines))
	}
	if lines[0].Level != "warning" {
		t.Errorf("First log level = %q, want 'warning'", lines[0].Level)
	}
	if lines[1].Level != "error" {
		t.Errorf("Second log level = %q, want 'error'", lines[1].Level)
	}
}

// TestMergeContext verifies multiple context maps are merged.
func TestMergeContext(t *testing.T) {
	if mergeContext() != nil {
		t.Error("no contexts should merge to nil")
	}
	merged := mergeContext(
		map[string]interface{}{"a": 1, "b": 2},
		map[string]interface{}{"b": 3},
	)
	if merged["a"] != 1 || merged["b"] != 3 {
		t.Errorf("merged = %v", merged)
	}
}

// TestNewRotating verifies file output through the rotating writer.
func TestNewRotating(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schoolsync.log")
	logger := NewRotating(FileOptions{Path: path, MaxSizeMB: 1, MaxBackups: 1}, LevelInfo)

	logger.Info("written to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file missing entry: %s", data)
	}
}

// TestGlobalFunctions verifies package-level helpers use the global logger.
func TestGlobalFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetGlobal(New(&buf, LevelDebug))
	defer SetGlobal(nil)

	Debug("d")
	Info("i")
	Warn("w")
	Error("e", nil)
	ErrorWithCode("c", "ERR", io.EOF)

	if got := len(decodeLines(t, &buf)); got != 5 {
		t.Errorf("expected 5 lines, got %d", got)
	}
}
