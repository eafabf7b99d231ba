// Package logging tests for structured logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
)

// logEntry mirrors the JSON layout produced by the zap encoder.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error"`
	Context   map[string]interface{} `json:"context"`
}

func decodeLine(t *testing.T, line string) logEntry {
	t.Helper()
	var entry logEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("Output is not valid JSON: %v (%q)", err, line)
	}
	return entry
}

func resetGlobal() {
	global = nil
	once = *new(sync.Once)
}

// =====================================================
// Logger Creation and Initialization Tests
// =====================================================

// TestInit verifies logger initialization.
func TestInit(t *testing.T) {
	resetGlobal()
	var buf bytes.Buffer
	Init(&buf, LevelInfo)

	logger := Get()
	if logger == nil {
		t.Fatal("Get() returned nil after Init()")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("minLevel = %v, want LevelInfo", logger.minLevel)
	}

	logger.Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Error("Init() did not route output to the given writer")
	}
}

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	resetGlobal()

	var buf1 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()

	var buf2 bytes.Buffer
	Init(&buf2, LevelDebug)

	if Get() != first {
		t.Error("Second Init() should be ignored, different logger returned")
	}
}

// TestParseLevel verifies configuration parsing.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{" WARN ", LevelWarn},
		{"error", LevelError},
		{"info", LevelInfo},
		{"PRODUCTION", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// =====================================================
// Entry Format Tests
// =====================================================

// TestLogger_Info verifies info entries carry message and context.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo, FormatJSON)

	logger.Info("flush completed", map[string]interface{}{"user_id": "u1", "replayed": 3})

	entry := decodeLine(t, strings.TrimSpace(buf.String()))
	if entry.Level != "INFO" {
		t.Errorf("Level = %q, want INFO", entry.Level)
	}
	if entry.Message != "flush completed" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.Context["user_id"] != "u1" {
		t.Errorf("user_id = %v, want u1", entry.Context["user_id"])
	}
	if entry.Timestamp == "" {
		t.Error("Timestamp should be set")
	}
}

// TestLogger_Error verifies the error field.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo, FormatJSON)

	logger.Error("replay failed", io.ErrUnexpectedEOF)

	entry := decodeLine(t, strings.TrimSpace(buf.String()))
	if entry.Level != "ERROR" {
		t.Errorf("Level = %q, want ERROR", entry.Level)
	}
	if entry.Error != io.ErrUnexpectedEOF.Error() {
		t.Errorf("Error = %q", entry.Error)
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo, FormatJSON)

	original := map[string]interface{}{"field": "name"}
	logger.ErrorWithCode("validation failed", "VAL001", io.ErrUnexpectedEOF, original)

	entry := decodeLine(t, strings.TrimSpace(buf.String()))
	if entry.Context["error_code"] != "VAL001" {
		t.Errorf("error_code = %v, want VAL001", entry.Context["error_code"])
	}
	if entry.Context["field"] != "name" {
		t.Errorf("field = %v, want name", entry.Context["field"])
	}
	if _, leaked := original["error_code"]; leaked {
		t.Error("ErrorWithCode() must not mutate the caller's map")
	}
}

// TestLogger_Named verifies the component key.
func TestLogger_Named(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo, FormatJSON).Named("orchestrator")

	logger.Info("started")

	entry := decodeLine(t, strings.TrimSpace(buf.String()))
	if entry.Component != "orchestrator" {
		t.Errorf("Component = %q, want orchestrator", entry.Component)
	}
}

// =====================================================
// Log Level Filtering Tests
// =====================================================

// TestLogger_filtering verifies minimum level filtering.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn, FormatJSON)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Errorf("Expected 2 log lines, got %d", len(lines))
	}
}

// TestMergeContext verifies several context maps are merged.
func TestMergeContext(t *testing.T) {
	if mergeContext() != nil {
		t.Error("mergeContext() with no maps should be nil")
	}

	merged := mergeContext(map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})
	if len(merged) != 2 {
		t.Errorf("merged len = %d, want 2", len(merged))
	}
}

// TestConsoleFormat verifies the console encoder is selectable.
func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo, FormatConsole)

	logger.Info("console line")

	out := buf.String()
	if !strings.Contains(out, " | ") || !strings.Contains(out, "console line") {
		t.Errorf("unexpected console output: %q", out)
	}
}

// TestGlobalErrorWithCode verifies global ErrorWithCode function.
func TestGlobalErrorWithCode(t *testing.T) {
	resetGlobal()
	var buf bytes.Buffer
	Init(&buf, LevelInfo)

	ErrorWithCode("error occurred", "ERR001", io.ErrUnexpectedEOF)

	output := buf.String()
	if !strings.Contains(output, "error_code") || !strings.Contains(output, "ERR001") {
		t.Errorf("Output should contain the error code, got %q", output)
	}
}
