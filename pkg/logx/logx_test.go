package logx

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

// setupTestLogger redirects all loggers to a bytes.Buffer.
func setupTestLogger() *bytes.Buffer {
	var buf bytes.Buffer
	logWriterLock.Lock()
	logWriter = &buf
	logWriterLock.Unlock()
	return &buf
}

func resetTestLogger() {
	logWriterLock.Lock()
	logWriter = nil
	logWriterLock.Unlock()
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("claude")

	if logger.Name() != "claude" {
		t.Errorf("Expected name 'claude', got '%s'", logger.Name())
	}
}

func TestLogFormat(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	logger := NewLogger("claude")
	logger.Info("Test message with %s", "formatting")

	output := buf.String()

	if !strings.Contains(output, "[claude]") {
		t.Errorf("Expected agent name in output, got: %s", output)
	}

	if !strings.Contains(output, "INFO") {
		t.Errorf("Expected log level in output, got: %s", output)
	}

	if !strings.Contains(output, "Test message with formatting") {
		t.Errorf("Expected formatted message in output, got: %s", output)
	}

	if !strings.Contains(output, "T") || !strings.Contains(output, "Z") {
		t.Errorf("Expected ISO timestamp in output, got: %s", output)
	}
}

func TestLogLevels(t *testing.T) {
	logger := NewLogger("claude")

	tests := []struct {
		level    Level
		logFunc  func(string, ...any)
		expected string
	}{
		{LevelDebug, logger.Debug, "DEBUG"},
		{LevelInfo, logger.Info, "INFO"},
		{LevelWarn, logger.Warn, "WARN"},
		{LevelError, logger.Error, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			buf := setupTestLogger()
			defer resetTestLogger()

			if tt.level == LevelDebug {
				SetDebug(true, nil)
				defer SetDebug(false, nil)
			}

			tt.logFunc("test message")

			output := buf.String()
			if !strings.Contains(output, tt.expected) {
				t.Errorf("Expected level '%s' in output, got: %s", tt.expected, output)
			}
		})
	}
}

func TestDebugDisabledByDefault(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	SetDebug(false, nil)
	logger := NewLogger("claude")
	logger.Debug("should not appear")

	if buf.Len() != 0 {
		t.Errorf("Expected no output with debug disabled, got: %s", buf.String())
	}
}

func TestDebugDomains(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	SetDebug(true, []string{"inbound"})
	defer SetDebug(false, nil)

	logger := NewLogger("claude")
	logger.DebugDomain("inbound", "visible %d", 1)
	logger.DebugDomain("coord", "hidden")

	output := buf.String()
	if !strings.Contains(output, "visible 1") {
		t.Errorf("Expected inbound domain message, got: %s", output)
	}
	if strings.Contains(output, "hidden") {
		t.Errorf("Expected coord domain message filtered, got: %s", output)
	}

	if !IsDebugEnabledForDomain("inbound") {
		t.Error("Expected inbound domain enabled")
	}
	if IsDebugEnabledForDomain("coord") {
		t.Error("Expected coord domain disabled")
	}
}

func TestWithName(t *testing.T) {
	original := NewLogger("claude")
	derived := original.WithName("gemini")

	if derived.Name() != "gemini" {
		t.Errorf("Expected derived name 'gemini', got '%s'", derived.Name())
	}

	if original.Name() != "claude" {
		t.Errorf("Expected original name unchanged, got '%s'", original.Name())
	}

	buf := setupTestLogger()
	defer resetTestLogger()

	original.Info("test1")
	derived.Info("test2")

	output := buf.String()
	if !strings.Contains(output, "[claude]") {
		t.Error("Expected original logger to work")
	}
	if !strings.Contains(output, "[gemini]") {
		t.Error("Expected derived logger to work")
	}
}

func TestMultipleAgents(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	claude := NewLogger("claude")
	gemini := NewLogger("gemini")

	claude.Info("Holding dispatch")
	gemini.Info("Posting proposal")

	output := buf.String()
	lines := strings.Split(strings.TrimSpace(output), "\n")

	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d", len(lines))
	}

	if !strings.Contains(lines[0], "[claude]") {
		t.Errorf("Expected first line to contain [claude], got: %s", lines[0])
	}

	if !strings.Contains(lines[1], "[gemini]") {
		t.Errorf("Expected second line to contain [gemini], got: %s", lines[1])
	}
}

func TestTimestampFormat(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	logger := NewLogger("claude")
	logger.Info("timestamp test")

	output := buf.String()

	start := strings.Index(output, "[")
	end := strings.Index(output, "]")

	if start == -1 || end == -1 || end <= start {
		t.Fatalf("Could not find timestamp in output: %s", output)
	}

	timestamp := output[start+1 : end]

	_, err := time.Parse("2006-01-02T15:04:05.000Z", timestamp)
	if err != nil {
		t.Errorf("Invalid timestamp format '%s': %v", timestamp, err)
	}
}

func TestErrorfReturnsError(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	err := Errorf("claim failed for %s", "msg-1")
	if err == nil {
		t.Fatal("Expected error back from Errorf")
	}
	if err.Error() != "claim failed for msg-1" {
		t.Errorf("Unexpected error text: %s", err.Error())
	}
	if !strings.Contains(buf.String(), "claim failed for msg-1") {
		t.Errorf("Expected error logged, got: %s", buf.String())
	}
}

func TestWrap(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	if Wrap(nil, "no-op") != nil {
		t.Error("Expected nil wrap of nil error")
	}

	inner := Errorf("connection reset")
	buf.Reset()

	wrapped := Wrap(inner, "store open")
	if wrapped == nil {
		t.Fatal("Expected wrapped error")
	}
	if wrapped.Error() != "store open: connection reset" {
		t.Errorf("Unexpected wrapped text: %s", wrapped.Error())
	}
	if !strings.Contains(buf.String(), "store open: connection reset") {
		t.Errorf("Expected wrap logged, got: %s", buf.String())
	}
}
