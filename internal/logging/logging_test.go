package logging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/FocuswithJustin/pagecore/core/vfs"
)

// captureLogOutput captures log output for testing by temporarily
// redirecting the logger to write to a buffer
func captureLogOutput(f func()) string {
	var buf bytes.Buffer

	mu.Lock()
	oldLogger := defaultLogger
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	defaultLogger = slog.New(handler)
	mu.Unlock()

	f()

	mu.Lock()
	defaultLogger = oldLogger
	mu.Unlock()

	return buf.String()
}

// captureLogOutputWithInit captures output by reinitializing the logger
// to write to a buffer. This tests the actual InitLogger ReplaceAttr logic.
func captureLogOutputWithInit(level Level, format Format, f func()) string {
	var buf bytes.Buffer
	SetOutput(&buf)
	InitLogger(level, format)

	f()

	SetOutput(io.Discard)
	InitLogger(LevelInfo, FormatJSON)
	return buf.String()
}

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name   string
		level  Level
		format Format
	}{
		{name: "Debug level JSON format", level: LevelDebug, format: FormatJSON},
		{name: "Info level JSON format", level: LevelInfo, format: FormatJSON},
		{name: "Warn level JSON format", level: LevelWarn, format: FormatJSON},
		{name: "Error level JSON format", level: LevelError, format: FormatJSON},
		{name: "Info level Text format", level: LevelInfo, format: FormatText},
		{name: "Default level (invalid value)", level: Level(999), format: FormatJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			InitLogger(tt.level, tt.format)
			if GetLogger() == nil {
				t.Error("Expected logger to be initialized, got nil")
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("text"); err != nil || f != FormatText {
		t.Errorf("ParseFormat(text) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat(xml) should fail")
	}
}

func TestOperationID(t *testing.T) {
	ctx := WithOperationID(context.Background(), "op-123")
	if got := GetOperationID(ctx); got != "op-123" {
		t.Errorf("GetOperationID() = %q, want %q", got, "op-123")
	}
	if got := GetOperationID(context.Background()); got != "" {
		t.Errorf("GetOperationID() = %q, want empty", got)
	}
	wrong := context.WithValue(context.Background(), OperationIDKey, 12345)
	if got := GetOperationID(wrong); got != "" {
		t.Errorf("GetOperationID() = %q, want empty", got)
	}
}

func TestContextLoggingFunctions(t *testing.T) {
	ctx := WithOperationID(context.Background(), "test-operation-id")

	tests := []struct {
		name string
		fn   func()
	}{
		{"DebugContext", func() { DebugContext(ctx, "debug message") }},
		{"InfoContext", func() { InfoContext(ctx, "info message") }},
		{"WarnContext", func() { WarnContext(ctx, "warning message") }},
		{"ErrorContext", func() { ErrorContext(ctx, "error message") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := captureLogOutput(tt.fn)
			if !strings.Contains(output, "test-operation-id") {
				t.Errorf("Expected output to contain operation ID, got %q", output)
			}
		})
	}
}

func TestJournalRecovered(t *testing.T) {
	output := captureLogOutput(func() {
		JournalRecovered(nil, "/data/test.db", 12, 40)
	})
	for _, want := range []string{"journal_recovered", "/data/test.db", `"records":12`, `"db_pages":40`} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %s, got %q", want, output)
		}
	}
}

func TestLockEvent(t *testing.T) {
	output := captureLogOutput(func() {
		LockEvent(nil, "test.db", vfs.LockShared, vfs.LockExclusive, errors.New("busy"))
	})
	for _, want := range []string{"lock_event", `"from":"SHARED"`, `"to":"EXCLUSIVE"`, `"error":"busy"`} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %s, got %q", want, output)
		}
	}
}

func TestCacheSpill(t *testing.T) {
	output := captureLogOutput(func() {
		CacheSpill(nil, "test.db", 7, "reason", "pressure")
	})
	if !strings.Contains(output, `"pgno":7`) || !strings.Contains(output, "pressure") {
		t.Errorf("unexpected output %q", output)
	}
}

func TestPagerError(t *testing.T) {
	output := captureLogOutput(func() {
		PagerError(nil, "test.db", "commit", errors.New("disk I/O error"))
	})
	for _, want := range []string{"pager_error", `"level":"WARN"`, "commit", "disk I/O error"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %s, got %q", want, output)
		}
	}
}

func TestHelpersUseGivenLogger(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	global := captureLogOutput(func() {
		CacheSpill(l, "x.db", 3)
	})
	if global != "" {
		t.Errorf("global logger should be untouched, got %q", global)
	}
	if !strings.Contains(buf.String(), "cache_spill") {
		t.Errorf("given logger should receive the record, got %q", buf.String())
	}
}

func TestReplaceAttrTimestamp(t *testing.T) {
	output := captureLogOutputWithInit(LevelInfo, FormatJSON, func() {
		GetLogger().Info("timestamp test")
	})
	if !strings.Contains(output, "timestamp test") {
		t.Error("Expected output to contain test message")
	}
	if !strings.Contains(output, "T") {
		t.Error("Expected timestamp to be in RFC3339 format")
	}
}

func TestTextFormat(t *testing.T) {
	output := captureLogOutputWithInit(LevelDebug, FormatText, func() {
		GetLogger().Debug("test message text", "key", "value")
	})
	if !strings.Contains(output, "test message text") || !strings.Contains(output, "key=value") {
		t.Errorf("unexpected text output %q", output)
	}
}

func TestLevelFiltering(t *testing.T) {
	output := captureLogOutputWithInit(LevelWarn, FormatJSON, func() {
		GetLogger().Info("hidden")
		GetLogger().Warn("shown")
	})
	if strings.Contains(output, "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(output, "shown") {
		t.Error("warn record should be written")
	}
}
