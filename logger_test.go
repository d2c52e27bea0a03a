package benteng

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSimpleLoggerImplementsLogger(t *testing.T) {
	var _ Logger = NewSimpleLogger()
}

func TestSimpleLoggerLevels(t *testing.T) {
	l := NewSimpleLogger()
	if l == nil {
		t.Fatal("NewSimpleLogger() returned nil")
	}

	l.Debug("debug message")
	l.Info("info message", "key", "value")
	l.Warn("warn message", "count", 3)
	l.Error("error message", "err", "boom")
}

func TestZapLoggerForwardsFields(t *testing.T) {
	core, recorded := observer.New(zapcore.DebugLevel)
	l := NewZapLogger(zap.New(core))

	l.Info("request completed", "method", "GET", "status", 200)
	l.Error("request failed", "err", "timeout")
	l.Debug("attempt", "n", 1)
	l.Warn("slow response")

	entries := recorded.All()
	if len(entries) != 4 {
		t.Fatalf("Expected 4 log entries, got %d", len(entries))
	}

	first := entries[0]
	if first.Message != "request completed" {
		t.Errorf("Expected message 'request completed', got %q", first.Message)
	}
	if first.Level != zapcore.InfoLevel {
		t.Errorf("Expected info level, got %v", first.Level)
	}
	fields := first.ContextMap()
	if fields["method"] != "GET" {
		t.Errorf("Expected method field GET, got %v", fields["method"])
	}

	if entries[1].Level != zapcore.ErrorLevel {
		t.Errorf("Expected error level, got %v", entries[1].Level)
	}
	if entries[2].Level != zapcore.DebugLevel {
		t.Errorf("Expected debug level, got %v", entries[2].Level)
	}
	if entries[3].Level != zapcore.WarnLevel {
		t.Errorf("Expected warn level, got %v", entries[3].Level)
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	var l Logger = nopLogger{}

	l.Debug("ignored")
	l.Info("ignored", "k", "v")
	l.Warn("ignored")
	l.Error("ignored")
}
