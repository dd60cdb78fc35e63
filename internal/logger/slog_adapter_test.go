package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSlogHandlerForwardsToLogger(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "test.log")

	base, err := New(LevelInfo, logPath, "")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer base.Close()

	sl := slog.New(NewSlogHandler(base))
	sl.Info("connected", "session", "s1", "attempt", 2)
	sl.Debug("should not appear")
	sl.With("component", "socket").Warn("retrying")

	base.Close()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	contentStr := string(content)

	if !strings.Contains(contentStr, "connected session=s1 attempt=2") {
		t.Errorf("Missing formatted attrs, got: %s", contentStr)
	}
	if strings.Contains(contentStr, "should not appear") {
		t.Errorf("Debug record leaked through INFO level")
	}
	if !strings.Contains(contentStr, "retrying component=socket") {
		t.Errorf("Missing WithAttrs record, got: %s", contentStr)
	}
}

func TestSlogHandlerGroups(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "test.log")

	base, err := New(LevelInfo, logPath, "")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	defer base.Close()

	sl := slog.New(NewSlogHandler(base))
	sl.WithGroup("conn").Info("opened", "url", "ws://example")

	base.Close()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "opened conn.url=ws://example") {
		t.Errorf("Missing dotted group key, got: %s", string(content))
	}
}

func TestSlogHandlerNilLogger(t *testing.T) {
	if NewSlogHandler(nil) != nil {
		t.Error("Expected nil handler for nil logger")
	}
}
