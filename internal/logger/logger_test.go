package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitLoggerWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	runID := "test-run-logger"
	logPath := filepath.Join(dir, runID+".jsonl")

	if err := InitLogger(dir, runID); err != nil {
		t.Fatalf("InitLogger failed: %v", err)
	}
	LogEvent(context.Background(), runID, "executor", "test_event", map[string]string{"msg": "ok"})
	Close()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), runID) {
		t.Fatalf("expected run_id in log output")
	}
}
