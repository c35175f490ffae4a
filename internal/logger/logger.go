// Package logger provides structured JSON-lines logging for one
// evaluation run, keyed by run id. In this tree the executor (through
// cmd/executor and dag.LogPlan) logs through it; the scheduler, worker and
// client do not.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// LogSchema is the shape of one structured log line.
type LogSchema struct {
	Timestamp string      `json:"timestamp"`
	RunID     string      `json:"run_id"`
	Component string      `json:"component"` // dag, scheduler, worker, executor, client
	Event     string      `json:"event"`     // exec_start, exec_done, exec_skip, cache_hit, ...
	Payload   interface{} `json:"payload"`
}

var (
	currentLogger *slog.Logger
	logFile       *os.File
)

// InitLogger opens a new JSON-lines log file for one evaluation run under
// dir (created if missing), named <run_id>.jsonl, and makes it the
// target of LogEvent until Close is called.
func InitLogger(dir, runID string) error {
	if runID == "" {
		runID = uuid.New().String()
	}
	if dir == "" {
		dir = "logs"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("logger: create log dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s.jsonl", runID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("logger: open log file: %w", err)
	}
	logFile = f

	handler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo})
	currentLogger = slog.New(handler)

	LogEvent(context.Background(), runID, "executor", "run_start", map[string]string{
		"message": "evaluation run started",
	})

	return nil
}

// LogEvent writes one structured log entry, falling back to stdout JSON
// if no run-scoped logger has been initialized.
func LogEvent(ctx context.Context, runID, component, event string, payload interface{}) {
	_ = ctx
	if currentLogger == nil {
		currentLogger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	currentLogger.Info(event,
		slog.String("run_id", runID),
		slog.String("component", component),
		slog.Any("payload", payload),
	)
}

// GenerateRunID returns a fresh run identifier.
func GenerateRunID() string {
	return uuid.New().String()
}

// Close releases the current run's log file, if one is open.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	currentLogger = nil
}
