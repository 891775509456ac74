// Package audit records the loop's phase transitions and repair attempts as an
// append-only structured trail. Audit failures never affect the loop.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Recorder is the audit collaborator consumed by the loop.
type Recorder interface {
	Record(event string, fields map[string]any)
}

// Nop discards every event.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(string, map[string]any) {}

// FileAuditor appends one JSON object per event to a file.
type FileAuditor struct {
	mu     sync.Mutex
	logger *zap.Logger
	file   *os.File
}

// NewFileAuditor opens (or creates) the audit file in append mode.
func NewFileAuditor(path string) (*FileAuditor, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		MessageKey:     "event",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339Nano),
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.InfoLevel)
	// Write errors are reported to stderr by zap and otherwise ignored.
	logger := zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr)))

	return &FileAuditor{logger: logger, file: f}, nil
}

// Record appends an event. Field order is stable so the trail diffs cleanly.
func (a *FileAuditor) Record(event string, fields map[string]any) {
	if a == nil {
		return
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	zfields := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		zfields = append(zfields, zap.Any(k, fields[k]))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger.Info(event, zfields...)
}

// Close flushes and closes the audit file.
func (a *FileAuditor) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = a.logger.Sync()
	return a.file.Close()
}
